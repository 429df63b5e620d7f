// Package engine drives the per-state lifecycle: leasing work to workers,
// applying worker signals, materializing successors with fan-out and fan-in,
// creating retries, and triggering runs.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/exospherehost/state-manager/internal/ids"
	"github.com/exospherehost/state-manager/internal/metrics"
	"github.com/exospherehost/state-manager/internal/secrets"
	"github.com/exospherehost/state-manager/internal/store"
)

// Engine coordinates all state reads and writes through the persistence
// port. It holds no in-process state; concurrent request handlers
// synchronize only through atomic document operations.
type Engine struct {
	st  store.Store
	env *secrets.Envelope
	log zerolog.Logger
	met *metrics.Metrics

	now func() int64

	// Bounds for the trigger's wait-for-validation poll.
	waitTimeout  time.Duration
	waitInterval time.Duration
}

// New wires an engine over the given store and secret envelope.
func New(st store.Store, env *secrets.Envelope, log zerolog.Logger, met *metrics.Metrics) *Engine {
	return &Engine{
		st:           st,
		env:          env,
		log:          log,
		met:          met,
		now:          ids.NowMillis,
		waitTimeout:  60 * time.Second,
		waitInterval: 500 * time.Millisecond,
	}
}

func (e *Engine) countTransition(to string) {
	if e.met != nil {
		e.met.Transitions.WithLabelValues(to).Inc()
	}
}
