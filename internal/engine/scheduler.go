package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
)

// maxBatchSize bounds one worker pull.
const maxBatchSize = 100

// Enqueue pops up to batchSize eligible states for a worker accepting the
// given node names, marking each QUEUED in its own atomic find-and-update.
// The leases are issued in parallel; fewer than batchSize results is normal.
func (e *Engine) Enqueue(ctx context.Context, namespace string, nodeNames []string, batchSize int) ([]*model.State, error) {
	if len(nodeNames) == 0 {
		return nil, apperr.Preconditionf("nodes must be non-empty")
	}
	if batchSize < 1 || batchSize > maxBatchSize {
		return nil, apperr.Preconditionf("batch_size must be between 1 and %d, got %d", maxBatchSize, batchSize)
	}

	now := e.now()
	leased := make([]*model.State, batchSize)
	errs := make([]error, batchSize)
	var wg sync.WaitGroup
	for i := 0; i < batchSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := e.st.LeaseNextState(ctx, namespace, nodeNames, now)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					errs[i] = err
				}
				return
			}
			leased[i] = s
		}(i)
	}
	wg.Wait()

	var out []*model.State
	for i := 0; i < batchSize; i++ {
		if errs[i] != nil {
			return nil, errs[i]
		}
		if leased[i] != nil {
			out = append(out, leased[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EligibleAt != out[j].EligibleAt {
			return out[i].EligibleAt < out[j].EligibleAt
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	if e.met != nil {
		e.met.Leases.Add(float64(len(out)))
	}
	e.countTransitionN(string(model.StatusQueued), len(out))
	return out, nil
}

func (e *Engine) countTransitionN(to string, n int) {
	if e.met != nil && n > 0 {
		e.met.Transitions.WithLabelValues(to).Add(float64(n))
	}
}
