package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
)

// Runner drives asynchronous validation after template upserts.
type Runner struct {
	St  store.Store
	Log zerolog.Logger

	// OnResult, when set, observes each validation outcome (metrics hook).
	OnResult func(valid bool)
}

// Kick validates (namespace, name) in a background goroutine. The upsert
// request has already returned by the time the result lands.
func (r *Runner) Kick(namespace, name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := r.Run(ctx, namespace, name); err != nil {
			r.Log.Error().Err(err).Str("namespace", namespace).Str("graph", name).
				Msg("graph validation aborted")
		}
	}()
}

// Run validates synchronously: ONGOING, then VALID or INVALID with errors.
func (r *Runner) Run(ctx context.Context, namespace, name string) error {
	if err := r.St.SetGraphValidation(ctx, namespace, name, model.ValidationOngoing, nil); err != nil {
		return fmt.Errorf("mark validation ongoing: %w", err)
	}
	g, err := r.St.GetGraphTemplate(ctx, namespace, name)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	errs := Graph(ctx, g, r.St)
	status := model.ValidationValid
	if len(errs) > 0 {
		status = model.ValidationInvalid
	}
	if err := r.St.SetGraphValidation(ctx, namespace, name, status, errs); err != nil {
		return fmt.Errorf("store validation result: %w", err)
	}
	r.Log.Info().Str("namespace", namespace).Str("graph", name).
		Str("status", string(status)).Int("errors", len(errs)).
		Msg("graph validation finished")
	if r.OnResult != nil {
		r.OnResult(status == model.ValidationValid)
	}
	return nil
}

// WaitValid polls until the template's validation status is VALID. INVALID
// fails immediately; PENDING and ONGOING are retried every interval until
// timeout. Non-positive timeout or interval values are rejected.
func WaitValid(ctx context.Context, st store.Store, namespace, name string, timeout, interval time.Duration) (*model.GraphTemplate, error) {
	if timeout <= 0 || interval <= 0 {
		return nil, apperr.Preconditionf("timeout and interval must be positive")
	}
	deadline := time.Now().Add(timeout)
	for {
		g, err := st.GetGraphTemplate(ctx, namespace, name)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apperr.NotFoundf("graph %q not found in namespace %q", name, namespace)
			}
			return nil, err
		}
		switch g.ValidationStatus {
		case model.ValidationValid:
			return g, nil
		case model.ValidationInvalid:
			return nil, apperr.Preconditionf("graph %q is invalid: %v", name, g.ValidationErrors)
		}
		if time.Now().After(deadline) {
			return nil, apperr.Preconditionf("graph %q validation did not complete within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
