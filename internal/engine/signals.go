package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/ids"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/retry"
	"github.com/exospherehost/state-manager/internal/store"
)

// Executed applies a worker's success report. The state moves QUEUED →
// EXECUTED with the first outputs entry (or an empty map), successors are
// materialized, and the state finishes in SUCCESS or, if materialization
// failed, NEXT_CREATED_ERROR with the error captured. The returned state
// carries the final status.
func (e *Engine) Executed(ctx context.Context, stateID string, outputs []map[string]string) (*model.State, error) {
	first := map[string]string{}
	if len(outputs) > 0 && outputs[0] != nil {
		first = outputs[0]
	}
	executed, err := e.transition(ctx, stateID, model.StatusExecuted, store.StatePatch{Outputs: first})
	if err != nil {
		return nil, err
	}

	if merr := e.materializeSuccessors(ctx, executed, outputs); merr != nil {
		e.log.Error().Err(merr).Str("state_id", stateID).Msg("successor materialization failed")
		msg := merr.Error()
		return e.transition(ctx, stateID, model.StatusNextCreatedError, store.StatePatch{Error: &msg})
	}
	return e.transition(ctx, stateID, model.StatusSuccess, store.StatePatch{})
}

// Errored applies a worker's failure report. The state moves QUEUED →
// ERRORED with the error text; if the retry budget allows, a retry sibling
// is inserted in CREATED with the policy delay and the errored state is
// rewritten to RETRY_CREATED. The bool reports whether a retry exists.
func (e *Engine) Errored(ctx context.Context, stateID, errMsg string) (*model.State, bool, error) {
	current, err := e.st.GetState(ctx, stateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, apperr.NotFoundf("state %q not found", stateID)
		}
		return nil, false, err
	}
	// The only route out of EXECUTED is SUCCESS or NEXT_CREATED_ERROR.
	if current.Status == model.StatusExecuted {
		return nil, false, apperr.Preconditionf("state already executed")
	}

	errored, err := e.transition(ctx, stateID, model.StatusErrored, store.StatePatch{Error: &errMsg})
	if err != nil {
		return nil, false, err
	}

	graph, err := e.st.GetGraphTemplate(ctx, errored.Namespace, errored.GraphName)
	if err != nil {
		return nil, false, fmt.Errorf("load template: %w", err)
	}
	if errored.Attempt >= graph.RetryPolicy.MaxRetries+1 {
		return errored, false, nil
	}

	seed := fmt.Sprintf("%s:%s:%d", errored.RunID, errored.Identifier, errored.Attempt)
	delay, err := retry.Delay(graph.RetryPolicy, errored.Attempt, seed)
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	sibling := &model.State{
		ID:         ids.New(),
		RunID:      errored.RunID,
		Namespace:  errored.Namespace,
		GraphName:  errored.GraphName,
		NodeName:   errored.NodeName,
		Identifier: errored.Identifier,
		Status:     model.StatusCreated,
		Inputs:     errored.Inputs,
		Parents:    errored.Parents,
		DoesUnites: errored.DoesUnites,
		EligibleAt: now + delay.Milliseconds(),
		Attempt:    errored.Attempt + 1,
		RetryKey:   errored.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sibling.DoesUnites {
		sibling.Fingerprint = Fingerprint(sibling)
	}
	if err := e.st.InsertState(ctx, sibling); err != nil {
		if !store.IsDuplicateKey(err) {
			return nil, false, fmt.Errorf("insert retry sibling: %w", err)
		}
		// Benign race: a concurrent errored report created the retry first.
		e.log.Debug().Str("state_id", stateID).Msg("retry already created")
	} else {
		e.countTransition(string(model.StatusCreated))
		if e.met != nil {
			e.met.RetriesCreated.Inc()
		}
	}

	final, err := e.transition(ctx, stateID, model.StatusRetryCreated, store.StatePatch{})
	if err != nil {
		return nil, false, err
	}
	return final, true, nil
}

// Prune applies a worker's voluntary skip: QUEUED → PRUNED with the
// free-form data recorded. The state's successors are never created.
func (e *Engine) Prune(ctx context.Context, stateID string, data map[string]any) (*model.State, error) {
	return e.transition(ctx, stateID, model.StatusPruned, store.StatePatch{Data: data})
}

// ReenqueueAfter returns a state to CREATED with a fresh eligibility time
// now + delayMS. Any current status is accepted except CANCELLED, PRUNED and
// SUCCESS.
func (e *Engine) ReenqueueAfter(ctx context.Context, stateID string, delayMS int64) (*model.State, error) {
	if delayMS <= 0 {
		return nil, apperr.Preconditionf("enqueue_after must be > 0, got %d", delayMS)
	}
	eligible := e.now() + delayMS
	return e.transition(ctx, stateID, model.StatusCreated, store.StatePatch{EligibleAt: &eligible})
}
