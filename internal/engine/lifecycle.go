package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
)

// allowedSources maps a target status to the statuses a state may hold when
// entering it. A transition whose current status is not listed is rejected
// without modifying the state.
var allowedSources = map[model.Status][]model.Status{
	model.StatusQueued:           {model.StatusCreated},
	model.StatusExecuted:         {model.StatusQueued},
	model.StatusSuccess:          {model.StatusExecuted},
	model.StatusNextCreatedError: {model.StatusExecuted},
	model.StatusErrored:          {model.StatusQueued},
	model.StatusRetryCreated:     {model.StatusErrored},
	model.StatusPruned:           {model.StatusQueued},

	// Reenqueue: any status except CANCELLED, PRUNED and SUCCESS.
	model.StatusCreated: {
		model.StatusCreated, model.StatusQueued, model.StatusExecuted,
		model.StatusErrored, model.StatusRetryCreated, model.StatusNextCreatedError,
	},
}

// transition atomically moves a state to the target status, enforcing the
// lifecycle preconditions, and returns the updated document.
func (e *Engine) transition(ctx context.Context, id string, to model.Status, patch store.StatePatch) (*model.State, error) {
	from, ok := allowedSources[to]
	if !ok {
		return nil, fmt.Errorf("no transition enters status %s", to)
	}
	patch.UpdatedAt = e.now()
	updated, err := e.st.UpdateStateStatus(ctx, id, from, to, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("state %q not found", id)
		}
		if errors.Is(err, store.ErrPrecondition) {
			return nil, apperr.Preconditionf("state %q cannot move to %s from its current status", id, to)
		}
		return nil, err
	}
	e.countTransition(string(to))
	return updated, nil
}
