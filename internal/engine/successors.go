package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/exospherehost/state-manager/internal/ids"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
)

// materializeSuccessors creates the successor states of a just-executed
// parent P. outputsViews is the worker's outputs list: N > 1 views fan each
// ordinary successor out into N sibling states, child k resolving references
// to P against view k. Fan-in successors are barrier-checked and created at
// most once via the fingerprint index.
func (e *Engine) materializeSuccessors(ctx context.Context, p *model.State, outputsViews []map[string]string) error {
	node, graph, err := e.loadNode(ctx, p)
	if err != nil {
		return err
	}
	if len(outputsViews) == 0 {
		outputsViews = []map[string]string{p.Outputs}
	}

	var errs []error
	for _, succID := range node.NextNodes {
		succ, ok := graph.Node(succID)
		if !ok {
			errs = append(errs, fmt.Errorf("successor %q not in template", succID))
			continue
		}
		if succ.Unites != nil {
			if err := e.materializeFanIn(ctx, graph, p, succ); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, view := range outputsViews {
			if err := e.materializeOrdinary(ctx, graph, p, succ, view); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) materializeOrdinary(ctx context.Context, graph *model.GraphTemplate, p *model.State, succ *model.NodeTemplate, view map[string]string) error {
	scope := resolveScope{
		graph:          graph,
		runID:          p.RunID,
		rootIdentifier: p.Identifier,
		rootOutputs:    view,
		parents:        p.Parents,
	}
	inputs, err := e.resolveInputs(ctx, scope, succ)
	if err != nil {
		return err
	}
	now := e.now()
	child := &model.State{
		ID:         ids.New(),
		RunID:      p.RunID,
		Namespace:  p.Namespace,
		GraphName:  p.GraphName,
		NodeName:   succ.NodeName,
		Identifier: succ.Identifier,
		Status:     model.StatusCreated,
		Inputs:     inputs,
		Parents:    p.Parents.With(p.Identifier, p.ID),
		EligibleAt: now,
		Attempt:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.st.InsertState(ctx, child); err != nil {
		return fmt.Errorf("insert successor %q: %w", succ.Identifier, err)
	}
	e.countTransition(string(model.StatusCreated))
	return nil
}

func (e *Engine) materializeFanIn(ctx context.Context, graph *model.GraphTemplate, p *model.State, succ *model.NodeTemplate) error {
	u := succ.Unites
	uStateID, ok := p.Parents.Get(u.Identifier)
	if !ok {
		// Rule out by validation; reaching this is an internal error.
		return fmt.Errorf("state %s unites with %q which is not among its parents", p.ID, u.Identifier)
	}

	open, err := e.barrierOpen(ctx, p, u, uStateID)
	if err != nil {
		return err
	}
	if open {
		// Another sibling's completion re-checks later.
		return nil
	}

	ancestor, err := e.st.GetState(ctx, uStateID)
	if err != nil {
		return fmt.Errorf("load unites ancestor %s: %w", uStateID, err)
	}
	scope := resolveScope{
		graph:          graph,
		runID:          p.RunID,
		rootIdentifier: ancestor.Identifier,
		rootOutputs:    ancestor.Outputs,
		parents:        ancestor.Parents,
	}
	inputs, err := e.resolveInputs(ctx, scope, succ)
	if err != nil {
		return err
	}
	now := e.now()
	child := &model.State{
		ID:         ids.New(),
		RunID:      p.RunID,
		Namespace:  p.Namespace,
		GraphName:  p.GraphName,
		NodeName:   succ.NodeName,
		Identifier: succ.Identifier,
		Status:     model.StatusCreated,
		Inputs:     inputs,
		Parents:    ancestor.Parents.With(ancestor.Identifier, ancestor.ID),
		DoesUnites: true,
		EligibleAt: now,
		Attempt:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	child.Fingerprint = Fingerprint(child)
	if err := e.st.InsertState(ctx, child); err != nil {
		if store.IsDuplicateKey(err) {
			// Benign race: a concurrent completion already created it.
			if e.met != nil {
				e.met.FanInDeduped.Inc()
			}
			e.log.Debug().Str("run_id", p.RunID).Str("identifier", succ.Identifier).
				Msg("fan-in state already materialized")
			return nil
		}
		return fmt.Errorf("insert fan-in successor %q: %w", succ.Identifier, err)
	}
	e.countTransition(string(model.StatusCreated))
	return nil
}

// barrierOpen scans the peers between the unites ancestor and the fan-in
// node: every state of the run whose parents record the same ancestor state.
// The triggering state itself is excluded; it is still EXECUTED while its
// successors are being materialized.
func (e *Engine) barrierOpen(ctx context.Context, p *model.State, u *model.Unites, uStateID string) (bool, error) {
	peers, err := e.st.ListStatesByAncestor(ctx, p.RunID, p.GraphName, u.Identifier, uStateID)
	if err != nil {
		return false, fmt.Errorf("barrier scan: %w", err)
	}
	for _, peer := range peers {
		if peer.ID == p.ID {
			continue
		}
		switch u.Strategy {
		case model.UnitesAllSuccess:
			if peer.Status != model.StatusSuccess && peer.Status != model.StatusRetryCreated {
				return true, nil
			}
		case model.UnitesAllDone:
			switch peer.Status {
			case model.StatusCreated, model.StatusQueued, model.StatusExecuted:
				return true, nil
			}
		default:
			return false, fmt.Errorf("unknown unites strategy %q", u.Strategy)
		}
	}
	return false, nil
}

func (e *Engine) loadNode(ctx context.Context, s *model.State) (*model.NodeTemplate, *model.GraphTemplate, error) {
	graph, err := e.st.GetGraphTemplate(ctx, s.Namespace, s.GraphName)
	if err != nil {
		return nil, nil, fmt.Errorf("load template %s/%s: %w", s.Namespace, s.GraphName, err)
	}
	node, ok := graph.Node(s.Identifier)
	if !ok {
		return nil, nil, fmt.Errorf("identifier %q not in template %s/%s", s.Identifier, s.Namespace, s.GraphName)
	}
	return node, graph, nil
}
