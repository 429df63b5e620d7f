package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
)

// RunStatus is the roll-up of a run's state statuses.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// RunSummary is one row of the paginated run list.
type RunSummary struct {
	RunID        string               `json:"run_id"`
	GraphName    string               `json:"graph_name"`
	CreatedAt    int64                `json:"created_at"`
	Status       RunStatus            `json:"status"`
	StatusCounts map[model.Status]int `json:"status_counts"`
}

// ListRuns returns one page of runs, newest first, with per-run status
// roll-ups. Pages are 1-indexed.
func (e *Engine) ListRuns(ctx context.Context, namespace string, page, size int) ([]RunSummary, int64, error) {
	if page < 1 || size < 1 {
		return nil, 0, apperr.Preconditionf("page and size must be >= 1")
	}
	runs, total, err := e.st.ListRuns(ctx, namespace, page, size)
	if err != nil {
		return nil, 0, err
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		states, err := e.st.ListStatesByRun(ctx, r.RunID)
		if err != nil {
			return nil, 0, err
		}
		counts := map[model.Status]int{}
		for _, s := range states {
			counts[s.Status]++
		}
		summaries = append(summaries, RunSummary{
			RunID:        r.RunID,
			GraphName:    r.GraphName,
			CreatedAt:    r.CreatedAt,
			Status:       rollUp(counts),
			StatusCounts: counts,
		})
	}
	return summaries, total, nil
}

// rollUp derives a run status: failed beats running beats success.
func rollUp(counts map[model.Status]int) RunStatus {
	if counts[model.StatusErrored] > 0 || counts[model.StatusNextCreatedError] > 0 {
		return RunFailed
	}
	if counts[model.StatusCreated] > 0 || counts[model.StatusQueued] > 0 || counts[model.StatusExecuted] > 0 {
		return RunRunning
	}
	return RunSuccess
}

// RunGraphNode is one state in a rendered run graph.
type RunGraphNode struct {
	ID         string       `json:"id"`
	Identifier string       `json:"identifier"`
	NodeName   string       `json:"node_name"`
	Status     model.Status `json:"status"`
	Attempt    int          `json:"attempt"`
}

// RunGraphEdge links a state to its most recently added parent state.
type RunGraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RunGraph is the graph rendered from a run's actual states.
type RunGraph struct {
	RunID        string               `json:"run_id"`
	Nodes        []RunGraphNode       `json:"nodes"`
	Edges        []RunGraphEdge       `json:"edges"`
	StatusCounts map[model.Status]int `json:"status_counts"`
	Roots        []string             `json:"roots"`
}

// RenderRunGraph builds the execution graph of a run from its states: one
// node per state, one edge per state from its most-recent parent, and the
// set of root state ids (states without parents).
func (e *Engine) RenderRunGraph(ctx context.Context, runID string) (*RunGraph, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("run %q not found", runID)
		}
		return nil, err
	}
	states, err := e.st.ListStatesByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	g := &RunGraph{RunID: runID, StatusCounts: map[model.Status]int{}}
	for _, s := range states {
		g.Nodes = append(g.Nodes, RunGraphNode{
			ID:         s.ID,
			Identifier: s.Identifier,
			NodeName:   s.NodeName,
			Status:     s.Status,
			Attempt:    s.Attempt,
		})
		g.StatusCounts[s.Status]++
		if last, ok := s.Parents.Last(); ok {
			g.Edges = append(g.Edges, RunGraphEdge{From: last.StateID, To: s.ID})
		} else {
			g.Roots = append(g.Roots, s.ID)
		}
	}
	return g, nil
}

// StateSecrets unseals the secret envelope of the graph a state belongs to.
func (e *Engine) StateSecrets(ctx context.Context, stateID string) (map[string]string, error) {
	s, err := e.st.GetState(ctx, stateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("state %q not found", stateID)
		}
		return nil, err
	}
	graph, err := e.st.GetGraphTemplate(ctx, s.Namespace, s.GraphName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("graph %q not found in namespace %q", s.GraphName, s.Namespace)
		}
		return nil, err
	}
	out := make(map[string]string, len(graph.Secrets))
	for name, sealed := range graph.Secrets {
		plain, err := e.env.Unseal(sealed)
		if err != nil {
			// Tampered or foreign-key blob: unexpected, audited.
			e.log.Error().Err(err).Str("graph", s.GraphName).Str("secret", name).
				Msg("secret unseal failed")
			return nil, fmt.Errorf("unseal secret %q: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}

// GetState loads one state document.
func (e *Engine) GetState(ctx context.Context, stateID string) (*model.State, error) {
	s, err := e.st.GetState(ctx, stateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("state %q not found", stateID)
		}
		return nil, err
	}
	return s, nil
}
