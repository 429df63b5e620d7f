package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/ids"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/validate"
)

// TriggerResult reports the run and seed state a trigger created.
type TriggerResult struct {
	RunID       string       `json:"run_id"`
	StateID     string       `json:"state_id"`
	StateStatus model.Status `json:"state_status"`
}

// Trigger creates a run of (namespace, graphName): it waits for the template
// to be VALID, checks the required store keys, inserts the run and its store
// entries, resolves the root node's inputs (store placeholders only) and
// inserts the seed state.
func (e *Engine) Trigger(ctx context.Context, namespace, graphName string, storeValues, inputOverrides map[string]string) (*TriggerResult, error) {
	graph, err := validate.WaitValid(ctx, e.st, namespace, graphName, e.waitTimeout, e.waitInterval)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range graph.Store.RequiredKeys {
		if _, ok := storeValues[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperr.Preconditionf("missing required store keys: %v", missing)
	}

	root, ok := graph.Root()
	if !ok {
		return nil, fmt.Errorf("template %s/%s has no unique root", namespace, graphName)
	}
	inputs, err := e.resolveRootInputs(graph, root, storeValues, inputOverrides)
	if err != nil {
		return nil, err
	}

	now := e.now()
	runID := ids.New()
	if err := e.st.InsertRun(ctx, &model.Run{
		RunID:     runID,
		Namespace: namespace,
		GraphName: graphName,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	entries := make([]*model.StoreEntry, 0, len(storeValues))
	for key, value := range storeValues {
		entries = append(entries, &model.StoreEntry{
			RunID:     runID,
			Key:       key,
			Value:     value,
			Namespace: namespace,
			GraphName: graphName,
			CreatedAt: now,
		})
	}
	if err := e.st.InsertStoreEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("insert store entries: %w", err)
	}

	seed := &model.State{
		ID:         ids.New(),
		RunID:      runID,
		Namespace:  namespace,
		GraphName:  graphName,
		NodeName:   root.NodeName,
		Identifier: root.Identifier,
		Status:     model.StatusCreated,
		Inputs:     inputs,
		Parents:    model.Parents{},
		EligibleAt: now,
		Attempt:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.st.InsertState(ctx, seed); err != nil {
		return nil, fmt.Errorf("insert seed state: %w", err)
	}
	e.countTransition(string(model.StatusCreated))
	if e.met != nil {
		e.met.RunsTriggered.Inc()
	}
	e.log.Info().Str("namespace", namespace).Str("graph", graphName).
		Str("run_id", runID).Msg("run triggered")

	return &TriggerResult{RunID: runID, StateID: seed.ID, StateStatus: seed.Status}, nil
}
