package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/depstr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
)

// resolveScope is the view a successor's inputs are resolved against: the
// outputs of the rooting state (the just-executed parent, or the unites
// ancestor for fan-in), that state's parents for further ancestor lookups,
// and the run store with template defaults.
type resolveScope struct {
	graph          *model.GraphTemplate
	runID          string
	rootIdentifier string
	rootOutputs    map[string]string
	parents        model.Parents
}

// resolveInputs materializes every input of node within the scope. A
// declared source with no value fails, naming the unresolved reference.
func (e *Engine) resolveInputs(ctx context.Context, scope resolveScope, node *model.NodeTemplate) (map[string]string, error) {
	resolved := make(map[string]string, len(node.Inputs))
	// Cache ancestor state loads; several inputs often share a source.
	loaded := map[string]*model.State{}

	var lookupErr error
	lookup := func(ref depstr.Ref) (string, bool) {
		if ref.IsStore() {
			return e.lookupStore(ctx, scope, ref.Field, &lookupErr)
		}
		if ref.Identifier == scope.rootIdentifier {
			v, ok := scope.rootOutputs[ref.Field]
			return v, ok
		}
		stateID, ok := scope.parents.Get(ref.Identifier)
		if !ok {
			return "", false
		}
		src, ok := loaded[stateID]
		if !ok {
			var err error
			src, err = e.st.GetState(ctx, stateID)
			if err != nil {
				lookupErr = fmt.Errorf("load ancestor state %s: %w", stateID, err)
				return "", false
			}
			loaded[stateID] = src
		}
		v, ok := src.Outputs[ref.Field]
		return v, ok
	}

	for field, raw := range node.Inputs {
		v, err := depstr.Resolve(raw, lookup)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if err != nil {
			return nil, fmt.Errorf("node %q input %q: %w", node.Identifier, field, err)
		}
		resolved[field] = v
	}
	return resolved, nil
}

func (e *Engine) lookupStore(ctx context.Context, scope resolveScope, key string, lookupErr *error) (string, bool) {
	entry, err := e.st.GetStoreEntry(ctx, scope.runID, key)
	if err == nil {
		return entry.Value, true
	}
	if !errors.Is(err, store.ErrNotFound) {
		*lookupErr = fmt.Errorf("load store entry %q: %w", key, err)
		return "", false
	}
	return scope.graph.Store.Default(key)
}

// resolveRootInputs resolves the seed state's inputs at trigger time. Only
// store references are permitted at the root; the validator already rejects
// anything else, re-checked here as defense in depth.
func (e *Engine) resolveRootInputs(g *model.GraphTemplate, root *model.NodeTemplate, storeValues map[string]string, overrides map[string]string) (map[string]string, error) {
	inputs := make(map[string]string, len(root.Inputs))
	for field, raw := range root.Inputs {
		inputs[field] = raw
	}
	for field, v := range overrides {
		inputs[field] = v
	}

	resolved := make(map[string]string, len(inputs))
	for field, raw := range inputs {
		parsed, err := depstr.Parse(raw)
		if err != nil {
			return nil, apperr.Preconditionf("root input %q: %v", field, err)
		}
		for _, ref := range parsed.Refs() {
			if !ref.IsStore() {
				return nil, apperr.Preconditionf("root input %q references %s; only store.* placeholders are permitted at the root", field, ref)
			}
		}
		v, err := parsed.Resolve(func(ref depstr.Ref) (string, bool) {
			if v, ok := storeValues[ref.Field]; ok {
				return v, true
			}
			return g.Store.Default(ref.Field)
		})
		if err != nil {
			return nil, apperr.Preconditionf("root input %q: %v", field, err)
		}
		resolved[field] = v
	}
	return resolved, nil
}
