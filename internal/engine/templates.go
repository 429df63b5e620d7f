package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/exospherehost/state-manager/internal/apperr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/store"
	"github.com/exospherehost/state-manager/internal/validate"
)

// GraphUpsert is the caller-supplied template content. Secret values arrive
// in plaintext and are sealed before they touch the store.
type GraphUpsert struct {
	Nodes       []model.NodeTemplate
	Secrets     map[string]string
	Store       model.StoreConfig
	RetryPolicy *model.RetryPolicy
}

var knownStrategies = map[model.RetryStrategy]bool{
	model.RetryExponential: true, model.RetryExponentialFullJitter: true,
	model.RetryExponentialEqualJitter: true,
	model.RetryLinear:                 true, model.RetryLinearFullJitter: true,
	model.RetryLinearEqualJitter: true,
	model.RetryFixed:             true, model.RetryFixedFullJitter: true,
	model.RetryFixedEqualJitter: true,
}

// UpsertGraph seals secrets, writes the template with validation status
// PENDING and returns the stored document. The caller schedules async
// validation afterwards; readers keep seeing the previous VALID snapshot
// until it lands.
func (e *Engine) UpsertGraph(ctx context.Context, namespace, name string, up GraphUpsert) (*model.GraphTemplate, error) {
	namespace = strings.TrimSpace(namespace)
	name = strings.TrimSpace(name)
	if namespace == "" || name == "" {
		return nil, apperr.Preconditionf("namespace and graph name must be non-empty")
	}

	policy := model.DefaultRetryPolicy()
	if up.RetryPolicy != nil {
		policy = *up.RetryPolicy
	}
	if !knownStrategies[policy.Strategy] {
		return nil, apperr.Preconditionf("unknown retry strategy %q", policy.Strategy)
	}
	if policy.MaxRetries < 0 || policy.BackoffFactorMS < 0 || policy.MaxDelayMS < 0 {
		return nil, apperr.Preconditionf("retry policy values must be non-negative")
	}

	sealed := make(map[string]string, len(up.Secrets))
	for secretName, plain := range up.Secrets {
		blob, err := e.env.Seal(plain)
		if err != nil {
			return nil, fmt.Errorf("seal secret %q: %w", secretName, err)
		}
		sealed[secretName] = blob
	}

	now := e.now()
	g := &model.GraphTemplate{
		Name:             name,
		Namespace:        namespace,
		Nodes:            up.Nodes,
		Secrets:          sealed,
		Store:            up.Store,
		RetryPolicy:      policy,
		ValidationStatus: model.ValidationPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.st.UpsertGraphTemplate(ctx, g); err != nil {
		return nil, fmt.Errorf("upsert template: %w", err)
	}
	return g, nil
}

// GetGraph loads a template with its current validation status.
func (e *Engine) GetGraph(ctx context.Context, namespace, name string) (*model.GraphTemplate, error) {
	g, err := e.st.GetGraphTemplate(ctx, namespace, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("graph %q not found in namespace %q", name, namespace)
		}
		return nil, err
	}
	return g, nil
}

// ListGraphs lists the namespace's templates.
func (e *Engine) ListGraphs(ctx context.Context, namespace string) ([]*model.GraphTemplate, error) {
	return e.st.ListGraphTemplates(ctx, namespace)
}

// RegisterNodes upserts a worker runtime's node kinds after checking that
// the declared schemas compile.
func (e *Engine) RegisterNodes(ctx context.Context, namespace string, nodes []*model.RegisteredNode) error {
	if len(nodes) == 0 {
		return apperr.Preconditionf("nodes must be non-empty")
	}
	now := e.now()
	for _, n := range nodes {
		n.Namespace = namespace
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			return apperr.Preconditionf("registered node name must be non-empty")
		}
		if err := validate.CompileSchema(n.InputsSchema); err != nil {
			return apperr.Preconditionf("node %q inputs schema: %v", n.Name, err)
		}
		if err := validate.CompileSchema(n.OutputsSchema); err != nil {
			return apperr.Preconditionf("node %q outputs schema: %v", n.Name, err)
		}
		n.CreatedAt = now
		n.UpdatedAt = now
	}
	return e.st.UpsertRegisteredNodes(ctx, nodes)
}

// ListNodes lists the namespace's registered node kinds.
func (e *Engine) ListNodes(ctx context.Context, namespace string) ([]*model.RegisteredNode, error) {
	return e.st.ListRegisteredNodes(ctx, namespace)
}
