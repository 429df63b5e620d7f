// Package store is the logical persistence port: five document collections
// (states, runs, graph_templates, registered_nodes, store_entries) with
// atomic find-and-update and unique-index-backed inserts. Two
// implementations exist: Mongo for production and an in-memory store with
// identical index semantics for tests.
package store

import (
	"context"
	"errors"

	"github.com/exospherehost/state-manager/internal/model"
)

var (
	// ErrNotFound reports a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateKey reports a unique-index collision on insert.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrPrecondition reports a find-and-update whose document exists but
	// fails the status precondition.
	ErrPrecondition = errors.New("status precondition failed")
)

// IsDuplicateKey reports whether err is a unique-index collision.
func IsDuplicateKey(err error) bool { return errors.Is(err, ErrDuplicateKey) }

// StatePatch carries the optional fields a status transition writes along
// with the new status. Nil fields are left untouched.
type StatePatch struct {
	Outputs    map[string]string
	Error      *string
	Data       map[string]any
	EligibleAt *int64
	UpdatedAt  int64
}

// Store is the persistence contract. All writes that coordinate concurrent
// handlers are single atomic document operations.
type Store interface {
	Ping(ctx context.Context) error

	// Graph templates, keyed (namespace, name) unique.
	UpsertGraphTemplate(ctx context.Context, g *model.GraphTemplate) error
	GetGraphTemplate(ctx context.Context, namespace, name string) (*model.GraphTemplate, error)
	ListGraphTemplates(ctx context.Context, namespace string) ([]*model.GraphTemplate, error)
	SetGraphValidation(ctx context.Context, namespace, name string, status model.ValidationStatus, errs []string) error

	// Registered nodes, keyed (namespace, name) unique.
	UpsertRegisteredNodes(ctx context.Context, nodes []*model.RegisteredNode) error
	GetRegisteredNode(ctx context.Context, namespace, name string) (*model.RegisteredNode, error)
	ListRegisteredNodes(ctx context.Context, namespace string) ([]*model.RegisteredNode, error)

	// Runs, keyed run_id unique.
	InsertRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, namespace string, page, size int) ([]*model.Run, int64, error)

	// Store entries, keyed (run_id, key) unique, immutable.
	InsertStoreEntries(ctx context.Context, entries []*model.StoreEntry) error
	GetStoreEntry(ctx context.Context, runID, key string) (*model.StoreEntry, error)

	// States. InsertState returns ErrDuplicateKey on the retry_key partial
	// index (retry siblings only) and on the fingerprint partial index
	// (does_unites only).
	InsertState(ctx context.Context, s *model.State) error
	GetState(ctx context.Context, id string) (*model.State, error)

	// UpdateStateStatus atomically moves a state to status `to` iff its
	// current status is in `from`, applying the patch in the same write.
	UpdateStateStatus(ctx context.Context, id string, from []model.Status, to model.Status, patch StatePatch) (*model.State, error)

	// LeaseNextState atomically selects the FIFO-first CREATED state in the
	// namespace with node_name in nodeNames and eligible_at <= now, marks it
	// QUEUED and returns it. ErrNotFound when nothing is eligible.
	LeaseNextState(ctx context.Context, namespace string, nodeNames []string, now int64) (*model.State, error)

	ListStatesByRun(ctx context.Context, runID string) ([]*model.State, error)

	// ListStatesByAncestor returns every state of the run whose parents map
	// contains {ancestorIdentifier: ancestorStateID}; the fan-in barrier scan.
	ListStatesByAncestor(ctx context.Context, runID, graphName, ancestorIdentifier, ancestorStateID string) ([]*model.State, error)
}
