package server

import (
	"github.com/exospherehost/state-manager/internal/engine"
	"github.com/exospherehost/state-manager/internal/model"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type upsertGraphRequest struct {
	Nodes       []model.NodeTemplate `json:"nodes"`
	Secrets     map[string]string    `json:"secrets"`
	Store       model.StoreConfig    `json:"store_config"`
	RetryPolicy *model.RetryPolicy   `json:"retry_policy,omitempty"`
}

// graphResponse hides sealed secret blobs from template reads; only the
// secret names are reported.
type graphResponse struct {
	Name             string                 `json:"name"`
	Namespace        string                 `json:"namespace"`
	Nodes            []model.NodeTemplate   `json:"nodes"`
	SecretNames      []string               `json:"secret_names"`
	Store            model.StoreConfig      `json:"store_config"`
	RetryPolicy      model.RetryPolicy      `json:"retry_policy"`
	ValidationStatus model.ValidationStatus `json:"validation_status"`
	ValidationErrors []string               `json:"validation_errors,omitempty"`
	CreatedAt        int64                  `json:"created_at"`
	UpdatedAt        int64                  `json:"updated_at"`
}

type registerNodesRequest struct {
	RuntimeName string                  `json:"runtime_name"`
	Nodes       []*model.RegisteredNode `json:"nodes"`
}

type triggerRequest struct {
	Store  map[string]string `json:"store"`
	Inputs map[string]string `json:"inputs"`
}

type enqueueRequest struct {
	Nodes     []string `json:"nodes"`
	BatchSize int      `json:"batch_size"`
}

type enqueueResponse struct {
	Namespace string         `json:"namespace"`
	Count     int            `json:"count"`
	States    []*model.State `json:"states"`
}

type executedRequest struct {
	Outputs []map[string]string `json:"outputs"`
}

type erroredRequest struct {
	Error string `json:"error"`
}

type erroredResponse struct {
	Status       model.Status `json:"status"`
	RetryCreated bool         `json:"retry_created"`
}

type pruneRequest struct {
	Data map[string]any `json:"data"`
}

type reenqueueAfterRequest struct {
	EnqueueAfter int64 `json:"enqueue_after"`
}

type listRunsResponse struct {
	Total int64               `json:"total"`
	Page  int                 `json:"page"`
	Size  int                 `json:"size"`
	Runs  []engine.RunSummary `json:"runs"`
}
