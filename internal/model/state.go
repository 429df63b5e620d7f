package model

// Status is the lifecycle status of a State. Transitions between statuses
// are restricted to the edges the engine enforces.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusQueued           Status = "QUEUED"
	StatusExecuted         Status = "EXECUTED"
	StatusSuccess          Status = "SUCCESS"
	StatusErrored          Status = "ERRORED"
	StatusRetryCreated     Status = "RETRY_CREATED"
	StatusNextCreatedError Status = "NEXT_CREATED_ERROR"
	StatusCancelled        Status = "CANCELLED"
	StatusPruned           Status = "PRUNED"
)

// Terminal reports whether no further transition leaves this status.
// RETRY_CREATED is terminal for the attempt; the retry sibling carries on.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusRetryCreated, StatusNextCreatedError, StatusCancelled, StatusPruned:
		return true
	}
	return false
}

// ParentLink is one entry of a state's ordered parents map: the identifier
// of an ancestor node and the id of that ancestor's state in the same run.
type ParentLink struct {
	Identifier string `bson:"identifier" json:"identifier"`
	StateID    string `bson:"state_id" json:"state_id"`
}

// Parents is an ordered identifier -> state-id mapping. Order is insertion
// order along the path from the root; the most recently added link is last.
type Parents []ParentLink

// Get returns the state id recorded for identifier, if present.
func (p Parents) Get(identifier string) (string, bool) {
	for _, l := range p {
		if l.Identifier == identifier {
			return l.StateID, true
		}
	}
	return "", false
}

// With returns a copy of p with {identifier: stateID} appended.
func (p Parents) With(identifier, stateID string) Parents {
	out := make(Parents, 0, len(p)+1)
	out = append(out, p...)
	return append(out, ParentLink{Identifier: identifier, StateID: stateID})
}

// Last returns the most recently added link.
func (p Parents) Last() (ParentLink, bool) {
	if len(p) == 0 {
		return ParentLink{}, false
	}
	return p[len(p)-1], true
}

// State is one materialized node instance within a run.
type State struct {
	ID         string            `bson:"_id" json:"id"`
	RunID      string            `bson:"run_id" json:"run_id"`
	Namespace  string            `bson:"namespace" json:"namespace"`
	GraphName  string            `bson:"graph_name" json:"graph_name"`
	NodeName   string            `bson:"node_name" json:"node_name"`
	Identifier string            `bson:"identifier" json:"identifier"`
	Status     Status            `bson:"status" json:"status"`
	Inputs     map[string]string `bson:"inputs" json:"inputs"`
	Outputs    map[string]string `bson:"outputs,omitempty" json:"outputs,omitempty"`
	Error      string            `bson:"error,omitempty" json:"error,omitempty"`
	Data       map[string]any    `bson:"data,omitempty" json:"data,omitempty"`
	Parents    Parents           `bson:"parents" json:"parents"`
	DoesUnites bool              `bson:"does_unites" json:"does_unites"`
	EligibleAt int64             `bson:"eligible_at" json:"eligible_at"`
	Attempt    int               `bson:"attempt" json:"attempt"`

	// Fingerprint is set iff DoesUnites; the store enforces a unique
	// partial index over it so a fan-in state materializes at most once.
	Fingerprint string `bson:"fingerprint,omitempty" json:"fingerprint,omitempty"`

	// RetryKey is set on retry siblings to the id of the errored
	// predecessor state; a unique partial index over it collapses
	// concurrent retry creations into one.
	RetryKey string `bson:"retry_key,omitempty" json:"retry_key,omitempty"`

	CreatedAt int64 `bson:"created_at" json:"created_at"`
	UpdatedAt int64 `bson:"updated_at" json:"updated_at"`
}
