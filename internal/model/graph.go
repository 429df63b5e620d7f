package model

// ValidationStatus tracks the asynchronous template validation lifecycle.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationOngoing ValidationStatus = "ONGOING"
	ValidationValid   ValidationStatus = "VALID"
	ValidationInvalid ValidationStatus = "INVALID"
)

// UnitesStrategy selects which peer statuses satisfy a fan-in barrier.
type UnitesStrategy string

const (
	UnitesAllSuccess UnitesStrategy = "ALL_SUCCESS"
	UnitesAllDone    UnitesStrategy = "ALL_DONE"
)

// Unites declares a fan-in barrier on an ancestor identifier.
type Unites struct {
	Identifier string         `bson:"identifier" json:"identifier"`
	Strategy   UnitesStrategy `bson:"strategy" json:"strategy"`
}

// ReservedStoreIdentifier may not be used as a node identifier; dependent
// strings use it to address the run-scoped store.
const ReservedStoreIdentifier = "store"

// NodeTemplate is a node's placement inside a GraphTemplate.
type NodeTemplate struct {
	NodeName   string            `bson:"node_name" json:"node_name"`
	Namespace  string            `bson:"namespace" json:"namespace"`
	Identifier string            `bson:"identifier" json:"identifier"`
	Inputs     map[string]string `bson:"inputs" json:"inputs"`
	NextNodes  []string          `bson:"next_nodes" json:"next_nodes"`
	Unites     *Unites           `bson:"unites,omitempty" json:"unites,omitempty"`
}

// StoreConfig declares the run-scoped store contract of a graph: keys the
// trigger caller must supply and per-graph default values.
type StoreConfig struct {
	RequiredKeys  []string          `bson:"required_keys" json:"required_keys"`
	DefaultValues map[string]string `bson:"default_values" json:"default_values"`
}

// Default returns the template default for key, if declared.
func (c StoreConfig) Default(key string) (string, bool) {
	v, ok := c.DefaultValues[key]
	return v, ok
}

// Declares reports whether key is a required key or has a default.
func (c StoreConfig) Declares(key string) bool {
	for _, k := range c.RequiredKeys {
		if k == key {
			return true
		}
	}
	_, ok := c.DefaultValues[key]
	return ok
}

// RetryStrategy names one of the nine delay strategies.
type RetryStrategy string

const (
	RetryExponential            RetryStrategy = "EXPONENTIAL"
	RetryExponentialFullJitter  RetryStrategy = "EXPONENTIAL_FULL_JITTER"
	RetryExponentialEqualJitter RetryStrategy = "EXPONENTIAL_EQUAL_JITTER"
	RetryLinear                 RetryStrategy = "LINEAR"
	RetryLinearFullJitter       RetryStrategy = "LINEAR_FULL_JITTER"
	RetryLinearEqualJitter      RetryStrategy = "LINEAR_EQUAL_JITTER"
	RetryFixed                  RetryStrategy = "FIXED"
	RetryFixedFullJitter        RetryStrategy = "FIXED_FULL_JITTER"
	RetryFixedEqualJitter       RetryStrategy = "FIXED_EQUAL_JITTER"
)

// RetryPolicy is the per-graph retry parameter block.
type RetryPolicy struct {
	MaxRetries      int           `bson:"max_retries" json:"max_retries"`
	Strategy        RetryStrategy `bson:"strategy" json:"strategy"`
	BackoffFactorMS int64         `bson:"backoff_factor_ms" json:"backoff_factor_ms"`
	Exponent        int           `bson:"exponent" json:"exponent"`
	MaxDelayMS      int64         `bson:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
}

// DefaultRetryPolicy applies when a template omits the block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      0,
		Strategy:        RetryExponential,
		BackoffFactorMS: 2000,
		Exponent:        2,
	}
}

// GraphTemplate is a declarative DAG template, keyed by (namespace, name).
type GraphTemplate struct {
	Name      string         `bson:"name" json:"name"`
	Namespace string         `bson:"namespace" json:"namespace"`
	Nodes     []NodeTemplate `bson:"nodes" json:"nodes"`

	// Secrets maps secret name -> sealed blob (base64url nonce||ct||tag).
	Secrets map[string]string `bson:"secrets" json:"secrets"`

	Store       StoreConfig `bson:"store_config" json:"store_config"`
	RetryPolicy RetryPolicy `bson:"retry_policy" json:"retry_policy"`

	ValidationStatus ValidationStatus `bson:"validation_status" json:"validation_status"`
	ValidationErrors []string         `bson:"validation_errors,omitempty" json:"validation_errors,omitempty"`

	CreatedAt int64 `bson:"created_at" json:"created_at"`
	UpdatedAt int64 `bson:"updated_at" json:"updated_at"`
}

// Node returns the NodeTemplate with the given identifier.
func (g *GraphTemplate) Node(identifier string) (*NodeTemplate, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Identifier == identifier {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Root returns the unique node with in-degree zero over next_nodes edges.
// Valid templates have exactly one; ok is false otherwise.
func (g *GraphTemplate) Root() (*NodeTemplate, bool) {
	indeg := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		indeg[g.Nodes[i].Identifier] = 0
	}
	for i := range g.Nodes {
		for _, next := range g.Nodes[i].NextNodes {
			if _, ok := indeg[next]; ok {
				indeg[next]++
			}
		}
	}
	var root *NodeTemplate
	for i := range g.Nodes {
		if indeg[g.Nodes[i].Identifier] == 0 {
			if root != nil {
				return nil, false
			}
			root = &g.Nodes[i]
		}
	}
	if root == nil {
		return nil, false
	}
	return root, true
}
