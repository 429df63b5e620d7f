package model

// RegisteredNode is a worker runtime's declaration of a node kind it can
// execute, keyed by (namespace, name).
type RegisteredNode struct {
	Name      string `bson:"name" json:"name"`
	Namespace string `bson:"namespace" json:"namespace"`

	// InputsSchema and OutputsSchema are JSON Schema documents. Only the
	// top-level properties participate in template validation; values stay
	// opaque at runtime.
	InputsSchema  map[string]any `bson:"inputs_schema" json:"inputs_schema"`
	OutputsSchema map[string]any `bson:"outputs_schema" json:"outputs_schema"`

	// Secrets lists secret names every graph using this node must seal.
	Secrets []string `bson:"secrets,omitempty" json:"secrets,omitempty"`

	RuntimeName string `bson:"runtime_name,omitempty" json:"runtime_name,omitempty"`

	CreatedAt int64 `bson:"created_at" json:"created_at"`
	UpdatedAt int64 `bson:"updated_at" json:"updated_at"`
}

// SchemaFields returns the set of top-level property names of a JSON
// Schema document.
func SchemaFields(schema map[string]any) map[string]bool {
	fields := map[string]bool{}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return fields
	}
	for k := range props {
		fields[k] = true
	}
	return fields
}
