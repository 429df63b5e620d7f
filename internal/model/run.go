package model

// Run records one end-to-end execution of a graph.
type Run struct {
	RunID     string `bson:"run_id" json:"run_id"`
	Namespace string `bson:"namespace" json:"namespace"`
	GraphName string `bson:"graph_name" json:"graph_name"`
	CreatedAt int64  `bson:"created_at" json:"created_at"`
}

// StoreEntry is one run-scoped key/value pair, immutable after creation.
type StoreEntry struct {
	RunID     string `bson:"run_id" json:"run_id"`
	Key       string `bson:"key" json:"key"`
	Value     string `bson:"value" json:"value"`
	Namespace string `bson:"namespace" json:"namespace"`
	GraphName string `bson:"graph_name" json:"graph_name"`
	CreatedAt int64  `bson:"created_at" json:"created_at"`
}
