package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/exospherehost/state-manager/internal/model"
)

// Mongo implements Store over a MongoDB database.
type Mongo struct {
	client    *mongo.Client
	templates *mongo.Collection
	nodes     *mongo.Collection
	runs      *mongo.Collection
	entries   *mongo.Collection
	states    *mongo.Collection
}

// NewMongo connects to uri and binds the five collections in database.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := client.Database(database)
	return &Mongo{
		client:    client,
		templates: db.Collection("graph_templates"),
		nodes:     db.Collection("registered_nodes"),
		runs:      db.Collection("runs"),
		entries:   db.Collection("store_entries"),
		states:    db.Collection("states"),
	}, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the unique indexes the coordination model relies on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	nsName := mongo.IndexModel{
		Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := m.templates.Indexes().CreateOne(ctx, nsName); err != nil {
		return fmt.Errorf("graph_templates index: %w", err)
	}
	if _, err := m.nodes.Indexes().CreateOne(ctx, nsName); err != nil {
		return fmt.Errorf("registered_nodes index: %w", err)
	}
	if _, err := m.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("runs index: %w", err)
	}
	if _, err := m.entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("store_entries index: %w", err)
	}
	stateIndexes := []mongo.IndexModel{
		{
			// Guards retry races: at most one retry sibling per errored
			// predecessor.
			Keys: bson.D{{Key: "retry_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "retry_key", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{
			// Guards fan-in races: at most one materialization per barrier.
			Keys: bson.D{{Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "does_unites", Value: true}}),
		},
		{
			// Scheduler scan order.
			Keys: bson.D{
				{Key: "namespace", Value: 1}, {Key: "status", Value: 1},
				{Key: "node_name", Value: 1}, {Key: "eligible_at", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "run_id", Value: 1}},
		},
	}
	if _, err := m.states.Indexes().CreateMany(ctx, stateIndexes); err != nil {
		return fmt.Errorf("states indexes: %w", err)
	}
	return nil
}

func (m *Mongo) UpsertGraphTemplate(ctx context.Context, g *model.GraphTemplate) error {
	filter := bson.D{{Key: "namespace", Value: g.Namespace}, {Key: "name", Value: g.Name}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "nodes", Value: g.Nodes},
			{Key: "secrets", Value: g.Secrets},
			{Key: "store_config", Value: g.Store},
			{Key: "retry_policy", Value: g.RetryPolicy},
			{Key: "validation_status", Value: g.ValidationStatus},
			{Key: "validation_errors", Value: g.ValidationErrors},
			{Key: "updated_at", Value: g.UpdatedAt},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: g.CreatedAt}}},
	}
	_, err := m.templates.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return mapWriteErr(err)
}

func (m *Mongo) GetGraphTemplate(ctx context.Context, namespace, name string) (*model.GraphTemplate, error) {
	var g model.GraphTemplate
	err := m.templates.FindOne(ctx, bson.D{
		{Key: "namespace", Value: namespace}, {Key: "name", Value: name},
	}).Decode(&g)
	if err != nil {
		return nil, mapReadErr(err)
	}
	return &g, nil
}

func (m *Mongo) ListGraphTemplates(ctx context.Context, namespace string) ([]*model.GraphTemplate, error) {
	cur, err := m.templates.Find(ctx, bson.D{{Key: "namespace", Value: namespace}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*model.GraphTemplate
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) SetGraphValidation(ctx context.Context, namespace, name string, status model.ValidationStatus, errs []string) error {
	res, err := m.templates.UpdateOne(ctx,
		bson.D{{Key: "namespace", Value: namespace}, {Key: "name", Value: name}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "validation_status", Value: status},
			{Key: "validation_errors", Value: errs},
		}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) UpsertRegisteredNodes(ctx context.Context, nodes []*model.RegisteredNode) error {
	for _, n := range nodes {
		filter := bson.D{{Key: "namespace", Value: n.Namespace}, {Key: "name", Value: n.Name}}
		update := bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "inputs_schema", Value: n.InputsSchema},
				{Key: "outputs_schema", Value: n.OutputsSchema},
				{Key: "secrets", Value: n.Secrets},
				{Key: "runtime_name", Value: n.RuntimeName},
				{Key: "updated_at", Value: n.UpdatedAt},
			}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: n.CreatedAt}}},
		}
		if _, err := m.nodes.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return mapWriteErr(err)
		}
	}
	return nil
}

func (m *Mongo) GetRegisteredNode(ctx context.Context, namespace, name string) (*model.RegisteredNode, error) {
	var n model.RegisteredNode
	err := m.nodes.FindOne(ctx, bson.D{
		{Key: "namespace", Value: namespace}, {Key: "name", Value: name},
	}).Decode(&n)
	if err != nil {
		return nil, mapReadErr(err)
	}
	return &n, nil
}

func (m *Mongo) ListRegisteredNodes(ctx context.Context, namespace string) ([]*model.RegisteredNode, error) {
	cur, err := m.nodes.Find(ctx, bson.D{{Key: "namespace", Value: namespace}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*model.RegisteredNode
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) InsertRun(ctx context.Context, r *model.Run) error {
	_, err := m.runs.InsertOne(ctx, r)
	return mapWriteErr(err)
}

func (m *Mongo) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	if err := m.runs.FindOne(ctx, bson.D{{Key: "run_id", Value: runID}}).Decode(&r); err != nil {
		return nil, mapReadErr(err)
	}
	return &r, nil
}

func (m *Mongo) ListRuns(ctx context.Context, namespace string, page, size int) ([]*model.Run, int64, error) {
	filter := bson.D{{Key: "namespace", Value: namespace}}
	total, err := m.runs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	cur, err := m.runs.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "run_id", Value: -1}}).
		SetSkip(int64((page-1)*size)).
		SetLimit(int64(size)))
	if err != nil {
		return nil, 0, err
	}
	var out []*model.Run
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (m *Mongo) InsertStoreEntries(ctx context.Context, entries []*model.StoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}
	_, err := m.entries.InsertMany(ctx, docs)
	return mapWriteErr(err)
}

func (m *Mongo) GetStoreEntry(ctx context.Context, runID, key string) (*model.StoreEntry, error) {
	var e model.StoreEntry
	err := m.entries.FindOne(ctx, bson.D{
		{Key: "run_id", Value: runID}, {Key: "key", Value: key},
	}).Decode(&e)
	if err != nil {
		return nil, mapReadErr(err)
	}
	return &e, nil
}

func (m *Mongo) InsertState(ctx context.Context, s *model.State) error {
	_, err := m.states.InsertOne(ctx, s)
	return mapWriteErr(err)
}

func (m *Mongo) GetState(ctx context.Context, id string) (*model.State, error) {
	var s model.State
	if err := m.states.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&s); err != nil {
		return nil, mapReadErr(err)
	}
	return &s, nil
}

func (m *Mongo) UpdateStateStatus(ctx context.Context, id string, from []model.Status, to model.Status, patch StatePatch) (*model.State, error) {
	set := bson.D{{Key: "status", Value: to}}
	if patch.Outputs != nil {
		set = append(set, bson.E{Key: "outputs", Value: patch.Outputs})
	}
	if patch.Error != nil {
		set = append(set, bson.E{Key: "error", Value: *patch.Error})
	}
	if patch.Data != nil {
		set = append(set, bson.E{Key: "data", Value: patch.Data})
	}
	if patch.EligibleAt != nil {
		set = append(set, bson.E{Key: "eligible_at", Value: *patch.EligibleAt})
	}
	if patch.UpdatedAt != 0 {
		set = append(set, bson.E{Key: "updated_at", Value: patch.UpdatedAt})
	}
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$in", Value: from}}},
	}
	var updated model.State
	err := m.states.FindOneAndUpdate(ctx, filter, bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	// Distinguish a missing state from a failed precondition.
	n, cerr := m.states.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if cerr != nil {
		return nil, cerr
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return nil, ErrPrecondition
}

func (m *Mongo) LeaseNextState(ctx context.Context, namespace string, nodeNames []string, now int64) (*model.State, error) {
	filter := bson.D{
		{Key: "namespace", Value: namespace},
		{Key: "status", Value: model.StatusCreated},
		{Key: "node_name", Value: bson.D{{Key: "$in", Value: nodeNames}}},
		{Key: "eligible_at", Value: bson.D{{Key: "$lte", Value: now}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: model.StatusQueued},
		{Key: "updated_at", Value: now},
	}}}
	var leased model.State
	err := m.states.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "eligible_at", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)).Decode(&leased)
	if err != nil {
		return nil, mapReadErr(err)
	}
	return &leased, nil
}

func (m *Mongo) ListStatesByRun(ctx context.Context, runID string) ([]*model.State, error) {
	cur, err := m.states.Find(ctx, bson.D{{Key: "run_id", Value: runID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []*model.State
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) ListStatesByAncestor(ctx context.Context, runID, graphName, ancestorIdentifier, ancestorStateID string) ([]*model.State, error) {
	filter := bson.D{
		{Key: "run_id", Value: runID},
		{Key: "graph_name", Value: graphName},
		{Key: "parents", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "identifier", Value: ancestorIdentifier},
			{Key: "state_id", Value: ancestorStateID},
		}}}},
	}
	cur, err := m.states.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var out []*model.State
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapReadErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	return err
}
