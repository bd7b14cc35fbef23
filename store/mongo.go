package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/types"
)

// Collection names.
const (
	collExecutions = "executions"
	collProjects   = "projects"
	collAgents     = "agents"
	collTokenUsage = "token_usage"
)

// MongoConfig configures the MongoDB-backed Store.
type MongoConfig struct {
	URI      string        `yaml:"uri" json:"uri"`
	Database string        `yaml:"database" json:"database"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultMongoConfig returns the default Mongo configuration.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:      "mongodb://localhost:27017",
		Database: "execflow",
		Timeout:  10 * time.Second,
	}
}

// MongoStore implements Store on a MongoDB document database. Secondary
// indexes back the equality/range queries the engine issues.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB and ensures the secondary indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger.With(zap.String("component", "store")),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	logger.Info("mongo store initialized",
		zap.String("database", cfg.Database),
	)
	return s, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies the MongoDB connection, for readiness probes.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// ensureIndexes creates the secondary indexes the list queries rely on.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	execIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := s.db.Collection(collExecutions).Indexes().CreateMany(ctx, execIndexes); err != nil {
		return fmt.Errorf("create execution indexes: %w", err)
	}

	usageIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}}},
	}
	if _, err := s.db.Collection(collTokenUsage).Indexes().CreateMany(ctx, usageIndexes); err != nil {
		return fmt.Errorf("create token usage indexes: %w", err)
	}

	agentIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "project_id", Value: 1}}},
	}
	if _, err := s.db.Collection(collAgents).Indexes().CreateMany(ctx, agentIndexes); err != nil {
		return fmt.Errorf("create agent indexes: %w", err)
	}
	return nil
}

// =============================================================================
// Executions
// =============================================================================

func (s *MongoStore) InsertExecution(ctx context.Context, e *types.Execution) error {
	_, err := s.db.Collection(collExecutions).InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return types.ValidationError("execution %q already exists", e.ID)
	}
	if err != nil {
		return storeFailure("insert execution", err)
	}
	return nil
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var e types.Execution
	err := s.db.Collection(collExecutions).FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NotFoundError("execution", id)
	}
	if err != nil {
		return nil, storeFailure("get execution", err)
	}
	return &e, nil
}

func (s *MongoStore) UpdateExecution(ctx context.Context, e *types.Execution) error {
	res, err := s.db.Collection(collExecutions).ReplaceOne(ctx, bson.M{"_id": e.ID}, e)
	if err != nil {
		return storeFailure("update execution", err)
	}
	if res.MatchedCount == 0 {
		return types.NotFoundError("execution", e.ID)
	}
	return nil
}

func (s *MongoStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.Collection(collExecutions).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeFailure("delete execution", err)
	}
	if res.DeletedCount == 0 {
		return types.NotFoundError("execution", id)
	}
	return nil
}

func (s *MongoStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error) {
	filter := executionQuery(f)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(f.EffectiveLimit()))

	cur, err := s.db.Collection(collExecutions).Find(ctx, filter, opts)
	if err != nil {
		return nil, storeFailure("list executions", err)
	}
	defer cur.Close(ctx)

	var out []*types.Execution
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeFailure("decode executions", err)
	}
	return out, nil
}

func (s *MongoStore) CountExecutions(ctx context.Context, f ExecutionFilter) (int64, error) {
	n, err := s.db.Collection(collExecutions).CountDocuments(ctx, executionQuery(f))
	if err != nil {
		return 0, storeFailure("count executions", err)
	}
	return n, nil
}

func (s *MongoStore) MarkStatsPropagated(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Collection(collExecutions).UpdateOne(ctx,
		bson.M{"_id": id, "stats_propagated": false},
		bson.M{"$set": bson.M{"stats_propagated": true}},
	)
	if err != nil {
		return false, storeFailure("mark stats propagated", err)
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	// Distinguish "already propagated" from "no such execution".
	n, err := s.db.Collection(collExecutions).CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, storeFailure("mark stats propagated", err)
	}
	if n == 0 {
		return false, types.NotFoundError("execution", id)
	}
	return false, nil
}

// executionQuery translates an ExecutionFilter into a Mongo query that the
// secondary indexes can serve.
func executionQuery(f ExecutionFilter) bson.M {
	q := bson.M{}
	if f.ProjectID != "" {
		q["project_id"] = f.ProjectID
	}
	if f.AgentID != "" {
		q["agent_id"] = f.AgentID
	}
	if f.Status != "" {
		q["status"] = f.Status
	}
	created := bson.M{}
	if f.CreatedAfter != nil {
		created["$gte"] = *f.CreatedAfter
	}
	if f.CreatedBefore != nil {
		created["$lt"] = *f.CreatedBefore
	}
	if len(created) > 0 {
		q["created_at"] = created
	}
	if f.Cursor != nil {
		// Strictly older than the last-seen (created_at, _id) pair.
		q["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": f.Cursor.CreatedAt}},
			bson.M{"created_at": f.Cursor.CreatedAt, "_id": bson.M{"$lt": f.Cursor.ID}},
		}
	}
	return q
}

// =============================================================================
// Projects
// =============================================================================

func (s *MongoStore) InsertProject(ctx context.Context, p *types.Project) error {
	_, err := s.db.Collection(collProjects).InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return types.ValidationError("project %q already exists", p.ID)
	}
	if err != nil {
		return storeFailure("insert project", err)
	}
	return nil
}

func (s *MongoStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	err := s.db.Collection(collProjects).FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NotFoundError("project", id)
	}
	if err != nil {
		return nil, storeFailure("get project", err)
	}
	return &p, nil
}

func (s *MongoStore) UpdateProject(ctx context.Context, p *types.Project) error {
	res, err := s.db.Collection(collProjects).ReplaceOne(ctx, bson.M{"_id": p.ID}, p)
	if err != nil {
		return storeFailure("update project", err)
	}
	if res.MatchedCount == 0 {
		return types.NotFoundError("project", p.ID)
	}
	return nil
}

func (s *MongoStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.Collection(collProjects).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeFailure("delete project", err)
	}
	if res.DeletedCount == 0 {
		return types.NotFoundError("project", id)
	}
	return nil
}

func (s *MongoStore) ListProjects(ctx context.Context, f ProjectFilter) ([]*types.Project, error) {
	q := bson.M{}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.UpdatedBefore != nil {
		q["updated_at"] = bson.M{"$lt": *f.UpdatedBefore}
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := s.db.Collection(collProjects).Find(ctx, q, opts)
	if err != nil {
		return nil, storeFailure("list projects", err)
	}
	defer cur.Close(ctx)

	var out []*types.Project
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeFailure("decode projects", err)
	}
	return out, nil
}

// =============================================================================
// Agents
// =============================================================================

func (s *MongoStore) InsertAgent(ctx context.Context, a *types.Agent) error {
	_, err := s.db.Collection(collAgents).InsertOne(ctx, a)
	if mongo.IsDuplicateKeyError(err) {
		return types.ValidationError("agent %q already exists", a.ID)
	}
	if err != nil {
		return storeFailure("insert agent", err)
	}
	return nil
}

func (s *MongoStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	var a types.Agent
	err := s.db.Collection(collAgents).FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NotFoundError("agent", id)
	}
	if err != nil {
		return nil, storeFailure("get agent", err)
	}
	return &a, nil
}

func (s *MongoStore) UpdateAgent(ctx context.Context, a *types.Agent) error {
	res, err := s.db.Collection(collAgents).ReplaceOne(ctx, bson.M{"_id": a.ID}, a)
	if err != nil {
		return storeFailure("update agent", err)
	}
	if res.MatchedCount == 0 {
		return types.NotFoundError("agent", a.ID)
	}
	return nil
}

func (s *MongoStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.Collection(collAgents).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeFailure("delete agent", err)
	}
	if res.DeletedCount == 0 {
		return types.NotFoundError("agent", id)
	}
	return nil
}

// =============================================================================
// Token usage ledger
// =============================================================================

func (s *MongoStore) AppendUsage(ctx context.Context, u *types.TokenUsage) error {
	_, err := s.db.Collection(collTokenUsage).InsertOne(ctx, u)
	if err != nil {
		return storeFailure("append token usage", err)
	}
	return nil
}

func (s *MongoStore) ListUsage(ctx context.Context, f UsageFilter) ([]*types.TokenUsage, error) {
	q := bson.M{}
	if f.ProjectID != "" {
		q["project_id"] = f.ProjectID
	}
	if f.AgentID != "" {
		q["agent_id"] = f.AgentID
	}
	if f.ExecutionID != "" {
		q["execution_id"] = f.ExecutionID
	}
	ts := bson.M{}
	if f.After != nil {
		ts["$gte"] = *f.After
	}
	if f.Before != nil {
		ts["$lt"] = *f.Before
	}
	if len(ts) > 0 {
		q["timestamp"] = ts
	}

	cur, err := s.db.Collection(collTokenUsage).Find(ctx, q)
	if err != nil {
		return nil, storeFailure("list token usage", err)
	}
	defer cur.Close(ctx)

	var out []*types.TokenUsage
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeFailure("decode token usage", err)
	}
	return out, nil
}

func storeFailure(op string, err error) error {
	return types.NewError(types.ErrStoreFailure, op+" failed").WithCause(err).WithRetryable(true)
}
