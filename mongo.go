package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: workflows

{
    "_id": string (workflow ID),
    "workflow_type": string,
    "status": string,
    "tenant_id": string,
    "idempotency_key": string,
    "input_data": object,
    "output_data": object,
    "context": object,
    "error_message": string,
    "started_at": ISODate (optional),
    "completed_at": ISODate (optional),
    "created_at": ISODate,
    "updated_at": ISODate,
    "version": long
}

Collection: workflow_steps

{
    "_id": string (step ID),
    "workflow_id": string,
    "step_name": string,
    "step_order": int,
    "status": string,
    "version": long,
    ...
}

Indexes:
db.workflows.createIndex({ "status": 1 })
db.workflows.createIndex({ "tenant_id": 1 })
db.workflows.createIndex({ "idempotency_key": 1 })
db.workflows.createIndex({ "created_at": -1, "_id": -1 })
db.workflows.createIndex({ "status": 1, "updated_at": 1 })
db.workflow_steps.createIndex({ "workflow_id": 1, "step_order": 1 }, { unique: true })
*/

// mongoWorkflow is the workflow document shape
type mongoWorkflow struct {
	ID                      string         `bson:"_id"`
	Type                    Type           `bson:"workflow_type"`
	Status                  Status         `bson:"status"`
	TenantID                string         `bson:"tenant_id"`
	InitiatorID             string         `bson:"initiator_id"`
	InitiatorType           string         `bson:"initiator_type"`
	IdempotencyKey          string         `bson:"idempotency_key"`
	Input                   map[string]any `bson:"input_data"`
	Output                  map[string]any `bson:"output_data"`
	Context                 map[string]any `bson:"context"`
	Error                   string         `bson:"error_message"`
	ErrorDetails            map[string]any `bson:"error_details"`
	RetryCount              int            `bson:"retry_count"`
	MaxRetries              int            `bson:"max_retries"`
	StartedAt               *time.Time     `bson:"started_at"`
	CompletedAt             *time.Time     `bson:"completed_at"`
	FailedAt                *time.Time     `bson:"failed_at"`
	CompensationStartedAt   *time.Time     `bson:"compensation_started_at"`
	CompensationCompletedAt *time.Time     `bson:"compensation_completed_at"`
	CompensationError       string         `bson:"compensation_error"`
	CreatedAt               time.Time      `bson:"created_at"`
	UpdatedAt               time.Time      `bson:"updated_at"`
	Version                 int64          `bson:"version"`
}

func fromWorkflow(wf *Workflow) *mongoWorkflow {
	return &mongoWorkflow{
		ID:                      wf.ID,
		Type:                    wf.Type,
		Status:                  wf.Status,
		TenantID:                wf.TenantID,
		InitiatorID:             wf.InitiatorID,
		InitiatorType:           wf.InitiatorType,
		IdempotencyKey:          wf.IdempotencyKey,
		Input:                   wf.Input,
		Output:                  wf.Output,
		Context:                 wf.Context,
		Error:                   wf.Error,
		ErrorDetails:            wf.ErrorDetails,
		RetryCount:              wf.RetryCount,
		MaxRetries:              wf.MaxRetries,
		StartedAt:               wf.StartedAt,
		CompletedAt:             wf.CompletedAt,
		FailedAt:                wf.FailedAt,
		CompensationStartedAt:   wf.CompensationStartedAt,
		CompensationCompletedAt: wf.CompensationCompletedAt,
		CompensationError:       wf.CompensationError,
		CreatedAt:               wf.CreatedAt,
		UpdatedAt:               wf.UpdatedAt,
		Version:                 wf.Version,
	}
}

func (m *mongoWorkflow) toWorkflow() *Workflow {
	return &Workflow{
		ID:                      m.ID,
		Type:                    m.Type,
		Status:                  m.Status,
		TenantID:                m.TenantID,
		InitiatorID:             m.InitiatorID,
		InitiatorType:           m.InitiatorType,
		IdempotencyKey:          m.IdempotencyKey,
		Input:                   m.Input,
		Output:                  m.Output,
		Context:                 m.Context,
		Error:                   m.Error,
		ErrorDetails:            m.ErrorDetails,
		RetryCount:              m.RetryCount,
		MaxRetries:              m.MaxRetries,
		StartedAt:               m.StartedAt,
		CompletedAt:             m.CompletedAt,
		FailedAt:                m.FailedAt,
		CompensationStartedAt:   m.CompensationStartedAt,
		CompensationCompletedAt: m.CompensationCompletedAt,
		CompensationError:       m.CompensationError,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
		Version:                 m.Version,
	}
}

// mongoStep is the step document shape
type mongoStep struct {
	ID                      string         `bson:"_id"`
	WorkflowID              string         `bson:"workflow_id"`
	Name                    string         `bson:"step_name"`
	Type                    string         `bson:"step_type"`
	Order                   int            `bson:"step_order"`
	TargetSystem            string         `bson:"target_system"`
	Status                  StepStatus     `bson:"status"`
	Input                   map[string]any `bson:"input_data"`
	Output                  map[string]any `bson:"output_data"`
	CompensationData        map[string]any `bson:"compensation_data"`
	CompensationHandler     string         `bson:"compensation_handler"`
	RetryCount              int            `bson:"retry_count"`
	MaxRetries              int            `bson:"max_retries"`
	IdempotencyKey          string         `bson:"idempotency_key"`
	Error                   string         `bson:"error_message"`
	ErrorDetails            map[string]any `bson:"error_details"`
	StartedAt               *time.Time     `bson:"started_at"`
	CompletedAt             *time.Time     `bson:"completed_at"`
	FailedAt                *time.Time     `bson:"failed_at"`
	CompensationStartedAt   *time.Time     `bson:"compensation_started_at"`
	CompensationCompletedAt *time.Time     `bson:"compensation_completed_at"`
	CreatedAt               time.Time      `bson:"created_at"`
	UpdatedAt               time.Time      `bson:"updated_at"`
	Version                 int64          `bson:"version"`
}

func fromStep(step *Step) *mongoStep {
	return &mongoStep{
		ID:                      step.ID,
		WorkflowID:              step.WorkflowID,
		Name:                    step.Name,
		Type:                    step.Type,
		Order:                   step.Order,
		TargetSystem:            step.TargetSystem,
		Status:                  step.Status,
		Input:                   step.Input,
		Output:                  step.Output,
		CompensationData:        step.CompensationData,
		CompensationHandler:     step.CompensationHandler,
		RetryCount:              step.RetryCount,
		MaxRetries:              step.MaxRetries,
		IdempotencyKey:          step.IdempotencyKey,
		Error:                   step.Error,
		ErrorDetails:            step.ErrorDetails,
		StartedAt:               step.StartedAt,
		CompletedAt:             step.CompletedAt,
		FailedAt:                step.FailedAt,
		CompensationStartedAt:   step.CompensationStartedAt,
		CompensationCompletedAt: step.CompensationCompletedAt,
		CreatedAt:               step.CreatedAt,
		UpdatedAt:               step.UpdatedAt,
		Version:                 step.Version,
	}
}

func (m *mongoStep) toStep() *Step {
	return &Step{
		ID:                      m.ID,
		WorkflowID:              m.WorkflowID,
		Name:                    m.Name,
		Type:                    m.Type,
		Order:                   m.Order,
		TargetSystem:            m.TargetSystem,
		Status:                  m.Status,
		Input:                   m.Input,
		Output:                  m.Output,
		CompensationData:        m.CompensationData,
		CompensationHandler:     m.CompensationHandler,
		RetryCount:              m.RetryCount,
		MaxRetries:              m.MaxRetries,
		IdempotencyKey:          m.IdempotencyKey,
		Error:                   m.Error,
		ErrorDetails:            m.ErrorDetails,
		StartedAt:               m.StartedAt,
		CompletedAt:             m.CompletedAt,
		FailedAt:                m.FailedAt,
		CompensationStartedAt:   m.CompensationStartedAt,
		CompensationCompletedAt: m.CompensationCompletedAt,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
		Version:                 m.Version,
	}
}

// MongoStore persists workflows in MongoDB. Steps live in a second
// collection keyed by workflow_id; a failed step insert removes the
// parent document so callers never observe a half-created workflow.
type MongoStore struct {
	workflows *mongo.Collection
	steps     *mongo.Collection
	logger    *slog.Logger
}

// NewMongoStore creates a MongoDB-backed store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		workflows: db.Collection("workflows"),
		steps:     db.Collection("workflow_steps"),
		logger:    slog.Default().With("component", "workflow.mongodb"),
	}
}

// WithCollections sets custom collection names
func (s *MongoStore) WithCollections(workflows, steps string) *MongoStore {
	db := s.workflows.Database()
	s.workflows = db.Collection(workflows)
	s.steps = db.Collection(steps)
	return s
}

// WithLogger sets a custom logger
func (s *MongoStore) WithLogger(l *slog.Logger) *MongoStore {
	s.logger = l
	return s
}

// Indexes returns the required indexes for the workflows collection
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
		{Keys: bson.D{{Key: "idempotency_key", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
	}
}

// StepIndexes returns the required indexes for the steps collection
func (s *MongoStore) StepIndexes() []mongo.IndexModel {
	unique := true
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "step_order", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		},
	}
}

// EnsureIndexes creates the required indexes on both collections
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.workflows.Indexes().CreateMany(ctx, s.Indexes()); err != nil {
		return fmt.Errorf("workflow indexes: %w", err)
	}
	if _, err := s.steps.Indexes().CreateMany(ctx, s.StepIndexes()); err != nil {
		return fmt.Errorf("step indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error {
	now := time.Now().UTC()
	stamp(&wf.CreatedAt, now)
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}

	if _, err := s.workflows.InsertOne(ctx, fromWorkflow(wf)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, wf.ID)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}

	if len(steps) > 0 {
		docs := make([]any, 0, len(steps))
		for _, step := range steps {
			stamp(&step.CreatedAt, now)
			step.UpdatedAt = now
			if step.Version == 0 {
				step.Version = 1
			}
			docs = append(docs, fromStep(step))
		}
		if _, err := s.steps.InsertMany(ctx, docs); err != nil {
			s.rollbackCreate(ctx, wf.ID)
			return fmt.Errorf("insert steps: %w", err)
		}
	}

	s.logger.Debug("created workflow", "workflow_id", wf.ID, "workflow_type", wf.Type, "steps", len(steps))
	return nil
}

// rollbackCreate removes a partially created workflow
func (s *MongoStore) rollbackCreate(ctx context.Context, workflowID string) {
	if _, err := s.steps.DeleteMany(ctx, bson.M{"workflow_id": workflowID}); err != nil {
		s.logger.Error("failed to clean up steps after create failure", "workflow_id", workflowID, "error", err)
	}
	if _, err := s.workflows.DeleteOne(ctx, bson.M{"_id": workflowID}); err != nil {
		s.logger.Error("failed to clean up workflow after create failure", "workflow_id", workflowID, "error", err)
	}
}

func (s *MongoStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var doc mongoWorkflow
	err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find workflow: %w", err)
	}
	return doc.toWorkflow(), nil
}

func (s *MongoStore) GetSteps(ctx context.Context, workflowID string) ([]*Step, error) {
	opts := options.Find().SetSort(bson.D{{Key: "step_order", Value: 1}})
	cursor, err := s.steps.Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find steps: %w", err)
	}
	defer cursor.Close(ctx)

	var steps []*Step
	for cursor.Next(ctx) {
		var doc mongoStep
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, doc.toStep())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	if len(steps) == 0 {
		n, err := s.workflows.CountDocuments(ctx, bson.M{"_id": workflowID})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
	}
	return steps, nil
}

func (s *MongoStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"status":        wf.Status,
			"input_data":    wf.Input,
			"output_data":   wf.Output,
			"context":       wf.Context,
			"error_message": wf.Error,
			"error_details": wf.ErrorDetails,
			"retry_count":   wf.RetryCount,
			"max_retries":   wf.MaxRetries,
			"started_at":    wf.StartedAt,
			"completed_at":  wf.CompletedAt,
			"failed_at":     wf.FailedAt,
			"compensation_started_at":   wf.CompensationStartedAt,
			"compensation_completed_at": wf.CompensationCompletedAt,
			"compensation_error":        wf.CompensationError,
			"updated_at":                now,
		},
		"$inc": bson.M{"version": 1},
	}

	res, err := s.workflows.UpdateOne(ctx, bson.M{"_id": wf.ID, "version": wf.Version}, update)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.workflowConflict(ctx, wf.ID, wf.Version)
	}
	wf.Version++
	wf.UpdatedAt = now
	return nil
}

func (s *MongoStore) UpdateStep(ctx context.Context, step *Step) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"status":            step.Status,
			"input_data":        step.Input,
			"output_data":       step.Output,
			"compensation_data": step.CompensationData,
			"retry_count":       step.RetryCount,
			"error_message":     step.Error,
			"error_details":     step.ErrorDetails,
			"started_at":        step.StartedAt,
			"completed_at":      step.CompletedAt,
			"failed_at":         step.FailedAt,
			"compensation_started_at":   step.CompensationStartedAt,
			"compensation_completed_at": step.CompensationCompletedAt,
			"updated_at":                now,
		},
		"$inc": bson.M{"version": 1},
	}

	res, err := s.steps.UpdateOne(ctx, bson.M{"_id": step.ID, "version": step.Version}, update)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.stepConflict(ctx, step.ID, step.Version)
	}
	step.Version++
	step.UpdatedAt = now
	return nil
}

func (s *MongoStore) workflowConflict(ctx context.Context, id string, expected int64) error {
	var doc struct {
		Version int64 `bson:"version"`
	}
	err := s.workflows.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"version": 1})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("find version: %w", err)
	}
	return NewVersionConflictError(id, expected, doc.Version)
}

func (s *MongoStore) stepConflict(ctx context.Context, id string, expected int64) error {
	var doc struct {
		Version int64 `bson:"version"`
	}
	err := s.steps.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"version": 1})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("find version: %w", err)
	}
	return NewVersionConflictError(id, expected, doc.Version)
}

func (s *MongoStore) FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	var doc mongoWorkflow
	err := s.workflows.FindOne(ctx, bson.M{"idempotency_key": key}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("find workflow: %w", err)
	}
	return doc.toWorkflow(), nil
}

func (s *MongoStore) ListIncomplete(ctx context.Context, cutoff time.Time) ([]*Workflow, error) {
	filter := bson.M{"status": bson.M{"$in": incompleteStatuses}}
	if !cutoff.IsZero() {
		filter["updated_at"] = bson.M{"$lt": cutoff}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})

	cursor, err := s.workflows.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find incomplete: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Workflow
	for cursor.Next(ctx) {
		var doc mongoWorkflow
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, doc.toWorkflow())
	}
	return out, cursor.Err()
}

func (s *MongoStore) List(ctx context.Context, filter Filter, page Page) ([]*Workflow, string, error) {
	mongoFilter := bson.M{}
	if filter.Type != "" {
		mongoFilter["workflow_type"] = filter.Type
	}
	if filter.Status != "" {
		mongoFilter["status"] = filter.Status
	}
	if filter.TenantID != "" {
		mongoFilter["tenant_id"] = filter.TenantID
	}
	created := bson.M{}
	if !filter.CreatedAfter.IsZero() {
		created["$gt"] = filter.CreatedAfter
	}
	if !filter.CreatedBefore.IsZero() {
		created["$lt"] = filter.CreatedBefore
	}
	if len(created) > 0 {
		mongoFilter["created_at"] = created
	}
	if page.Cursor != "" {
		at, id, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		t := time.Unix(0, at).UTC()
		mongoFilter["$or"] = []bson.M{
			{"created_at": bson.M{"$lt": t}},
			{"created_at": t, "_id": bson.M{"$lt": id}},
		}
	}

	size := page.size()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(size + 1))

	cursor, err := s.workflows.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, "", fmt.Errorf("find workflows: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Workflow
	for cursor.Next(ctx) {
		var doc mongoWorkflow
		if err := cursor.Decode(&doc); err != nil {
			return nil, "", fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, doc.toWorkflow())
	}
	if err := cursor.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > size {
		out = out[:size]
		last := out[len(out)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

func (s *MongoStore) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	st := &Stats{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[Type]int64),
	}

	match := bson.M{}
	if tenantID != "" {
		match["tenant_id"] = tenantID
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{"status": "$status", "type": "$workflow_type"},
			"n":   bson.M{"$sum": 1},
		}}},
	}
	cursor, err := s.workflows.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Status Status `bson:"status"`
				Type   Type   `bson:"type"`
			} `bson:"_id"`
			N int64 `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
		st.Total += row.N
		st.ByStatus[row.ID.Status] += row.N
		st.ByType[row.ID.Type] += row.N
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	avgMatch := bson.M{
		"status":       StatusCompleted,
		"started_at":   bson.M{"$ne": nil},
		"completed_at": bson.M{"$ne": nil},
	}
	if tenantID != "" {
		avgMatch["tenant_id"] = tenantID
	}
	avgPipeline := mongo.Pipeline{
		{{Key: "$match", Value: avgMatch}},
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"avg": bson.M{"$avg": bson.M{"$subtract": []string{"$completed_at", "$started_at"}}},
		}}},
	}
	avgCursor, err := s.workflows.Aggregate(ctx, avgPipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate duration: %w", err)
	}
	defer avgCursor.Close(ctx)
	if avgCursor.Next(ctx) {
		var row struct {
			Avg float64 `bson:"avg"`
		}
		if err := avgCursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode duration: %w", err)
		}
		// $subtract on dates yields milliseconds
		st.AvgDuration = time.Duration(row.Avg * float64(time.Millisecond))
	}
	return st, avgCursor.Err()
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
