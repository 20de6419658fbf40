package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

/*
PostgreSQL Schema:

CREATE TABLE workflows (
    id              VARCHAR(36) PRIMARY KEY,
    workflow_type   VARCHAR(64) NOT NULL,
    status          VARCHAR(32) NOT NULL,
    tenant_id       VARCHAR(64) NOT NULL DEFAULT '',
    initiator_id    VARCHAR(64) NOT NULL DEFAULT '',
    initiator_type  VARCHAR(32) NOT NULL DEFAULT '',
    idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
    input_data      JSONB,
    output_data     JSONB,
    context         JSONB,
    error_message   TEXT NOT NULL DEFAULT '',
    error_details   JSONB,
    retry_count     INT NOT NULL DEFAULT 0,
    max_retries     INT NOT NULL DEFAULT 3,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    failed_at       TIMESTAMPTZ,
    compensation_started_at   TIMESTAMPTZ,
    compensation_completed_at TIMESTAMPTZ,
    compensation_error TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    version         BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX idx_workflows_status      ON workflows(status);
CREATE INDEX idx_workflows_tenant      ON workflows(tenant_id);
CREATE INDEX idx_workflows_idem_key    ON workflows(idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX idx_workflows_created     ON workflows(created_at DESC, id DESC);
CREATE INDEX idx_workflows_incomplete  ON workflows(updated_at) WHERE status IN ('pending', 'running', 'rolling_back');

CREATE TABLE workflow_steps (
    id                   VARCHAR(36) PRIMARY KEY,
    workflow_id          VARCHAR(36) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    step_name            VARCHAR(128) NOT NULL,
    step_type            VARCHAR(64) NOT NULL DEFAULT '',
    step_order           INT NOT NULL,
    target_system        VARCHAR(64) NOT NULL DEFAULT '',
    status               VARCHAR(32) NOT NULL,
    input_data           JSONB,
    output_data          JSONB,
    compensation_data    JSONB,
    compensation_handler VARCHAR(128) NOT NULL DEFAULT '',
    retry_count          INT NOT NULL DEFAULT 0,
    max_retries          INT NOT NULL DEFAULT 3,
    idempotency_key      VARCHAR(255) NOT NULL,
    error_message        TEXT NOT NULL DEFAULT '',
    error_details        JSONB,
    started_at           TIMESTAMPTZ,
    completed_at         TIMESTAMPTZ,
    failed_at            TIMESTAMPTZ,
    compensation_started_at   TIMESTAMPTZ,
    compensation_completed_at TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL,
    version              BIGINT NOT NULL DEFAULT 1,
    UNIQUE (workflow_id, step_order)
);

CREATE INDEX idx_workflow_steps_workflow ON workflow_steps(workflow_id, step_order);
*/

const workflowColumns = `id, workflow_type, status, tenant_id, initiator_id, initiator_type,
	idempotency_key, input_data, output_data, context, error_message, error_details,
	retry_count, max_retries, started_at, completed_at, failed_at,
	compensation_started_at, compensation_completed_at, compensation_error,
	created_at, updated_at, version`

const stepColumns = `id, workflow_id, step_name, step_type, step_order, target_system, status,
	input_data, output_data, compensation_data, compensation_handler,
	retry_count, max_retries, idempotency_key, error_message, error_details,
	started_at, completed_at, failed_at, compensation_started_at, compensation_completed_at,
	created_at, updated_at, version`

var incompleteStatuses = []Status{StatusPending, StatusRunning, StatusRollingBack}

// PostgresStore persists workflows in PostgreSQL. Compare-and-swap
// updates ride on `WHERE version = $n`; every write bumps the version.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open database handle. The
// schema is documented above; CreateTables installs it.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "workflow.postgres"),
	}
}

// WithLogger sets a custom logger
func (s *PostgresStore) WithLogger(l *slog.Logger) *PostgresStore {
	s.logger = l
	return s
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error {
	now := time.Now().UTC()
	stamp(&wf.CreatedAt, now)
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, wf.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check id: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, wf.ID)
	}

	input, err := marshalMap(wf.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(wf.Output)
	if err != nil {
		return err
	}
	wfctx, err := marshalMap(wf.Context)
	if err != nil {
		return err
	}
	details, err := marshalMap(wf.ErrorDetails)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		wf.ID, wf.Type, wf.Status, wf.TenantID, wf.InitiatorID, wf.InitiatorType,
		wf.IdempotencyKey, input, output, wfctx, wf.Error, details,
		wf.RetryCount, wf.MaxRetries, wf.StartedAt, wf.CompletedAt, wf.FailedAt,
		wf.CompensationStartedAt, wf.CompensationCompletedAt, wf.CompensationError,
		wf.CreatedAt, wf.UpdatedAt, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, step := range steps {
		stamp(&step.CreatedAt, now)
		step.UpdatedAt = now
		if step.Version == 0 {
			step.Version = 1
		}
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("created workflow", "workflow_id", wf.ID, "workflow_type", wf.Type, "steps", len(steps))
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, step *Step) error {
	input, err := marshalMap(step.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(step.Output)
	if err != nil {
		return err
	}
	compData, err := marshalMap(step.CompensationData)
	if err != nil {
		return err
	}
	details, err := marshalMap(step.ErrorDetails)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		step.ID, step.WorkflowID, step.Name, step.Type, step.Order, step.TargetSystem, step.Status,
		input, output, compData, step.CompensationHandler,
		step.RetryCount, step.MaxRetries, step.IdempotencyKey, step.Error, details,
		step.StartedAt, step.CompletedAt, step.FailedAt,
		step.CompensationStartedAt, step.CompensationCompletedAt,
		step.CreatedAt, step.UpdatedAt, step.Version,
	)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", step.Name, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) GetSteps(ctx context.Context, workflowID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order ASC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(steps) == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, workflowID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
	}
	return steps, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	input, err := marshalMap(wf.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(wf.Output)
	if err != nil {
		return err
	}
	wfctx, err := marshalMap(wf.Context)
	if err != nil {
		return err
	}
	details, err := marshalMap(wf.ErrorDetails)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			status = $1, input_data = $2, output_data = $3, context = $4,
			error_message = $5, error_details = $6, retry_count = $7, max_retries = $8,
			started_at = $9, completed_at = $10, failed_at = $11,
			compensation_started_at = $12, compensation_completed_at = $13, compensation_error = $14,
			updated_at = $15, version = version + 1
		WHERE id = $16 AND version = $17`,
		wf.Status, input, output, wfctx,
		wf.Error, details, wf.RetryCount, wf.MaxRetries,
		wf.StartedAt, wf.CompletedAt, wf.FailedAt,
		wf.CompensationStartedAt, wf.CompensationCompletedAt, wf.CompensationError,
		now, wf.ID, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.versionConflict(ctx, "workflows", wf.ID, wf.Version)
	}
	wf.Version++
	wf.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, step *Step) error {
	input, err := marshalMap(step.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(step.Output)
	if err != nil {
		return err
	}
	compData, err := marshalMap(step.CompensationData)
	if err != nil {
		return err
	}
	details, err := marshalMap(step.ErrorDetails)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps SET
			status = $1, input_data = $2, output_data = $3, compensation_data = $4,
			retry_count = $5, error_message = $6, error_details = $7,
			started_at = $8, completed_at = $9, failed_at = $10,
			compensation_started_at = $11, compensation_completed_at = $12,
			updated_at = $13, version = version + 1
		WHERE id = $14 AND version = $15`,
		step.Status, input, output, compData,
		step.RetryCount, step.Error, details,
		step.StartedAt, step.CompletedAt, step.FailedAt,
		step.CompensationStartedAt, step.CompensationCompletedAt,
		now, step.ID, step.Version,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.versionConflict(ctx, "workflow_steps", step.ID, step.Version)
	}
	step.Version++
	step.UpdatedAt = now
	return nil
}

// versionConflict tells a missing row apart from a stale version.
func (s *PostgresStore) versionConflict(ctx context.Context, table, id string, expected int64) error {
	var actual int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT version FROM %s WHERE id = $1", table), id).Scan(&actual)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("query version: %w", err)
	}
	return NewVersionConflictError(id, expected, actual)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE idempotency_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, key)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListIncomplete(ctx context.Context, cutoff time.Time) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE status IN ($1, $2, $3)`
	args := []any{incompleteStatuses[0], incompleteStatuses[1], incompleteStatuses[2]}
	if !cutoff.IsZero() {
		query += ` AND updated_at < $4`
		args = append(args, cutoff)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incomplete: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, page Page) ([]*Workflow, string, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	argIndex := 1

	add := func(cond string, val any) {
		query += fmt.Sprintf(" AND "+cond, argIndex)
		args = append(args, val)
		argIndex++
	}
	if filter.Type != "" {
		add("workflow_type = $%d", filter.Type)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at > $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < $%d", filter.CreatedBefore)
	}
	if page.Cursor != "" {
		at, id, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIndex, argIndex+1)
		args = append(args, time.Unix(0, at).UTC(), id)
		argIndex += 2
	}

	size := page.size()
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, size+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
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

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	st := &Stats{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[Type]int64),
	}

	query := `SELECT status, workflow_type, COUNT(*) FROM workflows`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status, workflow_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var typ Type
		var n int64
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += n
		st.ByStatus[status] += n
		st.ByType[typ] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	avgQuery := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM workflows
		WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	avgArgs := []any{StatusCompleted}
	if tenantID != "" {
		avgQuery += ` AND tenant_id = $2`
		avgArgs = append(avgArgs, tenantID)
	}
	var seconds float64
	if err := s.db.QueryRowContext(ctx, avgQuery, avgArgs...).Scan(&seconds); err != nil {
		return nil, fmt.Errorf("query avg duration: %w", err)
	}
	st.AvgDuration = time.Duration(seconds * float64(time.Second))
	return st, nil
}

// CreateTables installs the workflow schema. Idempotent; meant for
// tests and first deployments, production migrations live elsewhere.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id              VARCHAR(36) PRIMARY KEY,
			workflow_type   VARCHAR(64) NOT NULL,
			status          VARCHAR(32) NOT NULL,
			tenant_id       VARCHAR(64) NOT NULL DEFAULT '',
			initiator_id    VARCHAR(64) NOT NULL DEFAULT '',
			initiator_type  VARCHAR(32) NOT NULL DEFAULT '',
			idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
			input_data      JSONB,
			output_data     JSONB,
			context         JSONB,
			error_message   TEXT NOT NULL DEFAULT '',
			error_details   JSONB,
			retry_count     INT NOT NULL DEFAULT 0,
			max_retries     INT NOT NULL DEFAULT 3,
			started_at      TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			failed_at       TIMESTAMPTZ,
			compensation_started_at   TIMESTAMPTZ,
			compensation_completed_at TIMESTAMPTZ,
			compensation_error TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			version         BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_tenant ON workflows(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_idem_key ON workflows(idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created ON workflows(created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_incomplete ON workflows(updated_at)
			WHERE status IN ('pending', 'running', 'rolling_back')`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id                   VARCHAR(36) PRIMARY KEY,
			workflow_id          VARCHAR(36) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			step_name            VARCHAR(128) NOT NULL,
			step_type            VARCHAR(64) NOT NULL DEFAULT '',
			step_order           INT NOT NULL,
			target_system        VARCHAR(64) NOT NULL DEFAULT '',
			status               VARCHAR(32) NOT NULL,
			input_data           JSONB,
			output_data          JSONB,
			compensation_data    JSONB,
			compensation_handler VARCHAR(128) NOT NULL DEFAULT '',
			retry_count          INT NOT NULL DEFAULT 0,
			max_retries          INT NOT NULL DEFAULT 3,
			idempotency_key      VARCHAR(255) NOT NULL,
			error_message        TEXT NOT NULL DEFAULT '',
			error_details        JSONB,
			started_at           TIMESTAMPTZ,
			completed_at         TIMESTAMPTZ,
			failed_at            TIMESTAMPTZ,
			compensation_started_at   TIMESTAMPTZ,
			compensation_completed_at TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL,
			version              BIGINT NOT NULL DEFAULT 1,
			UNIQUE (workflow_id, step_order)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow ON workflow_steps(workflow_id, step_order)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var wf Workflow
	var input, output, wfctx, details []byte
	var startedAt, completedAt, failedAt, compStartedAt, compCompletedAt sql.NullTime

	err := row.Scan(
		&wf.ID, &wf.Type, &wf.Status, &wf.TenantID, &wf.InitiatorID, &wf.InitiatorType,
		&wf.IdempotencyKey, &input, &output, &wfctx, &wf.Error, &details,
		&wf.RetryCount, &wf.MaxRetries, &startedAt, &completedAt, &failedAt,
		&compStartedAt, &compCompletedAt, &wf.CompensationError,
		&wf.CreatedAt, &wf.UpdatedAt, &wf.Version,
	)
	if err != nil {
		return nil, err
	}

	if wf.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if wf.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	if wf.Context, err = unmarshalMap(wfctx); err != nil {
		return nil, err
	}
	if wf.ErrorDetails, err = unmarshalMap(details); err != nil {
		return nil, err
	}
	wf.StartedAt = timePtr(startedAt)
	wf.CompletedAt = timePtr(completedAt)
	wf.FailedAt = timePtr(failedAt)
	wf.CompensationStartedAt = timePtr(compStartedAt)
	wf.CompensationCompletedAt = timePtr(compCompletedAt)
	return &wf, nil
}

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var input, output, compData, details []byte
	var startedAt, completedAt, failedAt, compStartedAt, compCompletedAt sql.NullTime

	err := row.Scan(
		&step.ID, &step.WorkflowID, &step.Name, &step.Type, &step.Order, &step.TargetSystem, &step.Status,
		&input, &output, &compData, &step.CompensationHandler,
		&step.RetryCount, &step.MaxRetries, &step.IdempotencyKey, &step.Error, &details,
		&startedAt, &completedAt, &failedAt, &compStartedAt, &compCompletedAt,
		&step.CreatedAt, &step.UpdatedAt, &step.Version,
	)
	if err != nil {
		return nil, err
	}

	if step.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if step.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	if step.CompensationData, err = unmarshalMap(compData); err != nil {
		return nil, err
	}
	if step.ErrorDetails, err = unmarshalMap(details); err != nil {
		return nil, err
	}
	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	step.FailedAt = timePtr(failedAt)
	step.CompensationStartedAt = timePtr(compStartedAt)
	step.CompensationCompletedAt = timePtr(compCompletedAt)
	return &step, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 || strings.TrimSpace(string(data)) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return m, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
