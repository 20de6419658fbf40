package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
//
// Results survive restarts and are shared across adapter instances. The
// transactional variants let an adapter record its result in the same
// database transaction as its own writes, closing the window between
// "side effect applied" and "result recorded".
//
// Required schema (see CreateTable):
//
//	CREATE TABLE workflow_step_results (
//	    idempotency_key VARCHAR(255) PRIMARY KEY,
//	    result JSONB,
//	    recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
//	    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
//	);
//	CREATE INDEX idx_workflow_step_results_expires ON workflow_step_results(expires_at);
type PostgresStore struct {
	db       *sql.DB
	table    string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTTL sets how long recorded results are kept.
// Default is 24 hours.
func WithPostgresTTL(ttl time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPostgresTable sets the table name.
// Default is "workflow_step_results".
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

// WithPostgresCleanupInterval sets how often expired rows are deleted.
// Default is 1 hour.
func WithPostgresCleanupInterval(interval time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// NewPostgresStore creates a PostgreSQL-based result store.
//
// A background goroutine deletes expired rows periodically. Call Close
// to stop it.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:       db,
		table:    "workflow_step_results",
		ttl:      24 * time.Hour,
		interval: time.Hour,
		logger:   slog.Default().With("component", "idempotency.postgres"),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Lookup returns the result recorded for key, and whether one exists.
func (s *PostgresStore) Lookup(ctx context.Context, key string) (map[string]any, bool, error) {
	query := fmt.Sprintf(
		"SELECT result FROM %s WHERE idempotency_key = $1 AND expires_at > NOW()", s.table)

	var data []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select result: %w", err)
	}

	var result map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, false, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, true, nil
}

// Record stores the result for key using the store's default TTL.
func (s *PostgresStore) Record(ctx context.Context, key string, result map[string]any) error {
	return s.RecordWithTTL(ctx, key, result, s.ttl)
}

// RecordWithTTL stores the result for key with a custom TTL.
// An existing record for key is kept unchanged (ON CONFLICT DO NOTHING).
func (s *PostgresStore) RecordWithTTL(ctx context.Context, key string, result map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (idempotency_key, result, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (idempotency_key) DO NOTHING`, s.table)

	if _, err := s.db.ExecContext(ctx, query, key, data, ttl.String()); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// RecordTx stores the result for key inside the caller's transaction,
// using the store's default TTL.
func (s *PostgresStore) RecordTx(ctx context.Context, tx *sql.Tx, key string, result map[string]any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (idempotency_key, result, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (idempotency_key) DO NOTHING`, s.table)

	if _, err := tx.ExecContext(ctx, query, key, data, s.ttl.String()); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// LookupTx returns the result recorded for key inside the caller's
// transaction.
func (s *PostgresStore) LookupTx(ctx context.Context, tx *sql.Tx, key string) (map[string]any, bool, error) {
	query := fmt.Sprintf(
		"SELECT result FROM %s WHERE idempotency_key = $1 AND expires_at > NOW()", s.table)

	var data []byte
	err := tx.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select result: %w", err)
	}

	var result map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, false, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, true, nil
}

// Remove deletes the record for key.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE idempotency_key = $1", s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

// Close stops the background cleanup goroutine. Safe to call twice.
func (s *PostgresStore) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	return nil
}

// CreateTable creates the results table and its expiry index if they do
// not exist. Intended for development and tests; production deployments
// manage schema externally.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			idempotency_key VARCHAR(255) PRIMARY KEY,
			result JSONB,
			recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`,
		s.table, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < NOW()", s.table)
			if _, err := s.db.Exec(query); err != nil {
				s.logger.Error("cleanup failed", "error", err)
			}
		}
	}
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)
