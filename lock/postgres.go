package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Postgres is a Locker using PostgreSQL session advisory locks.
//
// Workflow IDs are hashed to 64-bit advisory lock keys. Advisory locks are
// session-scoped: they are released automatically when the connection
// drops, so the ttl argument is unused. A dedicated connection is pinned
// per held lock, since pg_advisory locks belong to the session that took
// them.
type Postgres struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewPostgres creates an advisory-lock locker on the given database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:    db,
		conns: make(map[string]*sql.Conn),
	}
}

// advisoryKey converts a workflow ID to a 64-bit advisory lock key.
func advisoryKey(workflowID string) int64 {
	hash := sha256.Sum256([]byte(workflowID))
	return int64(binary.BigEndian.Uint64(hash[:8]))
}

// Acquire takes the advisory lock for a workflow.
func (p *Postgres) Acquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	key := advisoryKey(workflowID)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return "", fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return "", ErrHeld
	}

	p.mu.Lock()
	p.conns[workflowID] = conn
	p.mu.Unlock()

	return fmt.Sprintf("%d", key), nil
}

// Release frees the advisory lock and returns its connection to the pool.
func (p *Postgres) Release(ctx context.Context, workflowID string, token string) error {
	p.mu.Lock()
	conn, ok := p.conns[workflowID]
	delete(p.conns, workflowID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryKey(workflowID)).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// Compile-time check.
var _ Locker = (*Postgres)(nil)
