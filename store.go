package workflow

import (
	"context"
	"time"
)

// Store persists workflows and steps. Implementations must be safe for
// concurrent use.
//
// Every write the orchestrator performs goes through UpdateWorkflow or
// UpdateStep, both of which are compare-and-swap on Version: the update
// applies only when the stored version equals the caller's, otherwise a
// VersionConflictError is returned and the caller re-reads. On success
// the store increments Version both in storage and on the passed record.
type Store interface {
	// CreateWorkflow persists a new workflow together with its steps in
	// one atomic write. Returns ErrDuplicateID if the workflow ID exists.
	CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error

	// GetWorkflow returns the workflow or ErrNotFound.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetSteps returns the workflow's steps ordered by Step.Order.
	GetSteps(ctx context.Context, workflowID string) ([]*Step, error)

	// UpdateWorkflow writes wf if the stored version matches wf.Version.
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	// UpdateStep writes step if the stored version matches step.Version.
	UpdateStep(ctx context.Context, step *Step) error

	// FindByIdempotencyKey returns the workflow previously submitted
	// with this key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error)

	// ListIncomplete returns workflows in a non-terminal status whose
	// last update is older than cutoff, for crash recovery. A zero
	// cutoff means no age filter.
	ListIncomplete(ctx context.Context, cutoff time.Time) ([]*Workflow, error)

	// List returns workflows matching filter, newest first, one page at
	// a time.
	List(ctx context.Context, filter Filter, page Page) ([]*Workflow, string, error)

	// Stats aggregates workflow counts by status, optionally scoped to
	// one tenant ("" means all tenants).
	Stats(ctx context.Context, tenantID string) (*Stats, error)
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Type     Type
	Status   Status
	TenantID string

	// CreatedAfter / CreatedBefore bound Workflow.CreatedAt.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Matches reports whether wf satisfies every set field.
func (f Filter) Matches(wf *Workflow) bool {
	if f.Type != "" && wf.Type != f.Type {
		return false
	}
	if f.Status != "" && wf.Status != f.Status {
		return false
	}
	if f.TenantID != "" && wf.TenantID != f.TenantID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !wf.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !wf.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Page is cursor pagination state. A zero Page starts from the newest
// workflow with DefaultPageSize. The cursor returned by List is opaque;
// pass it back unchanged to fetch the next page. An empty returned
// cursor means the listing is exhausted.
type Page struct {
	Size   int
	Cursor string
}

// DefaultPageSize bounds List results when Page.Size is zero.
const DefaultPageSize = 50

func (p Page) size() int {
	if p.Size <= 0 {
		return DefaultPageSize
	}
	return p.Size
}

// Stats is an aggregate snapshot of the workflow population.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[Status]int64 `json:"by_status"`
	ByType   map[Type]int64   `json:"by_type"`

	// AvgDuration is the mean start-to-completion time of completed
	// workflows.
	AvgDuration time.Duration `json:"avg_duration"`
}

// SuccessRate is the completed share of workflows that reached a
// terminal status.
func (s *Stats) SuccessRate() float64 {
	var terminal int64
	for st, n := range s.ByStatus {
		if st.Terminal() {
			terminal += n
		}
	}
	if terminal == 0 {
		return 0
	}
	return float64(s.ByStatus[StatusCompleted]) / float64(terminal)
}

// Compensations counts workflows that went through rollback.
func (s *Stats) Compensations() int64 {
	return s.ByStatus[StatusCompensated] + s.ByStatus[StatusRolledBack]
}
