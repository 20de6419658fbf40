package workflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store, for tests and single-node
// deployments that accept losing state on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	steps     map[string]map[string]*Step // workflow ID -> step ID -> step
	byIdemKey map[string]string           // idempotency key -> workflow ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		steps:     make(map[string]map[string]*Step),
		byIdemKey: make(map[string]string),
	}
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow, steps []*Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[wf.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, wf.ID)
	}

	now := time.Now().UTC()
	stamp(&wf.CreatedAt, now)
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}
	m.workflows[wf.ID] = wf.Clone()
	if wf.IdempotencyKey != "" {
		// Newest submission wins the key so a re-submission after a
		// failed run resolves to the fresh workflow.
		m.byIdemKey[wf.IdempotencyKey] = wf.ID
	}

	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		stamp(&s.CreatedAt, now)
		s.UpdatedAt = now
		if s.Version == 0 {
			s.Version = 1
		}
		byID[s.ID] = s.Clone()
	}
	m.steps[wf.ID] = byID
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return wf.Clone(), nil
}

func (m *MemoryStore) GetSteps(_ context.Context, workflowID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.steps[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	out := make([]*Step, 0, len(byID))
	for _, s := range byID {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.workflows[wf.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, wf.ID)
	}
	if stored.Version != wf.Version {
		return NewVersionConflictError(wf.ID, wf.Version, stored.Version)
	}
	wf.Version++
	wf.UpdatedAt = time.Now().UTC()
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.steps[step.WorkflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, step.WorkflowID)
	}
	stored, ok := byID[step.ID]
	if !ok {
		return fmt.Errorf("%w: step %s", ErrNotFound, step.ID)
	}
	if stored.Version != step.Version {
		return NewVersionConflictError(step.ID, step.Version, stored.Version)
	}
	step.Version++
	step.UpdatedAt = time.Now().UTC()
	byID[step.ID] = step.Clone()
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	return m.workflows[id].Clone(), nil
}

func (m *MemoryStore) ListIncomplete(_ context.Context, cutoff time.Time) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, wf := range m.workflows {
		if wf.Terminal() {
			continue
		}
		if !cutoff.IsZero() && !wf.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter, page Page) ([]*Workflow, string, error) {
	m.mu.RLock()
	matched := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if filter.Matches(wf) {
			matched = append(matched, wf)
		}
	}
	m.mu.RUnlock()

	// Newest first, ID as tiebreak so the order is total and the cursor
	// unambiguous.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if page.Cursor != "" {
		at, id, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		for i, wf := range matched {
			if wf.CreatedAt.UnixNano() < at || (wf.CreatedAt.UnixNano() == at && wf.ID < id) {
				start = i
				break
			}
			start = i + 1
		}
	}

	size := page.size()
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*Workflow, 0, end-start)
	for _, wf := range matched[start:end] {
		out = append(out, wf.Clone())
	}

	next := ""
	if end < len(matched) && len(out) > 0 {
		last := out[len(out)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

func (m *MemoryStore) Stats(_ context.Context, tenantID string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &Stats{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[Type]int64),
	}
	var completed int64
	var elapsed time.Duration
	for _, wf := range m.workflows {
		if tenantID != "" && wf.TenantID != tenantID {
			continue
		}
		st.Total++
		st.ByStatus[wf.Status]++
		st.ByType[wf.Type]++
		if wf.Status == StatusCompleted && wf.StartedAt != nil && wf.CompletedAt != nil {
			completed++
			elapsed += wf.CompletedAt.Sub(*wf.StartedAt)
		}
	}
	if completed > 0 {
		st.AvgDuration = elapsed / time.Duration(completed)
	}
	return st, nil
}

// Len returns the number of stored workflows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workflows)
}

func stamp(t *time.Time, now time.Time) {
	if t.IsZero() {
		*t = now
	}
}

func encodeCursor(at time.Time, id string) string {
	return strconv.FormatInt(at.UnixNano(), 10) + "|" + id
}

func decodeCursor(cursor string) (int64, string, error) {
	at, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %v", cursor, err)
	}
	return n, id, nil
}
