package workflow

import (
	"maps"
	"time"
)

// Type identifies a workflow definition.
type Type string

// Workflow types provisioned by the platform.
const (
	TypeProvisionSubscriber   Type = "provision_subscriber"
	TypeDeprovisionSubscriber Type = "deprovision_subscriber"
	TypeActivateService       Type = "activate_service"
	TypeSuspendService        Type = "suspend_service"
	TypeTerminateService      Type = "terminate_service"
	TypeChangeServicePlan     Type = "change_service_plan"
	TypeUpdateNetworkConfig   Type = "update_network_config"
	TypeMigrateSubscriber     Type = "migrate_subscriber"
)

// Types lists every known workflow type.
func Types() []Type {
	return []Type{
		TypeProvisionSubscriber,
		TypeDeprovisionSubscriber,
		TypeActivateService,
		TypeSuspendService,
		TypeTerminateService,
		TypeChangeServicePlan,
		TypeUpdateNetworkConfig,
		TypeMigrateSubscriber,
	}
}

// Status represents the lifecycle state of a workflow.
//
// State transitions:
//
//	pending -> running -> completed
//	                   \
//	                    failed (compensation disabled)
//	                   \
//	                    rolling_back -> compensated (all undone)
//	                                 \
//	                                  rolled_back (cancel, or some steps not undone)
//
// failed additionally permits running again through an explicit Retry.
type Status string

// Workflow statuses.
const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusCompensated Status = "compensated"
)

// Terminal reports whether no further step execution happens in this
// status. A failed workflow is terminal until an operator calls Retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCompensated:
		return true
	}
	return false
}

// workflowTransitions lists the legal status moves. failed -> running is
// the Retry path; rolling_back may be re-entered by a recovery sweep that
// resumes an interrupted compensation.
var workflowTransitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusRollingBack},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusRollingBack},
	StatusRollingBack: {StatusRolledBack, StatusCompensated},
	StatusFailed:      {StatusRunning},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle state of a single step.
//
// Forward path: pending -> running -> completed | failed. A step skipped
// during rollback (no compensation handler) or never dispatched after an
// earlier failure becomes skipped. Rollback path for completed steps:
// compensating -> compensated | compensation_failed.
type StepStatus string

// Step statuses.
const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepSkipped            StepStatus = "skipped"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// Workflow is one durable saga instance.
//
// The zero value is not usable; workflows are created by Orchestrator.Submit
// and loaded from a Store. All maps may be nil when empty.
type Workflow struct {
	ID   string `json:"workflow_id"`
	Type Type   `json:"workflow_type"`

	Status Status `json:"status"`

	// Provenance. Not behavior-affecting.
	TenantID      string `json:"tenant_id,omitempty"`
	InitiatorID   string `json:"initiator_id,omitempty"`
	InitiatorType string `json:"initiator_type,omitempty"`

	// IdempotencyKey deduplicates submissions: a second Submit with the
	// same key returns the existing workflow instead of creating one.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Input is immutable once the workflow starts. Output is set only on
	// completion. Context is the scratch map steps use to pass derived
	// values forward (e.g. an allocated IP consumed by a later step).
	Input   map[string]any `json:"input_data,omitempty"`
	Output  map[string]any `json:"output_data,omitempty"`
	Context map[string]any `json:"context,omitempty"`

	Error        string         `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`

	// Workflow-level budget for re-driving a failed workflow via Retry,
	// distinct from per-step retries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	StartedAt               *time.Time `json:"started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	FailedAt                *time.Time `json:"failed_at,omitempty"`
	CompensationStartedAt   *time.Time `json:"compensation_started_at,omitempty"`
	CompensationCompletedAt *time.Time `json:"compensation_completed_at,omitempty"`
	CompensationError       string     `json:"compensation_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic locking column, incremented by the store
	// on every successful update.
	Version int64 `json:"version"`
}

// Terminal reports whether the workflow reached a terminal status.
func (w *Workflow) Terminal() bool {
	return w.Status.Terminal()
}

// Clone returns a deep copy. Stores return and accept copies so callers
// can never mutate persisted state through shared maps.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Input = maps.Clone(w.Input)
	c.Output = maps.Clone(w.Output)
	c.Context = maps.Clone(w.Context)
	c.ErrorDetails = maps.Clone(w.ErrorDetails)
	c.StartedAt = cloneTime(w.StartedAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	c.FailedAt = cloneTime(w.FailedAt)
	c.CompensationStartedAt = cloneTime(w.CompensationStartedAt)
	c.CompensationCompletedAt = cloneTime(w.CompensationCompletedAt)
	return &c
}

// Step is one persisted step belonging to exactly one workflow, ordered
// by Order (dense, zero-based, unique within the workflow).
type Step struct {
	ID         string `json:"step_id"`
	WorkflowID string `json:"workflow_id"`

	Name  string `json:"step_name"`
	Type  string `json:"step_type"`
	Order int    `json:"step_order"`

	// TargetSystem names the external system this step calls
	// (e.g. "netbox", "radius", "voltha", "genieacs", "billing").
	TargetSystem string `json:"target_system"`

	Status StepStatus `json:"status"`

	// Input is computed at dispatch time from workflow input and the
	// context written by prior steps. Output is recorded on completion
	// and is what compensation uses to undo the effect.
	// CompensationData optionally overrides the compensation payload.
	Input            map[string]any `json:"input_data,omitempty"`
	Output           map[string]any `json:"output_data,omitempty"`
	CompensationData map[string]any `json:"compensation_data,omitempty"`

	// CompensationHandler identifies the undo operation. Empty means the
	// step is not compensable and is skipped during rollback.
	CompensationHandler string `json:"compensation_handler,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// IdempotencyKey is unique per step; adapters use it to detect a
	// duplicate dispatch after a crash-restart and short-circuit the
	// external side effect.
	IdempotencyKey string `json:"idempotency_key"`

	Error        string         `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`

	StartedAt               *time.Time `json:"started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	FailedAt                *time.Time `json:"failed_at,omitempty"`
	CompensationStartedAt   *time.Time `json:"compensation_started_at,omitempty"`
	CompensationCompletedAt *time.Time `json:"compensation_completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = maps.Clone(s.Input)
	c.Output = maps.Clone(s.Output)
	c.CompensationData = maps.Clone(s.CompensationData)
	c.ErrorDetails = maps.Clone(s.ErrorDetails)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.FailedAt = cloneTime(s.FailedAt)
	c.CompensationStartedAt = cloneTime(s.CompensationStartedAt)
	c.CompensationCompletedAt = cloneTime(s.CompensationCompletedAt)
	return &c
}

// View is the read-only projection returned by GetWorkflow: the workflow
// and its steps in execution order.
type View struct {
	Workflow *Workflow `json:"workflow"`
	Steps    []*Step   `json:"steps"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneSteps(steps []*Step) []*Step {
	if steps == nil {
		return nil
	}
	out := make([]*Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}
