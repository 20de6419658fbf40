// Package notify publishes workflow lifecycle events.
//
// The orchestrator emits an Event at every workflow and step transition:
// operators subscribe to drive dashboards, alerting on compensation
// failures, and downstream automation (e.g. welcome e-mails after
// provision_subscriber completes). Publication is best-effort: the
// orchestrator logs and continues when a notifier fails, so event
// delivery never blocks or breaks workflow processing.
//
// Implementations:
//   - Log: structured log lines, the default for development
//   - Channel: buffered Go channel, for in-process consumers and tests
//   - NATS: publishes to "workflows.<type>.<kind>" subjects
//   - Kafka: publishes to one topic keyed by workflow ID, so each
//     workflow's events stay ordered within a partition
//   - Multi: fan-out to several notifiers
//
// # Usage
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	notifier, _ := notify.NewNATS(nc)
//
//	orc, _ := workflow.New(registry,
//	    workflow.WithStore(store),
//	    workflow.WithNotifier(notifier),
//	)
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind names a lifecycle moment within a workflow.
type Kind string

// Workflow-level event kinds.
const (
	WorkflowStarted     Kind = "started"
	WorkflowCompleted   Kind = "completed"
	WorkflowFailed      Kind = "failed"
	WorkflowRollingBack Kind = "rolling_back"
	WorkflowRolledBack  Kind = "rolled_back"
	WorkflowCompensated Kind = "compensated"
	WorkflowCancelled   Kind = "cancelled"
)

// Step-level event kinds.
const (
	StepStarted            Kind = "step.started"
	StepCompleted          Kind = "step.completed"
	StepFailed             Kind = "step.failed"
	StepRetrying           Kind = "step.retrying"
	StepCompensating       Kind = "step.compensating"
	StepCompensated        Kind = "step.compensated"
	StepCompensationFailed Kind = "step.compensation_failed"
)

// Event is one published lifecycle notification.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	WorkflowID   string    `json:"workflow_id"`
	WorkflowType string    `json:"workflow_type"`
	TenantID     string    `json:"tenant_id,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	StepOrder    int       `json:"step_order,omitempty"`
	TargetSystem string    `json:"target_system,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        string    `json:"error,omitempty"`
	Time         time.Time `json:"time"`
}

// Notifier publishes lifecycle events.
//
// Implementations must be safe for concurrent use and should return
// quickly; the orchestrator calls Notify synchronously between
// transitions.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Log is a Notifier that writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "workflow.notify")}
}

// Notify logs the event at Info level.
func (l *Log) Notify(ctx context.Context, event Event) error {
	attrs := []any{
		"kind", string(event.Kind),
		"workflow_id", event.WorkflowID,
		"workflow_type", event.WorkflowType,
	}
	if event.StepName != "" {
		attrs = append(attrs, "step", event.StepName)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	l.logger.InfoContext(ctx, "workflow event", attrs...)
	return nil
}

// Channel is a Notifier that delivers events on a buffered channel.
//
// When the buffer is full the event is dropped rather than blocking the
// orchestrator. Intended for in-process consumers and tests.
type Channel struct {
	ch chan Event
}

// NewChannel creates a channel notifier with the given buffer size.
// A size of 0 or less defaults to 64.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{ch: make(chan Event, size)}
}

// Notify sends the event without blocking; full buffers drop the event.
func (c *Channel) Notify(ctx context.Context, event Event) error {
	select {
	case c.ch <- event:
	default:
	}
	return nil
}

// Events returns the receive side of the channel.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Multi fans an event out to several notifiers.
//
// Every notifier is invoked even when an earlier one fails; failures are
// joined into the returned error.
type Multi []Notifier

// Notify delivers the event to all notifiers.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time checks.
var (
	_ Notifier = (*Log)(nil)
	_ Notifier = (*Channel)(nil)
	_ Notifier = (Multi)(nil)
)
