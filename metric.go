package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records workflow and step telemetry through OpenTelemetry.
// A nil *Metrics is safe to pass to WithMetrics and disables recording.
type Metrics struct {
	started       metric.Int64Counter
	finished      metric.Int64Counter
	active        metric.Int64UpDownCounter
	duration      metric.Float64Histogram
	stepFinished  metric.Int64Counter
	stepRetries   metric.Int64Counter
	stepDuration  metric.Float64Histogram
	compensations metric.Int64Counter
}

// NewMetrics creates the instrument set on the named meter. An empty
// name uses "workflow".
func NewMetrics(name string) *Metrics {
	if name == "" {
		name = "workflow"
	}
	meter := otel.Meter(name)
	m := &Metrics{}
	m.started, _ = meter.Int64Counter("workflow.started",
		metric.WithDescription("Workflows started"),
		metric.WithUnit("{workflow}"))
	m.finished, _ = meter.Int64Counter("workflow.finished",
		metric.WithDescription("Workflows finished, by terminal status"),
		metric.WithUnit("{workflow}"))
	m.active, _ = meter.Int64UpDownCounter("workflow.active",
		metric.WithDescription("Workflows currently running"),
		metric.WithUnit("{workflow}"))
	m.duration, _ = meter.Float64Histogram("workflow.duration",
		metric.WithDescription("Workflow wall time from start to terminal status"),
		metric.WithUnit("s"))
	m.stepFinished, _ = meter.Int64Counter("workflow.step.finished",
		metric.WithDescription("Step executions finished, by target system and status"),
		metric.WithUnit("{step}"))
	m.stepRetries, _ = meter.Int64Counter("workflow.step.retries",
		metric.WithDescription("Step attempt retries"),
		metric.WithUnit("{retry}"))
	m.stepDuration, _ = meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Step wall time including retries"),
		metric.WithUnit("s"))
	m.compensations, _ = meter.Int64Counter("workflow.compensation.finished",
		metric.WithDescription("Compensation runs finished, by outcome"),
		metric.WithUnit("{run}"))
	return m
}

// WorkflowStarted records a workflow entering running.
func (m *Metrics) WorkflowStarted(ctx context.Context, t Type) {
	if m == nil {
		return
	}
	if m.started != nil {
		m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_type", string(t))))
	}
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
}

// WorkflowFinished records a workflow reaching a terminal status.
func (m *Metrics) WorkflowFinished(ctx context.Context, t Type, status Status, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow_type", string(t)),
		attribute.String("status", string(status)),
	)
	if m.finished != nil {
		m.finished.Add(ctx, 1, attrs)
	}
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
}

// StepFinished records a step leaving its attempt loop.
func (m *Metrics) StepFinished(ctx context.Context, system string, status StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("target_system", system),
		attribute.String("status", string(status)),
	)
	if m.stepFinished != nil {
		m.stepFinished.Add(ctx, 1, attrs)
	}
	if m.stepDuration != nil {
		m.stepDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// StepRetry records one retried attempt.
func (m *Metrics) StepRetry(ctx context.Context, system string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("target_system", system)))
}

// CompensationFinished records a rollback outcome.
func (m *Metrics) CompensationFinished(ctx context.Context, t Type, status Status) {
	if m == nil || m.compensations == nil {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_type", string(t)),
		attribute.String("status", string(status)),
	))
}
