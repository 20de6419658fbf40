package workflow

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
	"github.com/michaelayoade/dotmac-platform-services-sub023/backoff"
	"github.com/michaelayoade/dotmac-platform-services-sub023/notify"
)

// executeStep drives one step to completed or failed and returns its
// output. The step row is persisted to running with its assembled input
// before the first dispatch, and the retry count is persisted before
// every re-dispatch, so a crash never loses track of whether an attempt
// may have reached the target system.
func (o *Orchestrator) executeStep(ctx context.Context, wf *Workflow, spec *StepSpec, step *Step) (map[string]any, error) {
	log := o.log.With("workflow_id", wf.ID, "step", step.Name, "target_system", step.TargetSystem)

	if o.c.tracingEnabled {
		tracer := otel.Tracer("workflow")
		var span trace.Span
		ctx, span = tracer.Start(ctx, "workflow.step",
			trace.WithAttributes(
				attribute.String("workflow.id", wf.ID),
				attribute.String("workflow.step", step.Name),
				attribute.String("workflow.target_system", step.TargetSystem),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()
	}

	step.Input = o.buildInput(wf, spec)
	step.Status = StepRunning
	if step.StartedAt == nil {
		now := time.Now().UTC()
		step.StartedAt = &now
	}
	if err := o.updateStep(ctx, step, func(s *Step) {
		s.Status = step.Status
		s.Input = step.Input
		s.StartedAt = step.StartedAt
	}); err != nil {
		return nil, err
	}
	o.notify(ctx, o.stepEvent(notify.StepStarted, wf, step, 0, nil))

	strategy := spec.Backoff
	if strategy == nil {
		strategy = backoff.Default()
	}
	start := time.Now()
	// The persisted budget, copied from the definition at submission.
	maxAttempts := step.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := strategy.NextDelay(attempt - 1)
			log.DebugContext(ctx, "waiting before retry", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.RetryCount = attempt
			}); err != nil {
				return nil, err
			}
			o.metrics.StepRetry(ctx, step.TargetSystem)
			o.notify(ctx, o.stepEvent(notify.StepRetrying, wf, step, attempt+1, lastErr))
		}

		out, err := o.runAttempt(ctx, wf, spec, step, attempt+1)
		if err == nil {
			now := time.Now().UTC()
			step.Status = StepCompleted
			step.Output = out
			step.Error = ""
			step.CompletedAt = &now
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.Status = step.Status
				s.Output = step.Output
				s.Error = ""
				s.CompletedAt = step.CompletedAt
			}); err != nil {
				return nil, err
			}
			log.InfoContext(ctx, "step completed", "attempts", attempt+1, "took", time.Since(start))
			o.metrics.StepFinished(ctx, step.TargetSystem, StepCompleted, time.Since(start))
			o.notify(ctx, o.stepEvent(notify.StepCompleted, wf, step, attempt+1, nil))
			return out, nil
		}

		lastErr = err
		if IsPermanent(err) {
			log.WarnContext(ctx, "step failed permanently", "attempt", attempt+1, "error", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.WarnContext(ctx, "step attempt failed", "attempt", attempt+1, "of", maxAttempts, "error", err)
	}

	now := time.Now().UTC()
	step.Status = StepFailed
	step.Error = lastErr.Error()
	step.FailedAt = &now
	if err := o.updateStep(ctx, step, func(s *Step) {
		s.Status = step.Status
		s.Error = step.Error
		s.FailedAt = step.FailedAt
	}); err != nil {
		return nil, err
	}
	o.metrics.StepFinished(ctx, step.TargetSystem, StepFailed, time.Since(start))
	o.notify(ctx, o.stepEvent(notify.StepFailed, wf, step, step.RetryCount+1, lastErr))

	return nil, &StepError{
		WorkflowID: wf.ID,
		Step:       step.Name,
		Attempts:   step.RetryCount + 1,
		Permanent:  IsPermanent(lastErr),
		Err:        lastErr,
	}
}

// runAttempt makes one bounded call to the step handler.
func (o *Orchestrator) runAttempt(ctx context.Context, wf *Workflow, spec *StepSpec, step *Step, attempt int) (out map[string]any, err error) {
	actx := contextWithStepInfo(ctx, wf, step, attempt)
	actx, cancel := context.WithTimeout(actx, o.stepTimeout(spec))
	defer cancel()

	if o.c.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				o.log.ErrorContext(ctx, "step handler panic",
					"workflow_id", wf.ID, "step", step.Name,
					"panic", r, "stack", string(debug.Stack()))
				err = Permanent(fmt.Errorf("step %s panicked: %v", step.Name, r))
			}
		}()
	}
	return spec.Execute(actx, step.Input)
}

// stepTimeout resolves the per-attempt deadline: the step's own, else
// the target system's class default, else the orchestrator default.
func (o *Orchestrator) stepTimeout(spec *StepSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	if spec.TargetSystem != "" {
		return adapter.DefaultTimeout(spec.TargetSystem)
	}
	return o.c.defaultTimeout
}

// buildInput assembles a step's input from the workflow input and the
// context keys the step reads.
func (o *Orchestrator) buildInput(wf *Workflow, spec *StepSpec) map[string]any {
	if spec.BuildInput != nil {
		return spec.BuildInput(maps.Clone(wf.Input), maps.Clone(wf.Context))
	}
	in := maps.Clone(wf.Input)
	if in == nil {
		in = make(map[string]any, len(spec.Reads))
	}
	for _, k := range spec.Reads {
		if v, ok := wf.Context[k]; ok {
			in[k] = v
		}
	}
	return in
}
