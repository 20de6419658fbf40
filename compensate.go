package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/michaelayoade/dotmac-platform-services-sub023/notify"
)

// compensate undoes completed steps in reverse execution order. Each
// compensation gets a small fixed retry budget; a step that exhausts it
// is marked compensation_failed and the runner moves on so later undo
// work still happens. The returned CompensationError names every step
// left not undone; nil means the rollback is clean.
//
// Steps found in compensating are re-run: a crash between the
// compensating write and the handler call is indistinguishable from one
// just after it, so handlers see at-least-once delivery here too.
func (o *Orchestrator) compensate(ctx context.Context, wf *Workflow, def *Definition, steps []*Step) error {
	log := o.log.With("workflow_id", wf.ID, "workflow_type", wf.Type)

	var failed []string
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != StepCompleted && step.Status != StepCompensating {
			continue
		}

		spec, ok := def.stepByName(step.Name)
		if !ok || spec.Compensate == nil || step.CompensationHandler == "" {
			// Not compensable; its effect stays.
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.Status = StepSkipped
			}); err != nil {
				return err
			}
			step.Status = StepSkipped
			log.InfoContext(ctx, "step not compensable, skipping", "step", step.Name)
			continue
		}

		if step.Status != StepCompensating {
			now := time.Now().UTC()
			step.CompensationStartedAt = &now
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.Status = StepCompensating
				s.CompensationStartedAt = step.CompensationStartedAt
			}); err != nil {
				return err
			}
			step.Status = StepCompensating
		}
		o.notify(ctx, o.stepEvent(notify.StepCompensating, wf, step, 0, nil))

		start := time.Now()
		cerr := o.runCompensation(ctx, wf, spec, step)
		if cerr != nil {
			now := time.Now().UTC()
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.Status = StepCompensationFailed
				s.Error = cerr.Error()
				s.FailedAt = &now
			}); err != nil {
				return err
			}
			step.Status = StepCompensationFailed
			log.ErrorContext(ctx, "compensation failed", "step", step.Name, "error", cerr)
			o.metrics.StepFinished(ctx, step.TargetSystem, StepCompensationFailed, time.Since(start))
			o.notify(ctx, o.stepEvent(notify.StepCompensationFailed, wf, step, 0, cerr))
			failed = append(failed, step.Name)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, cerr))
			continue
		}

		now := time.Now().UTC()
		if err := o.updateStep(ctx, step, func(s *Step) {
			s.Status = StepCompensated
			s.CompensationCompletedAt = &now
		}); err != nil {
			return err
		}
		step.Status = StepCompensated
		log.InfoContext(ctx, "step compensated", "step", step.Name, "took", time.Since(start))
		o.metrics.StepFinished(ctx, step.TargetSystem, StepCompensated, time.Since(start))
		o.notify(ctx, o.stepEvent(notify.StepCompensated, wf, step, 0, nil))
	}

	if len(failed) > 0 {
		return &CompensationError{WorkflowID: wf.ID, Failed: failed, Errs: errs}
	}
	return nil
}

// runCompensation calls the undo handler under the compensation retry
// budget. Permanent errors and context cancellation stop early.
func (o *Orchestrator) runCompensation(ctx context.Context, wf *Workflow, spec *StepSpec, step *Step) error {
	b := retry.WithMaxRetries(o.c.compensationRetries, retry.NewConstant(o.c.compensationDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		cctx := contextWithStepInfo(ctx, wf, step, 0)
		cctx, cancel := context.WithTimeout(cctx, o.stepTimeout(spec))
		defer cancel()

		cerr := o.callCompensate(cctx, spec, step)
		if cerr == nil {
			return nil
		}
		if IsPermanent(cerr) {
			return cerr
		}
		return retry.RetryableError(cerr)
	})
}

func (o *Orchestrator) callCompensate(ctx context.Context, spec *StepSpec, step *Step) (err error) {
	if o.c.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				o.log.ErrorContext(ctx, "compensation handler panic",
					"workflow_id", step.WorkflowID, "step", step.Name,
					"panic", r, "stack", string(debug.Stack()))
				err = Permanent(fmt.Errorf("compensation of %s panicked: %v", step.Name, r))
			}
		}()
	}
	return spec.Compensate(ctx, step.Input, compensationPayload(step))
}

// compensationPayload picks what the undo handler receives: the explicit
// override when one was recorded, else the step's output.
func compensationPayload(step *Step) map[string]any {
	if len(step.CompensationData) > 0 {
		return step.CompensationData
	}
	return step.Output
}
