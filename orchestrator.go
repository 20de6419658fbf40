package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelayoade/dotmac-platform-services-sub023/lock"
	"github.com/michaelayoade/dotmac-platform-services-sub023/notify"
)

// Orchestrator drives provisioning sagas: it persists every transition
// before the call that depends on it, executes steps in order through
// their retry budgets, and compensates completed steps in reverse order
// when a later step fails for good.
//
// One orchestrator serves many workflow types; definitions come from the
// Registry passed to New. Submit only records the workflow; Run (or
// Start, or a recovery sweep) drives it.
type Orchestrator struct {
	c       *config
	reg     *Registry
	store   Store
	log     *slog.Logger
	metrics *Metrics

	running sync.Map // workflow ID -> *runHandle
}

type runHandle struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// New creates an orchestrator over the given definitions.
func New(reg *Registry, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("workflow: registry is required")
	}
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return &Orchestrator{
		c:       c,
		reg:     reg,
		store:   c.store,
		log:     c.logger.With("component", "workflow"),
		metrics: c.metrics,
	}, nil
}

// SubmitRequest describes a workflow to create.
type SubmitRequest struct {
	Type Type

	TenantID      string
	InitiatorID   string
	InitiatorType string

	Input map[string]any

	// IdempotencyKey deduplicates submissions. A key matching an
	// existing workflow that did not end in failure returns that
	// workflow's ID instead of creating a duplicate.
	IdempotencyKey string

	// MaxRetries overrides the definition's workflow-level retry
	// budget. Zero keeps the definition's value.
	MaxRetries int
}

// Submit validates the request and persists the workflow in pending
// together with all its step rows in one atomic write, then returns the
// workflow ID. Nothing executes until Run.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	def, err := o.reg.Get(req.Type)
	if err != nil {
		return "", err
	}
	for _, k := range def.InputKeys {
		if _, ok := req.Input[k]; !ok {
			return "", &ValidationError{Type: req.Type, Field: "input", Reason: fmt.Sprintf("missing key %q", k)}
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := o.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if existing.Type != req.Type {
				return "", &ValidationError{Type: req.Type, Field: "idempotency_key",
					Reason: fmt.Sprintf("key already used by a %s workflow", existing.Type)}
			}
			if !resubmittable(existing.Status) {
				return existing.ID, nil
			}
			// The previous run ended in failure; a fresh submission
			// supersedes it under the same key.
		case !errors.Is(err, ErrNotFound):
			return "", err
		}
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:             o.c.idGen(),
		Type:           req.Type,
		Status:         StatusPending,
		TenantID:       req.TenantID,
		InitiatorID:    req.InitiatorID,
		InitiatorType:  req.InitiatorType,
		IdempotencyKey: req.IdempotencyKey,
		Input:          maps.Clone(req.Input),
		Context:        make(map[string]any),
		MaxRetries:     def.maxRetries(),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if req.MaxRetries > 0 {
		wf.MaxRetries = req.MaxRetries
	}

	steps := make([]*Step, len(def.Steps))
	for i := range def.Steps {
		spec := &def.Steps[i]
		steps[i] = &Step{
			ID:                  o.c.idGen(),
			WorkflowID:          wf.ID,
			Name:                spec.Name,
			Type:                spec.Type,
			Order:               i,
			TargetSystem:        spec.TargetSystem,
			Status:              StepPending,
			CompensationHandler: spec.CompensationHandler,
			MaxRetries:          spec.maxRetries(),
			IdempotencyKey:      stepIdempotencyKey(wf.ID, spec.Name),
			CreatedAt:           now,
			UpdatedAt:           now,
			Version:             1,
		}
	}

	if err := o.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return "", err
	}
	o.log.InfoContext(ctx, "workflow submitted",
		"workflow_id", wf.ID, "workflow_type", wf.Type, "tenant_id", wf.TenantID, "steps", len(steps))
	return wf.ID, nil
}

// Start runs the workflow in its own goroutine, detached from the
// caller's cancellation. Errors are logged; progress is observable
// through GetWorkflow and the notifier.
func (o *Orchestrator) Start(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := o.Run(ctx, id); err != nil && !errors.Is(err, ErrLocked) {
			o.log.ErrorContext(ctx, "workflow run failed", "workflow_id", id, "error", err)
		}
	}()
}

// Run drives the workflow until it parks in a terminal status, holding
// the per-workflow lock for the whole drive. It is resumable: a
// workflow found running or rolling_back after a crash continues from
// its persisted position, and a terminal workflow is a no-op.
//
// A business failure (step exhausted, compensation ran) is not an
// error: the outcome is persisted and Run returns nil. Errors mean the
// drive itself could not proceed (lock held, store down, caller
// context gone) and the workflow is left for a later resume.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	token, err := o.c.locker.Acquire(ctx, id, o.c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return fmt.Errorf("acquire workflow lock: %w", err)
	}
	defer func() {
		if rerr := o.c.locker.Release(context.WithoutCancel(ctx), id, token); rerr != nil {
			o.log.Warn("release workflow lock", "workflow_id", id, "error", rerr)
		}
	}()

	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal() {
		return nil
	}
	def, err := o.reg.Get(wf.Type)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	h := &runHandle{cancel: cancelRun}
	if _, loaded := o.running.LoadOrStore(id, h); loaded {
		return fmt.Errorf("%w: %s", ErrLocked, id)
	}
	defer o.running.Delete(id)

	if o.c.tracingEnabled {
		tracer := otel.Tracer("workflow")
		var span trace.Span
		runCtx, span = tracer.Start(runCtx, "workflow.run",
			trace.WithAttributes(
				attribute.String("workflow.id", wf.ID),
				attribute.String("workflow.type", string(wf.Type)),
			))
		defer span.End()
	}

	switch wf.Status {
	case StatusPending:
		now := time.Now().UTC()
		if err := o.updateWorkflow(runCtx, wf, func(w *Workflow) {
			w.Status = StatusRunning
			w.StartedAt = &now
		}); err != nil {
			return err
		}
		o.log.InfoContext(runCtx, "workflow started", "workflow_id", wf.ID, "workflow_type", wf.Type)
		o.metrics.WorkflowStarted(runCtx, wf.Type)
		o.notify(runCtx, o.wfEvent(notify.WorkflowStarted, wf, nil))
	case StatusRunning:
		o.log.InfoContext(runCtx, "resuming workflow", "workflow_id", wf.ID, "workflow_type", wf.Type)
	case StatusRollingBack:
		steps, err := o.store.GetSteps(runCtx, id)
		if err != nil {
			return err
		}
		o.log.InfoContext(runCtx, "resuming compensation", "workflow_id", wf.ID)
		return o.finishRollback(runCtx, wf, def, steps, wf.cancelRequested())
	}

	// The workflow deadline behaves exactly like Cancel; the cause
	// distinguishes it from the caller's own deadline.
	if def.Timeout > 0 && wf.StartedAt != nil {
		var cancelDl context.CancelFunc
		runCtx, cancelDl = context.WithDeadlineCause(runCtx, wf.StartedAt.Add(def.Timeout), ErrCancelled)
		defer cancelDl()
	}

	steps, err := o.store.GetSteps(runCtx, id)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if h.cancelled.Load() || errors.Is(context.Cause(runCtx), ErrCancelled) {
			return o.rollback(runCtx, wf, def, steps, ErrCancelled, true)
		}
		if runCtx.Err() != nil {
			// Caller gave up; park in running for a recovery sweep.
			return runCtx.Err()
		}

		switch step.Status {
		case StepCompleted:
			// A crash can separate step completion from the context
			// merge; re-merging on resume closes the gap.
			mergeStepWrites(wf, def, step)
			continue
		case StepSkipped, StepCompensating, StepCompensated, StepCompensationFailed:
			continue
		case StepFailed:
			// Crash landed between marking the step failed and acting
			// on the failure.
			serr := &StepError{
				WorkflowID: wf.ID,
				Step:       step.Name,
				Attempts:   step.RetryCount + 1,
				Err:        errors.New(step.Error),
			}
			return o.failWorkflow(runCtx, wf, def, steps, serr)
		}

		spec, ok := def.stepByName(step.Name)
		if !ok {
			return fmt.Errorf("definition %s has no step %q", wf.Type, step.Name)
		}

		out, err := o.executeStep(runCtx, wf, spec, step)
		if err != nil {
			var serr *StepError
			if !errors.As(err, &serr) {
				// Persistence failed mid-step; resume later.
				return err
			}
			if h.cancelled.Load() || errors.Is(context.Cause(runCtx), ErrCancelled) {
				return o.rollback(runCtx, wf, def, steps, ErrCancelled, true)
			}
			return o.failWorkflow(runCtx, wf, def, steps, serr)
		}

		if len(spec.Writes) > 0 {
			if err := o.updateWorkflow(runCtx, wf, func(w *Workflow) {
				if w.Context == nil {
					w.Context = make(map[string]any)
				}
				for _, k := range spec.Writes {
					if v, ok := out[k]; ok {
						w.Context[k] = v
					}
				}
			}); err != nil {
				return err
			}
		}
	}

	now := time.Now().UTC()
	if err := o.updateWorkflow(runCtx, wf, func(w *Workflow) {
		w.Status = StatusCompleted
		w.Output = assembleOutput(def, w)
		w.CompletedAt = &now
		w.Error = ""
	}); err != nil {
		return err
	}
	took := durationSince(wf.StartedAt, now)
	o.log.InfoContext(runCtx, "workflow completed", "workflow_id", wf.ID, "workflow_type", wf.Type, "took", took)
	o.metrics.WorkflowFinished(runCtx, wf.Type, StatusCompleted, took)
	o.notify(runCtx, o.wfEvent(notify.WorkflowCompleted, wf, nil))
	return nil
}

// failWorkflow handles a step that exhausted its budget: either park
// the workflow in failed (compensation disabled) or roll back.
func (o *Orchestrator) failWorkflow(ctx context.Context, wf *Workflow, def *Definition, steps []*Step, serr *StepError) error {
	if !def.DisableCompensation {
		return o.rollback(ctx, wf, def, steps, serr, false)
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.skipUnreached(ctx, steps); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := o.updateWorkflow(ctx, wf, func(w *Workflow) {
		w.Status = StatusFailed
		w.Error = serr.Error()
		w.ErrorDetails = stepErrorDetails(serr)
		w.FailedAt = &now
	}); err != nil {
		return err
	}
	took := durationSince(wf.StartedAt, now)
	o.log.WarnContext(ctx, "workflow failed",
		"workflow_id", wf.ID, "workflow_type", wf.Type, "step", serr.Step, "error", serr.Err)
	o.metrics.WorkflowFinished(ctx, wf.Type, StatusFailed, took)
	o.notify(ctx, o.wfEvent(notify.WorkflowFailed, wf, serr))
	return nil
}

// rollback moves the workflow to rolling_back and compensates. The
// cancelled flag forces the rolled_back outcome; a failure-driven
// rollback ends compensated only when every compensable step was
// undone. Rollback runs detached from cancellation so a Cancel or an
// expired deadline cannot interrupt its own cleanup.
func (o *Orchestrator) rollback(ctx context.Context, wf *Workflow, def *Definition, steps []*Step, cause error, cancelled bool) error {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if err := o.updateWorkflow(ctx, wf, func(w *Workflow) {
		w.Status = StatusRollingBack
		w.Error = cause.Error()
		if w.FailedAt == nil {
			w.FailedAt = &now
		}
		w.CompensationStartedAt = &now
		var serr *StepError
		if errors.As(cause, &serr) {
			w.ErrorDetails = stepErrorDetails(serr)
		}
		if cancelled {
			if w.ErrorDetails == nil {
				w.ErrorDetails = make(map[string]any)
			}
			w.ErrorDetails["cancelled"] = true
		}
	}); err != nil {
		return err
	}
	o.log.InfoContext(ctx, "rolling back workflow",
		"workflow_id", wf.ID, "workflow_type", wf.Type, "cause", cause)
	o.notify(ctx, o.wfEvent(notify.WorkflowRollingBack, wf, cause))
	return o.finishRollback(ctx, wf, def, steps, cancelled)
}

// finishRollback compensates and parks the workflow in its rollback
// outcome. It also serves crash resume: a workflow reloaded in
// rolling_back comes straight here.
func (o *Orchestrator) finishRollback(ctx context.Context, wf *Workflow, def *Definition, steps []*Step, cancelled bool) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.skipUnreached(ctx, steps); err != nil {
		return err
	}

	cerr := o.compensate(ctx, wf, def, steps)
	if cerr != nil && !IsCompensationFailure(cerr) {
		// Persistence trouble; stay in rolling_back for a resume.
		return cerr
	}

	final := StatusCompensated
	if cancelled || cerr != nil {
		final = StatusRolledBack
	}
	now := time.Now().UTC()
	if err := o.updateWorkflow(ctx, wf, func(w *Workflow) {
		w.Status = final
		w.CompensationCompletedAt = &now
		if cerr != nil {
			w.CompensationError = cerr.Error()
		}
	}); err != nil {
		return err
	}

	took := durationSince(wf.StartedAt, now)
	if cerr != nil {
		o.log.ErrorContext(ctx, "rollback left steps not undone",
			"workflow_id", wf.ID, "workflow_type", wf.Type, "error", cerr)
	} else {
		o.log.InfoContext(ctx, "rollback finished",
			"workflow_id", wf.ID, "workflow_type", wf.Type, "status", final)
	}
	o.metrics.CompensationFinished(ctx, wf.Type, final)
	o.metrics.WorkflowFinished(ctx, wf.Type, final, took)
	kind := notify.WorkflowCompensated
	if final == StatusRolledBack {
		kind = notify.WorkflowRolledBack
	}
	o.notify(ctx, o.wfEvent(kind, wf, cerr))
	return nil
}

// skipUnreached marks steps the failure or cancellation left behind: a
// pending step was never dispatched, a running one was dispatched by a
// runner that died and is treated as failed.
func (o *Orchestrator) skipUnreached(ctx context.Context, steps []*Step) error {
	now := time.Now().UTC()
	for _, step := range steps {
		switch step.Status {
		case StepPending:
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.Status = StepSkipped
			}); err != nil {
				return err
			}
			step.Status = StepSkipped
		case StepRunning:
			if err := o.updateStep(ctx, step, func(s *Step) {
				s.Status = StepFailed
				s.Error = ErrCancelled.Error()
				s.FailedAt = &now
			}); err != nil {
				return err
			}
			step.Status = StepFailed
		}
	}
	return nil
}

// Cancel stops a pending or running workflow and rolls back its
// completed steps, ending in rolled_back. Cancellation is cooperative:
// a live runner is flagged and its in-flight step context cancelled;
// without one (crashed runner, never started) the rollback runs inline.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if v, ok := o.running.Load(id); ok {
		h := v.(*runHandle)
		h.cancelled.Store(true)
		h.cancel()
		o.log.InfoContext(ctx, "cancellation requested", "workflow_id", id)
		if wf, err := o.store.GetWorkflow(ctx, id); err == nil {
			o.notify(ctx, o.wfEvent(notify.WorkflowCancelled, wf, nil))
		}
		return nil
	}

	token, err := o.c.locker.Acquire(ctx, id, o.c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return fmt.Errorf("acquire workflow lock: %w", err)
	}
	defer func() {
		if rerr := o.c.locker.Release(context.WithoutCancel(ctx), id, token); rerr != nil {
			o.log.Warn("release workflow lock", "workflow_id", id, "error", rerr)
		}
	}()

	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	switch wf.Status {
	case StatusPending, StatusRunning:
	default:
		return fmt.Errorf("%w: cannot cancel a %s workflow", ErrInvalidStatus, wf.Status)
	}
	def, err := o.reg.Get(wf.Type)
	if err != nil {
		return err
	}
	steps, err := o.store.GetSteps(ctx, id)
	if err != nil {
		return err
	}
	o.notify(ctx, o.wfEvent(notify.WorkflowCancelled, wf, nil))
	return o.rollback(ctx, wf, def, steps, ErrCancelled, true)
}

// Retry re-drives a failed workflow: failed and skipped steps go back
// to pending with a fresh attempt budget, the workflow-level retry
// counter goes up, and the workflow runs again from its first
// incomplete step.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	token, err := o.c.locker.Acquire(ctx, id, o.c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return fmt.Errorf("acquire workflow lock: %w", err)
	}
	prepErr := o.prepareRetry(ctx, id)
	if rerr := o.c.locker.Release(context.WithoutCancel(ctx), id, token); rerr != nil {
		o.log.Warn("release workflow lock", "workflow_id", id, "error", rerr)
	}
	if prepErr != nil {
		return prepErr
	}
	return o.Run(ctx, id)
}

// Requeue resets a failed workflow exactly like Retry but does not run
// it: the workflow is left in running for the next Recover sweep to
// claim. Meant for operator tooling that has no adapters of its own to
// execute steps with.
func (o *Orchestrator) Requeue(ctx context.Context, id string) error {
	token, err := o.c.locker.Acquire(ctx, id, o.c.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return fmt.Errorf("acquire workflow lock: %w", err)
	}
	defer func() {
		if rerr := o.c.locker.Release(context.WithoutCancel(ctx), id, token); rerr != nil {
			o.log.Warn("release workflow lock", "workflow_id", id, "error", rerr)
		}
	}()
	return o.prepareRetry(ctx, id)
}

func (o *Orchestrator) prepareRetry(ctx context.Context, id string) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != StatusFailed {
		return fmt.Errorf("%w: retry requires failed, workflow is %s", ErrInvalidStatus, wf.Status)
	}
	if wf.RetryCount >= wf.MaxRetries {
		return fmt.Errorf("%w: %d of %d retries used", ErrRetryExhausted, wf.RetryCount, wf.MaxRetries)
	}

	steps, err := o.store.GetSteps(ctx, id)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != StepFailed && step.Status != StepSkipped {
			continue
		}
		if err := o.updateStep(ctx, step, func(s *Step) {
			s.Status = StepPending
			s.Error = ""
			s.RetryCount = 0
			s.FailedAt = nil
		}); err != nil {
			return err
		}
	}

	if err := o.updateWorkflow(ctx, wf, func(w *Workflow) {
		w.Status = StatusRunning
		w.RetryCount++
		w.Error = ""
		w.ErrorDetails = nil
		w.FailedAt = nil
	}); err != nil {
		return err
	}
	o.log.InfoContext(ctx, "retrying workflow",
		"workflow_id", wf.ID, "workflow_type", wf.Type, "retry", wf.RetryCount, "of", wf.MaxRetries)
	o.metrics.WorkflowStarted(ctx, wf.Type)
	o.notify(ctx, o.wfEvent(notify.WorkflowStarted, wf, nil))
	return nil
}

// GetWorkflow returns the workflow and its steps in execution order.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*View, error) {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Workflow: wf, Steps: steps}, nil
}

// ListWorkflows returns one page of workflows matching filter, newest
// first, with the cursor for the next page.
func (o *Orchestrator) ListWorkflows(ctx context.Context, filter Filter, page Page) ([]*Workflow, string, error) {
	return o.store.List(ctx, filter, page)
}

// Stats aggregates workflow counts, optionally for one tenant.
func (o *Orchestrator) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	return o.store.Stats(ctx, tenantID)
}

// updateWorkflow applies mutate to wf and persists it. On a version
// conflict the record is re-read and mutate re-applied once, so the
// closures must be idempotent field sets.
func (o *Orchestrator) updateWorkflow(ctx context.Context, wf *Workflow, mutate func(*Workflow)) error {
	mutate(wf)
	err := o.store.UpdateWorkflow(ctx, wf)
	if err == nil {
		return nil
	}
	if !IsVersionConflict(err) {
		return err
	}
	o.log.WarnContext(ctx, "workflow version conflict, retrying", "workflow_id", wf.ID)
	fresh, gerr := o.store.GetWorkflow(ctx, wf.ID)
	if gerr != nil {
		return gerr
	}
	mutate(fresh)
	if err := o.store.UpdateWorkflow(ctx, fresh); err != nil {
		return err
	}
	*wf = *fresh
	return nil
}

// updateStep is updateWorkflow for step rows.
func (o *Orchestrator) updateStep(ctx context.Context, step *Step, mutate func(*Step)) error {
	mutate(step)
	err := o.store.UpdateStep(ctx, step)
	if err == nil {
		return nil
	}
	if !IsVersionConflict(err) {
		return err
	}
	o.log.WarnContext(ctx, "step version conflict, retrying", "workflow_id", step.WorkflowID, "step", step.Name)
	steps, gerr := o.store.GetSteps(ctx, step.WorkflowID)
	if gerr != nil {
		return gerr
	}
	for _, fresh := range steps {
		if fresh.ID == step.ID {
			mutate(fresh)
			if err := o.store.UpdateStep(ctx, fresh); err != nil {
				return err
			}
			*step = *fresh
			return nil
		}
	}
	return fmt.Errorf("%w: step %s", ErrNotFound, step.ID)
}

func (o *Orchestrator) notify(ctx context.Context, ev notify.Event) {
	if o.c.notifier == nil {
		return
	}
	if err := o.c.notifier.Notify(ctx, ev); err != nil {
		o.log.WarnContext(ctx, "notify failed", "kind", ev.Kind, "workflow_id", ev.WorkflowID, "error", err)
	}
}

func (o *Orchestrator) wfEvent(kind notify.Kind, wf *Workflow, cause error) notify.Event {
	ev := notify.Event{
		ID:           o.c.idGen(),
		Kind:         kind,
		WorkflowID:   wf.ID,
		WorkflowType: string(wf.Type),
		TenantID:     wf.TenantID,
		Time:         time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

func (o *Orchestrator) stepEvent(kind notify.Kind, wf *Workflow, step *Step, attempt int, cause error) notify.Event {
	ev := o.wfEvent(kind, wf, cause)
	ev.StepName = step.Name
	ev.StepOrder = step.Order
	ev.TargetSystem = step.TargetSystem
	ev.Attempt = attempt
	return ev
}

func (w *Workflow) cancelRequested() bool {
	v, ok := w.ErrorDetails["cancelled"]
	b, _ := v.(bool)
	return ok && b
}

func resubmittable(s Status) bool {
	return s == StatusFailed || s == StatusRolledBack || s == StatusCompensated
}

func stepErrorDetails(serr *StepError) map[string]any {
	return map[string]any{
		"failed_step": serr.Step,
		"attempts":    serr.Attempts,
		"permanent":   serr.Permanent,
	}
}

func assembleOutput(def *Definition, wf *Workflow) map[string]any {
	if len(def.OutputKeys) == 0 {
		return maps.Clone(wf.Context)
	}
	out := make(map[string]any, len(def.OutputKeys))
	for _, k := range def.OutputKeys {
		if v, ok := wf.Context[k]; ok {
			out[k] = v
		}
	}
	return out
}

func mergeStepWrites(wf *Workflow, def *Definition, step *Step) {
	spec, ok := def.stepByName(step.Name)
	if !ok {
		return
	}
	if wf.Context == nil {
		wf.Context = make(map[string]any)
	}
	for _, k := range spec.Writes {
		if v, ok := step.Output[k]; ok {
			wf.Context[k] = v
		}
	}
}

func durationSince(start *time.Time, end time.Time) time.Duration {
	if start == nil {
		return 0
	}
	return end.Sub(*start)
}

func stepIdempotencyKey(workflowID, stepName string) string {
	return workflowID + ":" + stepName
}

func newID() string {
	return uuid.NewString()
}
