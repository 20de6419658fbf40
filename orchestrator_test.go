package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"syreclabs.com/go/faker"

	"github.com/michaelayoade/dotmac-platform-services-sub023/backoff"
	"github.com/michaelayoade/dotmac-platform-services-sub023/lock"
	"github.com/michaelayoade/dotmac-platform-services-sub023/notify"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

// recorder tracks handler invocations across a workflow run.
type recorder struct {
	mu          sync.Mutex
	executed    []string
	compensated []string
	inputs      map[string]map[string]any
	payloads    map[string]map[string]any
}

func newRecorder() *recorder {
	return &recorder{
		inputs:   make(map[string]map[string]any),
		payloads: make(map[string]map[string]any),
	}
}

func (r *recorder) exec(name string, out map[string]any) ExecuteFunc {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.executed = append(r.executed, name)
		r.inputs[name] = input
		return out, nil
	}
}

func (r *recorder) undo(name string) CompensateFunc {
	return func(ctx context.Context, input, output map[string]any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.compensated = append(r.compensated, name)
		r.payloads[name] = output
		return nil
	}
}

func (r *recorder) execOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func (r *recorder) undoOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.compensated...)
}

func newOrchestrator(t *testing.T, def *Definition, opts ...Option) (*Orchestrator, *notify.Channel) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	events := notify.NewChannel(128)
	opts = append([]Option{WithNotifier(events)}, opts...)
	o, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o, events
}

func drainEvents(ch <-chan notify.Event) map[notify.Kind]int {
	kinds := make(map[notify.Kind]int)
	for {
		select {
		case ev := <-ch:
			kinds[ev.Kind]++
		default:
			return kinds
		}
	}
}

func fastRetries(spec StepSpec) StepSpec {
	spec.Backoff = &backoff.Constant{Delay: time.Millisecond}
	return spec
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	def := &Definition{
		Type:      TypeProvisionSubscriber,
		InputKeys: []string{"subscriber_id"},
		Steps: []StepSpec{
			{Name: "authenticate", TargetSystem: "radius", Execute: rec.exec("authenticate", nil), Compensate: rec.undo("authenticate")},
			{Name: "allocate_ip", TargetSystem: "netbox", Execute: rec.exec("allocate_ip", nil), MaxRetries: 1},
		},
	}
	o, _ := newOrchestrator(t, def)

	t.Run("unknown type", func(t *testing.T) {
		_, err := o.Submit(ctx, SubmitRequest{Type: "bogus"})
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("Submit error = %v, want ErrUnknownType", err)
		}
	})

	t.Run("missing input key", func(t *testing.T) {
		_, err := o.Submit(ctx, SubmitRequest{Type: TypeProvisionSubscriber})
		if !IsValidation(err) {
			t.Errorf("Submit error = %v, want ValidationError", err)
		}
	})

	t.Run("persists workflow and steps", func(t *testing.T) {
		tenant := faker.Internet().UserName()
		id, err := o.Submit(ctx, SubmitRequest{
			Type:     TypeProvisionSubscriber,
			TenantID: tenant,
			Input:    map[string]any{"subscriber_id": faker.Number().Number(8)},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		view, err := o.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow failed: %v", err)
		}
		wf := view.Workflow
		if wf.Status != StatusPending {
			t.Errorf("status = %s, want pending", wf.Status)
		}
		if wf.TenantID != tenant {
			t.Errorf("tenant = %q, want %q", wf.TenantID, tenant)
		}
		if wf.MaxRetries != DefaultMaxRetries {
			t.Errorf("MaxRetries = %d, want %d", wf.MaxRetries, DefaultMaxRetries)
		}
		if rec.execOrder() != nil {
			t.Error("Submit executed steps; nothing may run before Run")
		}

		steps := view.Steps
		if len(steps) != 2 {
			t.Fatalf("steps = %d, want 2", len(steps))
		}
		for i, step := range steps {
			if step.Order != i {
				t.Errorf("step %s order = %d, want %d", step.Name, step.Order, i)
			}
			if step.Status != StepPending {
				t.Errorf("step %s status = %s, want pending", step.Name, step.Status)
			}
			if want := stepIdempotencyKey(id, step.Name); step.IdempotencyKey != want {
				t.Errorf("step key = %q, want %q", step.IdempotencyKey, want)
			}
		}
		if steps[0].CompensationHandler != "undo_authenticate" {
			t.Errorf("handler = %q, want undo_authenticate", steps[0].CompensationHandler)
		}
		if steps[0].MaxRetries != DefaultMaxRetries {
			t.Errorf("step budget = %d, want %d", steps[0].MaxRetries, DefaultMaxRetries)
		}
		if steps[1].MaxRetries != 1 {
			t.Errorf("step budget = %d, want 1", steps[1].MaxRetries)
		}
	})

	t.Run("request retry override", func(t *testing.T) {
		id, err := o.Submit(ctx, SubmitRequest{
			Type:       TypeProvisionSubscriber,
			Input:      map[string]any{"subscriber_id": "s"},
			MaxRetries: 7,
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		view, _ := o.GetWorkflow(ctx, id)
		if view.Workflow.MaxRetries != 7 {
			t.Errorf("MaxRetries = %d, want 7", view.Workflow.MaxRetries)
		}
	})
}

func TestSubmitIdempotency(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	fail := &failSwitch{}
	def := &Definition{
		Type:                TypeActivateService,
		InputKeys:           []string{"subscriber_id"},
		DisableCompensation: true,
		Steps: []StepSpec{
			{Name: "activate", Execute: fail.exec(rec.exec("activate", nil))},
		},
	}
	store := NewMemoryStore()
	o, _ := newOrchestrator(t, def, WithStore(store))

	req := SubmitRequest{
		Type:           TypeActivateService,
		Input:          map[string]any{"subscriber_id": "sub-1"},
		IdempotencyKey: "order-42",
	}

	first, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	t.Run("same key returns same workflow", func(t *testing.T) {
		again, err := o.Submit(ctx, req)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if again != first {
			t.Errorf("Submit returned %s, want %s", again, first)
		}
		if store.Len() != 1 {
			t.Errorf("store holds %d workflows, want 1", store.Len())
		}
	})

	t.Run("same key different type rejected", func(t *testing.T) {
		reg := o.reg
		reg.MustRegister(&Definition{
			Type:  TypeSuspendService,
			Steps: []StepSpec{{Name: "suspend", Execute: noopExecute}},
		})
		_, err := o.Submit(ctx, SubmitRequest{
			Type:           TypeSuspendService,
			IdempotencyKey: "order-42",
		})
		if !IsValidation(err) {
			t.Errorf("Submit error = %v, want ValidationError", err)
		}
	})

	t.Run("failed workflow can be superseded", func(t *testing.T) {
		fail.set(Permanent(errors.New("cpe offline")))
		if err := o.Run(ctx, first); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		view, _ := o.GetWorkflow(ctx, first)
		if view.Workflow.Status != StatusFailed {
			t.Fatalf("status = %s, want failed", view.Workflow.Status)
		}

		fail.set(nil)
		fresh, err := o.Submit(ctx, req)
		if err != nil {
			t.Fatalf("resubmit failed: %v", err)
		}
		if fresh == first {
			t.Error("resubmit after failure returned the failed workflow")
		}
	})
}

// failSwitch injects an error into an ExecuteFunc while set.
type failSwitch struct {
	mu  sync.Mutex
	err error
}

func (f *failSwitch) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *failSwitch) current() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *failSwitch) exec(next ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if err := f.current(); err != nil {
			return nil, err
		}
		return next(ctx, input)
	}
}

func provisionDef(rec *recorder) *Definition {
	return &Definition{
		Type:      TypeProvisionSubscriber,
		InputKeys: []string{"subscriber_id"},
		Steps: []StepSpec{
			{
				Name:         "authenticate",
				TargetSystem: "radius",
				Execute:      rec.exec("authenticate", map[string]any{"session_id": "sess-9"}),
				Compensate:   rec.undo("authenticate"),
				Writes:       []string{"session_id"},
			},
			{
				Name:         "allocate_ip",
				TargetSystem: "netbox",
				Execute:      rec.exec("allocate_ip", map[string]any{"ip_address": "100.64.0.7"}),
				Compensate:   rec.undo("allocate_ip"),
				Reads:        []string{"session_id"},
				Writes:       []string{"ip_address"},
			},
			{
				Name:         "create_billing",
				TargetSystem: "billing",
				Execute:      rec.exec("create_billing", map[string]any{"invoice_id": "inv-1"}),
				Compensate:   rec.undo("create_billing"),
				Reads:        []string{"ip_address"},
				Writes:       []string{"invoice_id"},
			},
		},
		OutputKeys: []string{"ip_address", "invoice_id"},
	}
}

func TestRunHappyPath(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	o, events := newOrchestrator(t, provisionDef(rec))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, err := o.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	wf := view.Workflow

	if wf.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", wf.Status)
	}
	if wf.StartedAt == nil || wf.CompletedAt == nil {
		t.Error("StartedAt/CompletedAt not set")
	}
	if wf.Output["ip_address"] != "100.64.0.7" || wf.Output["invoice_id"] != "inv-1" {
		t.Errorf("output = %v, want ip_address and invoice_id", wf.Output)
	}
	if _, ok := wf.Output["session_id"]; ok {
		t.Error("output leaked a key outside OutputKeys")
	}

	want := []string{"authenticate", "allocate_ip", "create_billing"}
	got := rec.execOrder()
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("execution order = %v, want %v", got, want)
	}
	if n := len(rec.undoOrder()); n != 0 {
		t.Errorf("compensations ran on the happy path: %d", n)
	}

	// Context flows downstream: later steps see earlier writes.
	if rec.inputs["allocate_ip"]["session_id"] != "sess-9" {
		t.Error("allocate_ip did not receive session_id")
	}
	if rec.inputs["create_billing"]["ip_address"] != "100.64.0.7" {
		t.Error("create_billing did not receive ip_address")
	}
	if rec.inputs["authenticate"]["subscriber_id"] != "sub-1" {
		t.Error("authenticate did not receive workflow input")
	}

	for _, step := range view.Steps {
		if step.Status != StepCompleted {
			t.Errorf("step %s = %s, want completed", step.Name, step.Status)
		}
		if step.CompletedAt == nil {
			t.Errorf("step %s missing CompletedAt", step.Name)
		}
	}

	kinds := drainEvents(events.Events())
	if kinds[notify.WorkflowStarted] != 1 || kinds[notify.WorkflowCompleted] != 1 {
		t.Errorf("lifecycle events = %v", kinds)
	}
	if kinds[notify.StepStarted] != 3 || kinds[notify.StepCompleted] != 3 {
		t.Errorf("step events = %v", kinds)
	}
}

func TestRunFailureCompensatesReverse(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	def := provisionDef(rec)
	def.Steps[2].Execute = func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, Permanent(errors.New("billing rejected account"))
	}
	o, events := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	wf := view.Workflow
	if wf.Status != StatusCompensated {
		t.Fatalf("status = %s, want compensated", wf.Status)
	}
	if wf.Error == "" || wf.FailedAt == nil {
		t.Error("failure not recorded on workflow")
	}
	if wf.ErrorDetails["failed_step"] != "create_billing" {
		t.Errorf("failed_step = %v, want create_billing", wf.ErrorDetails["failed_step"])
	}
	if wf.CompensationStartedAt == nil || wf.CompensationCompletedAt == nil {
		t.Error("compensation window not recorded")
	}
	if wf.CompensationError != "" {
		t.Errorf("CompensationError = %q, want empty", wf.CompensationError)
	}

	// Undo runs newest first and skips the failed step itself.
	undo := rec.undoOrder()
	if len(undo) != 2 || undo[0] != "allocate_ip" || undo[1] != "authenticate" {
		t.Errorf("compensation order = %v, want [allocate_ip authenticate]", undo)
	}
	if rec.payloads["allocate_ip"]["ip_address"] != "100.64.0.7" {
		t.Error("compensation did not receive the step output")
	}

	byName := make(map[string]*Step)
	for _, s := range view.Steps {
		byName[s.Name] = s
	}
	if byName["create_billing"].Status != StepFailed {
		t.Errorf("failed step = %s, want failed", byName["create_billing"].Status)
	}
	if byName["allocate_ip"].Status != StepCompensated || byName["authenticate"].Status != StepCompensated {
		t.Error("completed steps were not compensated")
	}
	if byName["allocate_ip"].CompensationCompletedAt == nil {
		t.Error("compensation timestamps missing")
	}

	kinds := drainEvents(events.Events())
	if kinds[notify.WorkflowRollingBack] != 1 || kinds[notify.WorkflowCompensated] != 1 {
		t.Errorf("rollback events = %v", kinds)
	}
	if kinds[notify.StepCompensated] != 2 {
		t.Errorf("step.compensated = %d, want 2", kinds[notify.StepCompensated])
	}
}

func TestRunCompensationFailure(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	def := provisionDef(rec)
	// allocate_ip cannot be undone; authenticate still must be.
	def.Steps[1].Compensate = func(ctx context.Context, input, output map[string]any) error {
		return Permanent(errors.New("netbox: prefix already released"))
	}
	def.Steps[2].Execute = func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, Permanent(errors.New("billing down"))
	}
	o, _ := newOrchestrator(t, def, WithCompensationBudget(0, time.Millisecond))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	wf := view.Workflow
	if wf.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back when a compensation fails", wf.Status)
	}
	if wf.CompensationError == "" {
		t.Error("CompensationError not recorded")
	}

	byName := make(map[string]*Step)
	for _, s := range view.Steps {
		byName[s.Name] = s
	}
	if byName["allocate_ip"].Status != StepCompensationFailed {
		t.Errorf("allocate_ip = %s, want compensation_failed", byName["allocate_ip"].Status)
	}
	// The runner continued past the failure.
	if byName["authenticate"].Status != StepCompensated {
		t.Errorf("authenticate = %s, want compensated", byName["authenticate"].Status)
	}
}

func TestRunDisableCompensation(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	def := &Definition{
		Type:                TypeUpdateNetworkConfig,
		DisableCompensation: true,
		Steps: []StepSpec{
			{Name: "push_config", Execute: rec.exec("push_config", nil), Compensate: rec.undo("push_config")},
			{Name: "verify_config", Execute: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				return nil, Permanent(errors.New("verification failed"))
			}},
			{Name: "commit_config", Execute: rec.exec("commit_config", nil)},
		},
	}
	o, events := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{Type: TypeUpdateNetworkConfig})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", view.Workflow.Status)
	}
	if n := len(rec.undoOrder()); n != 0 {
		t.Errorf("compensation ran despite DisableCompensation: %d", n)
	}

	byName := make(map[string]*Step)
	for _, s := range view.Steps {
		byName[s.Name] = s
	}
	if byName["push_config"].Status != StepCompleted {
		t.Errorf("push_config = %s, want completed (left as-is)", byName["push_config"].Status)
	}
	if byName["verify_config"].Status != StepFailed {
		t.Errorf("verify_config = %s, want failed", byName["verify_config"].Status)
	}
	if byName["commit_config"].Status != StepSkipped {
		t.Errorf("commit_config = %s, want skipped", byName["commit_config"].Status)
	}

	kinds := drainEvents(events.Events())
	if kinds[notify.WorkflowFailed] != 1 {
		t.Errorf("events = %v, want one workflow failed", kinds)
	}
}

func TestRunNonCompensableStepSkipped(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	def := &Definition{
		Type: TypeChangeServicePlan,
		Steps: []StepSpec{
			// No compensate function: its effect stays on rollback.
			{Name: "audit_log", Execute: rec.exec("audit_log", nil)},
			{Name: "update_plan", Execute: rec.exec("update_plan", nil), Compensate: rec.undo("update_plan")},
			{Name: "apply_qos", Execute: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				return nil, Permanent(errors.New("qos rejected"))
			}},
		},
	}
	o, _ := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{Type: TypeChangeServicePlan})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	// Non-compensable completed work does not poison the outcome.
	if view.Workflow.Status != StatusCompensated {
		t.Fatalf("status = %s, want compensated", view.Workflow.Status)
	}

	byName := make(map[string]*Step)
	for _, s := range view.Steps {
		byName[s.Name] = s
	}
	if byName["audit_log"].Status != StepSkipped {
		t.Errorf("audit_log = %s, want skipped", byName["audit_log"].Status)
	}
	if byName["update_plan"].Status != StepCompensated {
		t.Errorf("update_plan = %s, want compensated", byName["update_plan"].Status)
	}
}

func TestRunTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	o, _ := newOrchestrator(t, provisionDef(rec))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if got := len(rec.execOrder()); got != 3 {
		t.Errorf("steps executed %d times, want 3 (no re-execution)", got)
	}
}

func TestRunLocked(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	locker := lock.NewMemory()
	o, _ := newOrchestrator(t, provisionDef(rec), WithLocker(locker))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	token, err := locker.Acquire(ctx, id, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := o.Run(ctx, id); !errors.Is(err, ErrLocked) {
		t.Errorf("Run error = %v, want ErrLocked", err)
	}
	if err := locker.Release(ctx, id, token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run after release failed: %v", err)
	}
}

func TestCancelPendingWorkflow(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	o, events := newOrchestrator(t, provisionDef(rec))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", view.Workflow.Status)
	}
	for _, step := range view.Steps {
		if step.Status != StepSkipped {
			t.Errorf("step %s = %s, want skipped", step.Name, step.Status)
		}
	}
	if len(rec.execOrder()) != 0 || len(rec.undoOrder()) != 0 {
		t.Error("cancelling a pending workflow ran handlers")
	}

	kinds := drainEvents(events.Events())
	if kinds[notify.WorkflowCancelled] != 1 || kinds[notify.WorkflowRolledBack] != 1 {
		t.Errorf("events = %v", kinds)
	}

	t.Run("cancel after terminal rejected", func(t *testing.T) {
		if err := o.Cancel(ctx, id); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Cancel error = %v, want ErrInvalidStatus", err)
		}
	})
}

func TestCancelRunningWorkflow(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()

	inFlight := make(chan struct{})
	def := &Definition{
		Type:      TypeProvisionSubscriber,
		InputKeys: []string{"subscriber_id"},
		Steps: []StepSpec{
			{
				Name:       "authenticate",
				Execute:    rec.exec("authenticate", map[string]any{"session_id": "sess-1"}),
				Compensate: rec.undo("authenticate"),
				Writes:     []string{"session_id"},
			},
			{
				Name: "activate_onu",
				Execute: func(ctx context.Context, input map[string]any) (map[string]any, error) {
					close(inFlight)
					<-ctx.Done()
					return nil, ctx.Err()
				},
				Compensate: rec.undo("activate_onu"),
			},
		},
	}
	o, _ := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, id) }()

	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}
	if err := o.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after cancel rollback", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after cancel")
	}

	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", view.Workflow.Status)
	}

	byName := make(map[string]*Step)
	for _, s := range view.Steps {
		byName[s.Name] = s
	}
	// The interrupted step is failed, never compensated; the completed
	// one is undone.
	if byName["activate_onu"].Status != StepFailed {
		t.Errorf("activate_onu = %s, want failed", byName["activate_onu"].Status)
	}
	if byName["authenticate"].Status != StepCompensated {
		t.Errorf("authenticate = %s, want compensated", byName["authenticate"].Status)
	}
	undo := rec.undoOrder()
	if len(undo) != 1 || undo[0] != "authenticate" {
		t.Errorf("compensated %v, want [authenticate]", undo)
	}
}

func TestWorkflowDeadline(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	def := &Definition{
		Type:    TypeMigrateSubscriber,
		Timeout: 50 * time.Millisecond,
		Steps: []StepSpec{
			{Name: "export_profile", Execute: rec.exec("export_profile", nil), Compensate: rec.undo("export_profile")},
			{Name: "import_profile", Execute: func(ctx context.Context, input map[string]any) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
	}
	o, _ := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{Type: TypeMigrateSubscriber})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusRolledBack {
		t.Fatalf("status = %s, want rolled_back on deadline", view.Workflow.Status)
	}
	undo := rec.undoOrder()
	if len(undo) != 1 || undo[0] != "export_profile" {
		t.Errorf("compensated %v, want [export_profile]", undo)
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	fail := &failSwitch{}
	fail.set(Permanent(errors.New("voltha flow install failed")))
	def := &Definition{
		Type:                TypeActivateService,
		DisableCompensation: true,
		MaxRetries:          2,
		Steps: []StepSpec{
			{Name: "reserve", Execute: rec.exec("reserve", map[string]any{"port_id": "p1"}), Writes: []string{"port_id"}},
			{Name: "install_flows", Execute: fail.exec(rec.exec("install_flows", nil)), Reads: []string{"port_id"}},
		},
	}
	o, _ := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{Type: TypeActivateService})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", view.Workflow.Status)
	}

	t.Run("retry rejected while not failed", func(t *testing.T) {
		other, err := o.Submit(ctx, SubmitRequest{Type: TypeActivateService})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if err := o.Retry(ctx, other); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Retry error = %v, want ErrInvalidStatus", err)
		}
	})

	t.Run("retry heals and completes", func(t *testing.T) {
		fail.set(nil)
		if err := o.Retry(ctx, id); err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		view, _ := o.GetWorkflow(ctx, id)
		if view.Workflow.Status != StatusCompleted {
			t.Fatalf("status = %s, want completed", view.Workflow.Status)
		}
		if view.Workflow.RetryCount != 1 {
			t.Errorf("RetryCount = %d, want 1", view.Workflow.RetryCount)
		}
		// reserve completed on the first drive; only install_flows reruns.
		execs := rec.execOrder()
		reserves := 0
		for _, name := range execs {
			if name == "reserve" {
				reserves++
			}
		}
		if reserves != 1 {
			t.Errorf("reserve executed %d times, want 1", reserves)
		}
		// Retry saw the context written before the failure.
		if rec.inputs["install_flows"]["port_id"] != "p1" {
			t.Error("retried step lost upstream context")
		}
	})
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	fail := &failSwitch{}
	fail.set(Permanent(errors.New("still broken")))
	def := &Definition{
		Type:                TypeTerminateService,
		DisableCompensation: true,
		Steps: []StepSpec{
			{Name: "terminate", Execute: fail.exec(noopExecute)},
		},
	}
	o, _ := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{Type: TypeTerminateService, MaxRetries: 1})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// First retry is within budget and fails again.
	if err := o.Retry(ctx, id); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusFailed || view.Workflow.RetryCount != 1 {
		t.Fatalf("after retry: status=%s retries=%d", view.Workflow.Status, view.Workflow.RetryCount)
	}

	if err := o.Retry(ctx, id); !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Retry error = %v, want ErrRetryExhausted", err)
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	fail := &failSwitch{}
	fail.set(Permanent(errors.New("cpe offline")))
	def := &Definition{
		Type:                TypeUpdateNetworkConfig,
		DisableCompensation: true,
		MaxRetries:          2,
		Steps: []StepSpec{
			{Name: "reserve_vlan", Execute: rec.exec("reserve_vlan", map[string]any{"vlan_id": 204})},
			{Name: "push_cpe_config", Execute: fail.exec(rec.exec("push_cpe_config", nil))},
		},
	}
	o, _ := newOrchestrator(t, def)

	id, err := o.Submit(ctx, SubmitRequest{Type: TypeUpdateNetworkConfig})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before := len(rec.execOrder())

	// Requeue resets state but executes nothing.
	if err := o.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusRunning {
		t.Fatalf("status = %s, want running", view.Workflow.Status)
	}
	if view.Workflow.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", view.Workflow.RetryCount)
	}
	if view.Steps[1].Status != StepPending {
		t.Errorf("push_cpe_config status = %s, want pending", view.Steps[1].Status)
	}
	if got := len(rec.execOrder()); got != before {
		t.Errorf("executions after requeue = %d, want %d", got, before)
	}

	// The next sweep claims and finishes it.
	fail.set(nil)
	n, err := o.Recover(ctx, 0)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Recover resumed %d workflows, want 1", n)
	}
	view, _ = o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", view.Workflow.Status)
	}

	if err := o.Requeue(ctx, id); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Requeue error = %v, want ErrInvalidStatus", err)
	}
}

func TestRunResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	store := NewMemoryStore()
	o, _ := newOrchestrator(t, provisionDef(rec), WithStore(store))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Shape the store like a runner that died after the first step.
	wf, _ := store.GetWorkflow(ctx, id)
	started := time.Now().UTC().Add(-time.Minute)
	wf.Status = StatusRunning
	wf.StartedAt = &started
	if err := store.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("UpdateWorkflow failed: %v", err)
	}
	steps, _ := store.GetSteps(ctx, id)
	first := steps[0]
	first.Status = StepCompleted
	first.Output = map[string]any{"session_id": "sess-9"}
	if err := store.UpdateStep(ctx, first); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}

	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Workflow.Status)
	}
	execs := rec.execOrder()
	for _, name := range execs {
		if name == "authenticate" {
			t.Error("completed step re-executed on resume")
		}
	}
	// The resumed run re-merged the completed step's writes.
	if rec.inputs["allocate_ip"]["session_id"] != "sess-9" {
		t.Error("resume lost the completed step's context writes")
	}
}

func TestRunResumesRollback(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	store := NewMemoryStore()
	o, _ := newOrchestrator(t, provisionDef(rec), WithStore(store))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A crash mid-rollback: workflow parked in rolling_back, one step
	// completed, one failed, one never reached.
	wf, _ := store.GetWorkflow(ctx, id)
	wf.Status = StatusRollingBack
	wf.Error = "step allocate_ip failed"
	if err := store.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("UpdateWorkflow failed: %v", err)
	}
	steps, _ := store.GetSteps(ctx, id)
	steps[0].Status = StepCompleted
	steps[0].Output = map[string]any{"session_id": "sess-9"}
	if err := store.UpdateStep(ctx, steps[0]); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}
	steps[1].Status = StepFailed
	if err := store.UpdateStep(ctx, steps[1]); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}

	if err := o.Run(ctx, id); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	view, _ := o.GetWorkflow(ctx, id)
	if view.Workflow.Status != StatusCompensated {
		t.Fatalf("status = %s, want compensated", view.Workflow.Status)
	}
	undo := rec.undoOrder()
	if len(undo) != 1 || undo[0] != "authenticate" {
		t.Errorf("compensated %v, want [authenticate]", undo)
	}
	byName := make(map[string]*Step)
	for _, s := range view.Steps {
		byName[s.Name] = s
	}
	if byName["create_billing"].Status != StepSkipped {
		t.Errorf("unreached step = %s, want skipped", byName["create_billing"].Status)
	}
}

func TestUpdateWorkflowConflictRetries(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	store := NewMemoryStore()
	o, _ := newOrchestrator(t, provisionDef(rec), WithStore(store))

	id, err := o.Submit(ctx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	mine, _ := store.GetWorkflow(ctx, id)

	// Another writer slips in and bumps the version.
	other, _ := store.GetWorkflow(ctx, id)
	other.RetryCount = 9
	if err := store.UpdateWorkflow(ctx, other); err != nil {
		t.Fatalf("concurrent update failed: %v", err)
	}

	if err := o.updateWorkflow(ctx, mine, func(w *Workflow) {
		w.Status = StatusRunning
	}); err != nil {
		t.Fatalf("updateWorkflow failed: %v", err)
	}

	got, _ := store.GetWorkflow(ctx, id)
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.RetryCount != 9 {
		t.Errorf("RetryCount = %d, concurrent write lost", got.RetryCount)
	}
	if mine.Version != got.Version {
		t.Errorf("caller version %d != stored %d", mine.Version, got.Version)
	}
}

func TestStartDetached(t *testing.T) {
	rec := newRecorder()
	o, events := newOrchestrator(t, provisionDef(rec))

	callerCtx, cancel := context.WithCancel(context.Background())
	id, err := o.Submit(callerCtx, SubmitRequest{
		Type:  TypeProvisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	o.Start(callerCtx, id)
	cancel() // caller goes away; the workflow must still finish

	deadline := time.After(5 * time.Second)
	for {
		view, err := o.GetWorkflow(context.Background(), id)
		if err == nil && view.Workflow.Status == StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow did not complete, status %s", view.Workflow.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	kinds := drainEvents(events.Events())
	if kinds[notify.WorkflowCompleted] != 1 {
		t.Errorf("events = %v, want one workflow completed", kinds)
	}
}
