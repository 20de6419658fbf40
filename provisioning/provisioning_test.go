package provisioning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	workflow "github.com/michaelayoade/dotmac-platform-services-sub023"
	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
)

// fleet is one shared recorder behind every fake target system, so step
// ordering can be asserted across systems. Canned outputs and failures
// are keyed by step type.
type fleet struct {
	mu       sync.Mutex
	execs    []string
	undos    []string
	requests map[string]adapter.Request
	undoReqs map[string]adapter.Request
	undoOut  map[string]map[string]any
	results  map[string]map[string]any
	execErr  map[string]error
}

func newFleet() *fleet {
	return &fleet{
		requests: make(map[string]adapter.Request),
		undoReqs: make(map[string]adapter.Request),
		undoOut:  make(map[string]map[string]any),
		results:  make(map[string]map[string]any),
		execErr:  make(map[string]error),
	}
}

func (f *fleet) provide(stepType string, out map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[stepType] = out
}

func (f *fleet) fail(stepType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr[stepType] = err
}

func (f *fleet) execOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

func (f *fleet) undoOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.undos...)
}

func (f *fleet) request(stepName string) adapter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[stepName]
}

func (f *fleet) undoRequest(stepName string) adapter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.undoReqs[stepName]
}

func (f *fleet) undoPayload(stepName string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.undoOut[stepName]
}

type fakeSystem struct {
	f *fleet
}

func (s *fakeSystem) Execute(ctx context.Context, req adapter.Request) (map[string]any, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.execs = append(s.f.execs, req.StepName)
	s.f.requests[req.StepName] = req
	if err := s.f.execErr[req.StepType]; err != nil {
		return nil, err
	}
	return s.f.results[req.StepType], nil
}

func (s *fakeSystem) Compensate(ctx context.Context, req adapter.Request, output map[string]any) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.undos = append(s.f.undos, req.StepName)
	s.f.undoReqs[req.StepName] = req
	s.f.undoOut[req.StepName] = output
	return nil
}

func (f *fleet) registry(t *testing.T, systems ...string) *adapter.Registry {
	t.Helper()
	if len(systems) == 0 {
		systems = []string{
			adapter.SystemRADIUS,
			adapter.SystemNetBox,
			adapter.SystemVOLTHA,
			adapter.SystemGenieACS,
			adapter.SystemBilling,
		}
	}
	reg := adapter.NewRegistry()
	for _, sys := range systems {
		if err := reg.Register(sys, &fakeSystem{f: f}); err != nil {
			t.Fatalf("register %s failed: %v", sys, err)
		}
	}
	return reg
}

// runWorkflow registers the full catalog against the fleet, submits one
// workflow, and drives it to its outcome.
func runWorkflow(t *testing.T, adapters *adapter.Registry, req workflow.SubmitRequest) (*workflow.Orchestrator, *workflow.View) {
	t.Helper()
	reg := workflow.NewRegistry()
	if err := Register(reg, adapters); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	o, err := workflow.New(reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	id, err := o.Submit(ctx, req)
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
	return o, view
}

func stepByName(t *testing.T, view *workflow.View, name string) *workflow.Step {
	t.Helper()
	for _, s := range view.Steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return nil
}

func TestDefinitionsValidate(t *testing.T) {
	f := newFleet()
	adapters := f.registry(t)
	defs := Definitions(adapters)
	if len(defs) != len(workflow.Types()) {
		t.Fatalf("len(Definitions) = %d, want %d", len(defs), len(workflow.Types()))
	}
	for _, def := range defs {
		t.Run(string(def.Type), func(t *testing.T) {
			if err := def.Validate(); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestRegisterCoversEveryType(t *testing.T) {
	f := newFleet()
	reg := workflow.NewRegistry()
	if err := Register(reg, f.registry(t)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	registered := make(map[workflow.Type]bool)
	for _, typ := range reg.Types() {
		registered[typ] = true
	}
	for _, typ := range workflow.Types() {
		if !registered[typ] {
			t.Errorf("type %s not registered", typ)
		}
	}
}

func TestProvisionSubscriberHappyPath(t *testing.T) {
	f := newFleet()
	f.provide("radius_create_user", map[string]any{"radius_username": "sub-1001@isp"})
	f.provide("ipam_allocate_ip", map[string]any{"ip_address": "100.64.12.7", "prefix_id": "pfx-9"})
	f.provide("onu_activate", map[string]any{"onu_id": "onu-f00d", "olt_port": "olt1/1/7"})
	f.provide("cpe_provision", map[string]any{"cpe_config_id": "cfg-33"})
	f.provide("billing_create_account", map[string]any{"billing_account_id": "acct-55"})

	_, view := runWorkflow(t, f.registry(t), workflow.SubmitRequest{
		Type:     workflow.TypeProvisionSubscriber,
		TenantID: "tenant-42",
		Input: map[string]any{
			"subscriber_id": "sub-1001",
			"plan_id":       "fiber-500",
			"onu_serial":    "ALCL00F00D",
		},
	})

	if view.Workflow.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want %s (error: %s)", view.Workflow.Status, workflow.StatusCompleted, view.Workflow.Error)
	}
	wantOutput := map[string]any{
		"ip_address":         "100.64.12.7",
		"onu_id":             "onu-f00d",
		"billing_account_id": "acct-55",
	}
	if diff := cmp.Diff(wantOutput, view.Workflow.Output); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	wantOrder := []string{"authenticate", "allocate_ip", "activate_onu", "configure_cpe", "create_billing"}
	if diff := cmp.Diff(wantOrder, f.execOrder()); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
	if undos := f.undoOrder(); len(undos) != 0 {
		t.Errorf("compensations ran on success: %v", undos)
	}

	// Derived values flow to later steps through declared reads.
	cpe := f.request("configure_cpe")
	if got := cpe.Input["ip_address"]; got != "100.64.12.7" {
		t.Errorf("configure_cpe ip_address = %v, want 100.64.12.7", got)
	}
	if got := cpe.Input["onu_id"]; got != "onu-f00d" {
		t.Errorf("configure_cpe onu_id = %v, want onu-f00d", got)
	}

	billing := f.request("create_billing")
	if billing.WorkflowID != view.Workflow.ID {
		t.Errorf("request workflow ID = %q, want %q", billing.WorkflowID, view.Workflow.ID)
	}
	if billing.TenantID != "tenant-42" {
		t.Errorf("request tenant = %q, want tenant-42", billing.TenantID)
	}
	if billing.StepType != "billing_create_account" {
		t.Errorf("request step type = %q, want billing_create_account", billing.StepType)
	}
	if billing.TargetSystem != adapter.SystemBilling {
		t.Errorf("request target system = %q, want %q", billing.TargetSystem, adapter.SystemBilling)
	}
	if billing.IdempotencyKey == "" {
		t.Error("request idempotency key is empty")
	}
}

func TestProvisionSubscriberRollsBack(t *testing.T) {
	f := newFleet()
	f.provide("radius_create_user", map[string]any{"radius_username": "sub-1001@isp"})
	f.provide("ipam_allocate_ip", map[string]any{"ip_address": "100.64.12.7", "prefix_id": "pfx-9"})
	f.provide("onu_activate", map[string]any{"onu_id": "onu-f00d", "olt_port": "olt1/1/7"})
	f.provide("cpe_provision", map[string]any{"cpe_config_id": "cfg-33"})
	f.fail("billing_create_account", workflow.Permanent(errors.New("credit check failed")))

	_, view := runWorkflow(t, f.registry(t), workflow.SubmitRequest{
		Type: workflow.TypeProvisionSubscriber,
		Input: map[string]any{
			"subscriber_id": "sub-1001",
			"plan_id":       "fiber-500",
			"onu_serial":    "ALCL00F00D",
		},
	})

	if view.Workflow.Status != workflow.StatusCompensated {
		t.Fatalf("status = %s, want %s", view.Workflow.Status, workflow.StatusCompensated)
	}
	if got := view.Workflow.ErrorDetails["failed_step"]; got != "create_billing" {
		t.Errorf("failed_step = %v, want create_billing", got)
	}

	wantUndo := []string{"configure_cpe", "activate_onu", "allocate_ip", "authenticate"}
	if diff := cmp.Diff(wantUndo, f.undoOrder()); diff != "" {
		t.Errorf("compensation order mismatch (-want +got):\n%s", diff)
	}

	// Each undo receives the recorded output of its forward step.
	wantPayload := map[string]any{"ip_address": "100.64.12.7", "prefix_id": "pfx-9"}
	if diff := cmp.Diff(wantPayload, f.undoPayload("allocate_ip")); diff != "" {
		t.Errorf("allocate_ip payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDeprovisionRollsForwardOnly(t *testing.T) {
	f := newFleet()
	f.provide("billing_close_account", map[string]any{"invoice_id": "inv-final-7"})
	f.fail("onu_deactivate", workflow.Permanent(errors.New("olt unreachable")))

	_, view := runWorkflow(t, f.registry(t), workflow.SubmitRequest{
		Type:  workflow.TypeDeprovisionSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1001"},
	})

	if view.Workflow.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want %s", view.Workflow.Status, workflow.StatusFailed)
	}
	if undos := f.undoOrder(); len(undos) != 0 {
		t.Errorf("teardown compensated: %v", undos)
	}
	if got := stepByName(t, view, "close_billing").Status; got != workflow.StepCompleted {
		t.Errorf("close_billing status = %s, want %s", got, workflow.StepCompleted)
	}
	if got := stepByName(t, view, "deactivate_onu").Status; got != workflow.StepFailed {
		t.Errorf("deactivate_onu status = %s, want %s", got, workflow.StepFailed)
	}
	for _, name := range []string{"release_ip", "remove_radius_user"} {
		if got := stepByName(t, view, name).Status; got != workflow.StepSkipped {
			t.Errorf("%s status = %s, want %s", name, got, workflow.StepSkipped)
		}
	}
}

func TestChangePlanRestoresOnCommitFailure(t *testing.T) {
	f := newFleet()
	f.provide("billing_validate_plan", map[string]any{"qos_profile": "fiber-500-qos"})
	f.fail("billing_commit_plan", workflow.Permanent(errors.New("plan not offered in region")))

	_, view := runWorkflow(t, f.registry(t), workflow.SubmitRequest{
		Type:  workflow.TypeChangeServicePlan,
		Input: map[string]any{"subscriber_id": "sub-1001", "new_plan_id": "fiber-500"},
	})

	if view.Workflow.Status != workflow.StatusCompensated {
		t.Fatalf("status = %s, want %s", view.Workflow.Status, workflow.StatusCompensated)
	}
	wantUndo := []string{"update_radius_plan", "update_bandwidth"}
	if diff := cmp.Diff(wantUndo, f.undoOrder()); diff != "" {
		t.Errorf("compensation order mismatch (-want +got):\n%s", diff)
	}
	// validate_plan has no undo and is skipped rather than blocking the
	// compensated outcome.
	if got := stepByName(t, view, "validate_plan").Status; got != workflow.StepSkipped {
		t.Errorf("validate_plan status = %s, want %s", got, workflow.StepSkipped)
	}
	if got := f.undoRequest("update_bandwidth").Input["qos_profile"]; got != "fiber-500-qos" {
		t.Errorf("update_bandwidth undo qos_profile = %v, want fiber-500-qos", got)
	}
}

func TestMigrateRollsBackToOldPort(t *testing.T) {
	f := newFleet()
	f.provide("onu_provision_port", map[string]any{"new_onu_id": "onu-beef"})
	f.provide("ipam_reallocate_ip", map[string]any{"new_ip_address": "100.64.40.2"})
	f.fail("onu_release_port", workflow.Permanent(errors.New("old port still carrying traffic")))

	_, view := runWorkflow(t, f.registry(t), workflow.SubmitRequest{
		Type:  workflow.TypeMigrateSubscriber,
		Input: map[string]any{"subscriber_id": "sub-1001", "target_olt_id": "olt-2"},
	})

	if view.Workflow.Status != workflow.StatusCompensated {
		t.Fatalf("status = %s, want %s", view.Workflow.Status, workflow.StatusCompensated)
	}
	if got := view.Workflow.ErrorDetails["failed_step"]; got != "release_old_port" {
		t.Errorf("failed_step = %v, want release_old_port", got)
	}
	wantUndo := []string{"rebind_radius", "reconfigure_cpe", "reallocate_ip", "provision_new_port"}
	if diff := cmp.Diff(wantUndo, f.undoOrder()); diff != "" {
		t.Errorf("compensation order mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingAdapterFailsPermanently(t *testing.T) {
	f := newFleet()
	f.provide("radius_create_user", map[string]any{"radius_username": "sub-1001@isp"})
	f.provide("ipam_allocate_ip", map[string]any{"ip_address": "100.64.12.7", "prefix_id": "pfx-9"})
	f.provide("onu_activate", map[string]any{"onu_id": "onu-f00d", "olt_port": "olt1/1/7"})
	f.provide("cpe_provision", map[string]any{"cpe_config_id": "cfg-33"})
	adapters := f.registry(t,
		adapter.SystemRADIUS,
		adapter.SystemNetBox,
		adapter.SystemVOLTHA,
		adapter.SystemGenieACS,
	)

	_, view := runWorkflow(t, adapters, workflow.SubmitRequest{
		Type: workflow.TypeProvisionSubscriber,
		Input: map[string]any{
			"subscriber_id": "sub-1001",
			"plan_id":       "fiber-500",
			"onu_serial":    "ALCL00F00D",
		},
	})

	if view.Workflow.Status != workflow.StatusCompensated {
		t.Fatalf("status = %s, want %s", view.Workflow.Status, workflow.StatusCompensated)
	}
	billing := stepByName(t, view, "create_billing")
	if billing.Status != workflow.StepFailed {
		t.Errorf("create_billing status = %s, want %s", billing.Status, workflow.StepFailed)
	}
	if !strings.Contains(billing.Error, "no adapter registered for billing") {
		t.Errorf("create_billing error = %q, want missing-adapter message", billing.Error)
	}
	// Missing adapters fail on the first attempt, without retries.
	if got := billing.RetryCount; got != 0 {
		t.Errorf("create_billing retry count = %d, want 0", got)
	}
}
