// Package adapter defines the contract between the orchestrator and the
// external systems it provisions against.
//
// Each target system (RADIUS, NetBox IPAM, VOLTHA, GenieACS, billing) is
// reached through one Adapter. The orchestrator never talks to a target
// system directly: workflow definitions bind step handlers to adapters
// resolved from a Registry, so swapping a real NetBox client for a fake in
// tests is a registration change, not a code change.
//
// Adapters must be idempotent with respect to Request.IdempotencyKey:
// executing the same request twice must produce one external side effect
// and the same result (see the idempotency package for ready-made result
// stores). Adapters must also tolerate being abandoned mid-call when the
// request context is cancelled.
//
// # Usage
//
//	reg := adapter.NewRegistry()
//	reg.Register(adapter.SystemNetBox, netboxAdapter)
//	reg.Register(adapter.SystemVOLTHA,
//	    adapter.WithRateLimit(volthaAdapter, 10, 5)) // 10 rps, burst 5
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Target systems orchestrated by the provisioning platform.
const (
	SystemRADIUS   = "radius"
	SystemNetBox   = "netbox"
	SystemVOLTHA   = "voltha"
	SystemGenieACS = "genieacs"
	SystemBilling  = "billing"
)

// Per-attempt timeout classes. Optical and CPE management calls touch
// physical devices and get the longest deadlines; AAA calls traverse the
// access network; IPAM and billing are ordinary API servers.
const (
	TimeoutDevice  = 45 * time.Second
	TimeoutNetwork = 30 * time.Second
	TimeoutAPI     = 15 * time.Second
	TimeoutDefault = 10 * time.Second
)

// DefaultTimeout returns the per-attempt timeout class for a target
// system. Unknown systems get TimeoutDefault.
func DefaultTimeout(system string) time.Duration {
	switch system {
	case SystemVOLTHA, SystemGenieACS:
		return TimeoutDevice
	case SystemRADIUS:
		return TimeoutNetwork
	case SystemNetBox, SystemBilling:
		return TimeoutAPI
	default:
		return TimeoutDefault
	}
}

// Request carries one step invocation to an adapter.
type Request struct {
	WorkflowID     string
	TenantID       string
	StepName       string
	StepType       string
	TargetSystem   string
	IdempotencyKey string
	Input          map[string]any
}

// Adapter executes one step against a target system.
//
// Implementations must be safe for concurrent use; the orchestrator runs
// many workflows in parallel against the same adapter.
type Adapter interface {
	// Execute performs the step and returns its output data.
	// Errors should be wrapped with workflow.Retryable or
	// workflow.Permanent to steer the retry loop; unwrapped errors are
	// treated as retryable.
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Compensator is implemented by adapters that can undo a completed step.
type Compensator interface {
	// Compensate undoes the effect of a previously completed Execute,
	// given the request and its recorded output.
	Compensate(ctx context.Context, req Request, output map[string]any) error
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, req Request) (map[string]any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Funcs adapts an execute/compensate function pair to an Adapter that is
// also a Compensator.
type Funcs struct {
	ExecuteFunc    func(ctx context.Context, req Request) (map[string]any, error)
	CompensateFunc func(ctx context.Context, req Request, output map[string]any) error
}

// Execute calls ExecuteFunc.
func (f Funcs) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f.ExecuteFunc(ctx, req)
}

// Compensate calls CompensateFunc.
func (f Funcs) Compensate(ctx context.Context, req Request, output map[string]any) error {
	return f.CompensateFunc(ctx, req, output)
}

// Registry resolves adapters by target system.
//
// Registration happens at process start; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a target system.
// Registering the same system twice is an error.
func (r *Registry) Register(system string, a Adapter) error {
	if system == "" {
		return fmt.Errorf("target system name required")
	}
	if a == nil {
		return fmt.Errorf("adapter required for system %q", system)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[system]; exists {
		return fmt.Errorf("adapter already registered for system %q", system)
	}
	r.adapters[system] = a
	return nil
}

// Get returns the adapter for a target system.
func (r *Registry) Get(system string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[system]
	return a, ok
}

// Systems returns the registered target system names.
func (r *Registry) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	systems := make([]string, 0, len(r.adapters))
	for system := range r.adapters {
		systems = append(systems, system)
	}
	return systems
}

// Compile-time checks.
var (
	_ Adapter     = (Func)(nil)
	_ Adapter     = Funcs{}
	_ Compensator = Funcs{}
)
