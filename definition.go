package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/michaelayoade/dotmac-platform-services-sub023/backoff"
)

// DefaultMaxRetries is the per-step retry budget when a StepSpec does
// not set one. The first attempt is not a retry, so a step runs at most
// MaxRetries+1 times.
const DefaultMaxRetries = 3

// NoRetries disables retries for a step (single attempt).
const NoRetries = -1

// ExecuteFunc performs a step's forward action. Input is assembled at
// dispatch time from workflow input and context; the returned map is
// recorded as the step's output. Wrap returned errors with Retryable or
// Permanent to steer the executor; unclassified errors are retried.
type ExecuteFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// CompensateFunc undoes a completed step. It receives the input the step
// ran with and the output it recorded (or CompensationData when set).
type CompensateFunc func(ctx context.Context, input, output map[string]any) error

// BuildInputFunc assembles a step's input from the workflow input and
// the current context. When nil, the default merges the workflow input
// with the step's Reads keys from context.
type BuildInputFunc func(input, wfContext map[string]any) map[string]any

// StepSpec declares one step of a workflow definition. Order is implied
// by position in Definition.Steps.
type StepSpec struct {
	// Name must be unique within the definition.
	Name string

	// Type is the operation class, e.g. "radius_authenticate". Recorded
	// on the persisted step.
	Type string

	// TargetSystem names the external system this step calls. It picks
	// the per-attempt timeout class when Timeout is zero.
	TargetSystem string

	// BuildInput optionally overrides default input assembly.
	BuildInput BuildInputFunc

	Execute    ExecuteFunc
	Compensate CompensateFunc

	// Reads lists context keys this step consumes; each must be written
	// by an earlier step or declared in Definition.InputKeys. Writes
	// lists the output keys merged into workflow context on completion.
	Reads  []string
	Writes []string

	// MaxRetries is this step's retry budget. Zero means
	// DefaultMaxRetries, NoRetries means a single attempt.
	MaxRetries int

	// Backoff overrides the delay strategy between attempts.
	Backoff backoff.Strategy

	// Timeout bounds each attempt. Zero picks the target system's class
	// default.
	Timeout time.Duration

	// CompensationHandler names the undo operation persisted on the
	// step. Filled with "undo_<name>" when Compensate is set and this
	// is empty; a step with neither is skipped during rollback.
	CompensationHandler string
}

func (s *StepSpec) maxRetries() int {
	switch {
	case s.MaxRetries == NoRetries:
		return 0
	case s.MaxRetries <= 0:
		return DefaultMaxRetries
	default:
		return s.MaxRetries
	}
}

// Definition declares a workflow type: its ordered steps and policies.
type Definition struct {
	Type Type

	Steps []StepSpec

	// InputKeys documents the keys callers provide in SubmitRequest
	// Input. Steps may read them from their input; they also satisfy
	// Reads dependencies.
	InputKeys []string

	// OutputKeys selects which context keys form the workflow output on
	// completion. Empty means the full final context.
	OutputKeys []string

	// Timeout bounds the whole workflow. Exceeding it cancels the
	// workflow exactly as Cancel does. Zero means no deadline.
	Timeout time.Duration

	// DisableCompensation makes step failure terminal (status failed)
	// instead of triggering rollback.
	DisableCompensation bool

	// MaxRetries is the workflow-level budget for re-driving a failed
	// workflow via Retry. Zero means DefaultMaxRetries.
	MaxRetries int
}

func (d *Definition) maxRetries() int {
	if d.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return d.MaxRetries
}

func (d *Definition) stepByName(name string) (*StepSpec, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks the definition eagerly so a broken workflow fails at
// registration, not mid-run. It verifies step names, execute functions,
// compensation wiring and the context-key dependency chain: every Reads
// key must be produced by an earlier step's Writes or declared in
// InputKeys, and every OutputKeys key must be written by some step.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return &ValidationError{Reason: "workflow type is required"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Type: d.Type, Reason: "at least one step is required"}
	}

	available := make(map[string]bool, len(d.InputKeys))
	for _, k := range d.InputKeys {
		available[k] = true
	}

	seen := make(map[string]bool, len(d.Steps))
	written := make(map[string]bool)
	for i := range d.Steps {
		s := &d.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)
		if s.Name == "" {
			return &ValidationError{Type: d.Type, Field: field, Reason: "step name is required"}
		}
		if seen[s.Name] {
			return &ValidationError{Type: d.Type, Field: field, Reason: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = true
		if s.Execute == nil {
			return &ValidationError{Type: d.Type, Field: field, Reason: "execute function is required"}
		}
		if s.Compensate == nil && s.CompensationHandler != "" {
			return &ValidationError{Type: d.Type, Field: field,
				Reason: fmt.Sprintf("compensation handler %q has no compensate function", s.CompensationHandler)}
		}
		for _, r := range s.Reads {
			if !available[r] {
				return &ValidationError{Type: d.Type, Field: field,
					Reason: fmt.Sprintf("reads key %q is not produced by an earlier step or declared input", r)}
			}
		}
		for _, w := range s.Writes {
			available[w] = true
			written[w] = true
		}
	}

	for _, k := range d.OutputKeys {
		if !written[k] {
			return &ValidationError{Type: d.Type, Field: "output_keys",
				Reason: fmt.Sprintf("key %q is not written by any step", k)}
		}
	}
	return nil
}

// Registry holds the workflow definitions known to an orchestrator.
// Registration happens at process start; lookups are concurrent.
type Registry struct {
	mu   sync.RWMutex
	defs map[Type]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Type]*Definition)}
}

// Register validates def and adds it. The definition is copied; empty
// CompensationHandler fields are filled with "undo_<step name>" for
// steps that have a compensate function.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &ValidationError{Reason: "definition is nil"}
	}
	if err := def.Validate(); err != nil {
		return err
	}

	d := *def
	d.Steps = slices.Clone(def.Steps)
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Compensate != nil && s.CompensationHandler == "" {
			s.CompensationHandler = "undo_" + s.Name
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Type]; ok {
		return &ValidationError{Type: d.Type, Reason: "already registered"}
	}
	r.defs[d.Type] = &d
	return nil
}

// MustRegister registers def or panics. For package init of static
// definitions.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for t or ErrUnknownType.
func (r *Registry) Get(t Type) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return def, nil
}

// Types returns the registered workflow types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
