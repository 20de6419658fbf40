// Package provisioning carries the canonical workflow definitions of the
// subscriber provisioning platform.
//
// Each definition binds its steps to external systems through an
// adapter.Registry, so the same definitions run against real RADIUS,
// NetBox, VOLTHA, GenieACS and billing clients in production and against
// fakes in tests. Step handlers resolve their adapter at dispatch time;
// registering adapters is a deployment concern, not a definition concern.
//
// # Usage
//
//	adapters := adapter.NewRegistry()
//	adapters.Register(adapter.SystemRADIUS, radiusClient)
//	adapters.Register(adapter.SystemNetBox, netboxClient)
//	// ... voltha, genieacs, billing
//
//	reg := workflow.NewRegistry()
//	if err := provisioning.Register(reg, adapters); err != nil {
//	    log.Fatal(err)
//	}
//	orc, err := workflow.New(reg, workflow.WithStore(store))
package provisioning

import (
	"context"
	"fmt"

	workflow "github.com/michaelayoade/dotmac-platform-services-sub023"
	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
)

// Register adds every canonical definition to reg.
func Register(reg *workflow.Registry, adapters *adapter.Registry) error {
	for _, def := range Definitions(adapters) {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Type, err)
		}
	}
	return nil
}

// Definitions returns the canonical definitions bound to adapters, one
// per workflow type.
func Definitions(adapters *adapter.Registry) []*workflow.Definition {
	return []*workflow.Definition{
		provisionSubscriber(adapters),
		deprovisionSubscriber(adapters),
		activateService(adapters),
		suspendService(adapters),
		terminateService(adapters),
		changeServicePlan(adapters),
		updateNetworkConfig(adapters),
		migrateSubscriber(adapters),
	}
}

// run builds an ExecuteFunc that dispatches the step to the target
// system's adapter. A missing adapter is a deployment error, not a
// transient one.
func run(adapters *adapter.Registry, system string) workflow.ExecuteFunc {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		a, ok := adapters.Get(system)
		if !ok {
			return nil, workflow.Permanent(fmt.Errorf("no adapter registered for %s", system))
		}
		return a.Execute(ctx, request(ctx, system, input))
	}
}

// undo builds a CompensateFunc that routes the recorded output back to
// the adapter that produced it.
func undo(adapters *adapter.Registry, system string) workflow.CompensateFunc {
	return func(ctx context.Context, input, output map[string]any) error {
		a, ok := adapters.Get(system)
		if !ok {
			return workflow.Permanent(fmt.Errorf("no adapter registered for %s", system))
		}
		c, ok := a.(adapter.Compensator)
		if !ok {
			return workflow.Permanent(fmt.Errorf("adapter for %s cannot compensate", system))
		}
		return c.Compensate(ctx, request(ctx, system, input), output)
	}
}

func request(ctx context.Context, system string, input map[string]any) adapter.Request {
	return adapter.Request{
		WorkflowID:     workflow.ContextWorkflowID(ctx),
		TenantID:       workflow.ContextTenantID(ctx),
		StepName:       workflow.ContextStepName(ctx),
		StepType:       workflow.ContextStepType(ctx),
		TargetSystem:   system,
		IdempotencyKey: workflow.ContextIdempotencyKey(ctx),
		Input:          input,
	}
}
