package workflow

import "context"

const stepContextKey contextKey = iota

// contextKey
type contextKey int

type stepContextData struct {
	workflowID     string
	workflowType   Type
	tenantID       string
	stepID         string
	stepName       string
	stepType       string
	targetSystem   string
	idempotencyKey string
	attempt        int
}

// ContextWorkflowID gets the workflow ID stored in a step's context.
func ContextWorkflowID(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.workflowID
	}
	return ""
}

// ContextWorkflowType gets the workflow type stored in a step's context.
func ContextWorkflowType(ctx context.Context) Type {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.workflowType
	}
	return ""
}

// ContextTenantID gets the tenant ID stored in a step's context.
func ContextTenantID(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.tenantID
	}
	return ""
}

// ContextStepID gets the persisted step ID stored in a step's context.
func ContextStepID(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.stepID
	}
	return ""
}

// ContextStepName gets the step name stored in a step's context.
func ContextStepName(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.stepName
	}
	return ""
}

// ContextStepType gets the step type stored in a step's context.
func ContextStepType(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.stepType
	}
	return ""
}

// ContextTargetSystem gets the target system stored in a step's context.
func ContextTargetSystem(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.targetSystem
	}
	return ""
}

// ContextIdempotencyKey gets the step's idempotency key. Adapters send
// it to external systems so a re-dispatched step after a crash restart
// does not repeat the side effect.
func ContextIdempotencyKey(ctx context.Context) string {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.idempotencyKey
	}
	return ""
}

// ContextAttempt gets the current attempt number, starting at 1.
func ContextAttempt(ctx context.Context) int {
	s, ok := ctx.Value(stepContextKey).(*stepContextData)
	if ok {
		return s.attempt
	}
	return 0
}

func contextWithStepInfo(ctx context.Context, wf *Workflow, step *Step, attempt int) context.Context {
	return context.WithValue(ctx, stepContextKey, &stepContextData{
		workflowID:     wf.ID,
		workflowType:   wf.Type,
		tenantID:       wf.TenantID,
		stepID:         step.ID,
		stepName:       step.Name,
		stepType:       step.Type,
		targetSystem:   step.TargetSystem,
		idempotencyKey: step.IdempotencyKey,
		attempt:        attempt,
	})
}
