package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Step error classification sentinels.
// Adapters wrap their errors with Retryable or Permanent to tell the
// executor whether another attempt can help. Use errors.Is() to check for
// these errors as they may be wrapped with additional context.
//
// Example usage:
//
//	func activate(ctx context.Context, req adapter.Request) (map[string]any, error) {
//	    resp, err := client.ActivateONU(ctx, req.Input)
//	    if err != nil {
//	        if isTimeout(err) || resp.StatusCode >= 500 {
//	            // Transient infrastructure failure, retry with backoff.
//	            return nil, workflow.Retryable(err)
//	        }
//	        // Validation or conflict, another attempt cannot succeed.
//	        return nil, workflow.Permanent(err)
//	    }
//	    return resp.Output, nil
//	}
var (
	// ErrRetryable marks a transient failure. The executor retries the
	// attempt until the step's retry budget is exhausted.
	ErrRetryable = errors.New("retryable: transient failure, retry with backoff")

	// ErrPermanent marks a failure no retry can fix. The executor stops
	// immediately and the workflow moves to rollback.
	ErrPermanent = errors.New("permanent: do not retry")
)

// Lookup and state errors.
var (
	// ErrNotFound is returned when a workflow does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrDuplicateID is returned by CreateWorkflow when the ID exists.
	ErrDuplicateID = errors.New("workflow id already exists")

	// ErrVersionConflict is the sentinel wrapped by VersionConflictError.
	ErrVersionConflict = errors.New("workflow version conflict")

	// ErrUnknownType is returned when no definition is registered for
	// the requested workflow type.
	ErrUnknownType = errors.New("unknown workflow type")

	// ErrTerminal is returned when an operation requires a live workflow
	// but the workflow already reached a terminal status.
	ErrTerminal = errors.New("workflow is in a terminal status")

	// ErrRetryExhausted is returned by Retry when the workflow-level
	// retry budget is spent.
	ErrRetryExhausted = errors.New("workflow retry budget exhausted")

	// ErrCancelled is recorded on workflows stopped by Cancel or by the
	// workflow deadline.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrInvalidStatus is returned when an operation does not apply to
	// the workflow's current status, e.g. Cancel on a completed
	// workflow or Retry on a running one.
	ErrInvalidStatus = errors.New("operation not valid for workflow status")

	// ErrLocked is returned by Run when another process holds the
	// workflow's execution lock.
	ErrLocked = errors.New("workflow is locked by another runner")
)

// Retryable wraps an error to mark it transient. A nil err returns
// ErrRetryable itself.
func Retryable(err error) error {
	if err == nil {
		return ErrRetryable
	}
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

// Permanent wraps an error to mark it unrecoverable.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsRetryable reports whether the executor should retry after err.
// Unclassified errors count as retryable; only an explicit Permanent
// mark (or a context cancellation) stops the attempt loop early.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsPermanent reports whether err carries the permanent mark.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// VersionConflictError reports a compare-and-swap miss on a workflow or
// step update.
type VersionConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, stored %d", e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// NewVersionConflictError builds a conflict error for record id.
func NewVersionConflictError(id string, expected, actual int64) *VersionConflictError {
	return &VersionConflictError{ID: id, Expected: expected, Actual: actual}
}

// IsVersionConflict checks whether err is a compare-and-swap miss.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// ValidationError reports a structurally invalid definition or request.
// It is returned eagerly, at registration or submission time, never from
// a running workflow.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid workflow %q: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid workflow %q: %s: %s", e.Type, e.Field, e.Reason)
}

// IsValidation checks whether err is a definition or request validation
// failure.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// StepError reports a step failure after the attempt loop finished. It
// wraps the final attempt's error.
type StepError struct {
	WorkflowID string
	Step       string
	Attempts   int
	Permanent  bool
	Err        error
}

func (e *StepError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("step %s failed permanently after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsStepFailure checks whether err originated from a step attempt loop.
func IsStepFailure(err error) bool {
	var serr *StepError
	return errors.As(err, &serr)
}

// CompensationError reports which steps could not be undone during
// rollback. The runner continues past individual failures, so Failed may
// name several steps.
type CompensationError struct {
	WorkflowID string
	Failed     []string
	Errs       []error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of %s left %d step(s) not undone: %s",
		e.WorkflowID, len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *CompensationError) Unwrap() error {
	return errors.Join(e.Errs...)
}

// IsCompensationFailure checks whether err reports steps left not undone.
func IsCompensationFailure(err error) bool {
	var cerr *CompensationError
	return errors.As(err, &cerr)
}
