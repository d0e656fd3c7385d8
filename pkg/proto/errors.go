package proto

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Retryable errors are consumed
// inside the orchestrator's step loop; the rest surface to callers of the
// engine API (never past the run boundary into terminal status reporting).
var (
	// ErrConcurrentModification indicates a revision compare-and-swap lost
	// a race; callers must re-fetch and retry.
	ErrConcurrentModification = errors.New("run modified concurrently")

	// ErrRunNotFound indicates the run ID is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal indicates an operation on a run that already reached
	// SENT, REJECTED, or FAILED.
	ErrRunTerminal = errors.New("run is terminal")

	// ErrNotAwaitingApproval indicates a resume on a run that is not
	// suspended at the approval boundary.
	ErrNotAwaitingApproval = errors.New("run is not awaiting approval")

	// ErrRateLimit is returned by external tools when their budget is
	// exhausted. Retryable with backoff.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrStepTimeout indicates a step exceeded its declared time budget.
	// Retryable.
	ErrStepTimeout = errors.New("step exceeded time budget")

	// ErrPolicyBlocked indicates the safety step hard-blocked the draft.
	ErrPolicyBlocked = errors.New("blocked by safety policy")

	// ErrSendFailed indicates the transport rejected the message. Fatal;
	// never retried past the idempotency marker.
	ErrSendFailed = errors.New("send failed")

	// ErrAlreadySent indicates a send receipt already exists for the run.
	ErrAlreadySent = errors.New("send already recorded")
)

// ValidationError rejects malformed intake before any run is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StepError wraps a failure inside a step execution. Steps declare whether
// the failure is transient; the orchestrator retries retryable step errors
// with backoff and treats the rest as fatal.
type StepError struct {
	Step      StepName
	Err       error
	Retryable bool
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewRetryableStepError marks a transient step failure.
func NewRetryableStepError(step StepName, err error) *StepError {
	return &StepError{Step: step, Err: err, Retryable: true}
}

// NewFatalStepError marks an unrecoverable step failure.
func NewFatalStepError(step StepName, err error) *StepError {
	return &StepError{Step: step, Err: err, Retryable: false}
}

// IsRetryable reports whether the orchestrator may retry after err.
func IsRetryable(err error) bool {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Retryable
	}
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrStepTimeout)
}
