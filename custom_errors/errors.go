package custom_errors

import "errors"

var (
	// ErrConflict is returned when a conditional transition finds the job in a
	// state (or version) other than the expected one. Callers re-read and retry.
	ErrConflict = errors.New("conflict: job is no longer in the expected state")

	// ErrNotFound is returned for unknown job identifiers and clients.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create when a job ID is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned when the requested edge is not part of
	// the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRetryExhausted is returned when the retry edge is requested for a job
	// that has no retries left or failed permanently.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrBudgetCorrupted signals that resource accounting went negative or
	// above capacity. The launcher stops binding and drains.
	ErrBudgetCorrupted = errors.New("resource budget accounting corrupted")

	// ErrRateLimited is returned by the gateway when a client exceeds its
	// submission rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnauthorized is returned by the gateway for unknown clients or bad tokens.
	ErrUnauthorized = errors.New("unauthorized")
)

// Failure reasons recorded on FAILED jobs.
const (
	ReasonUpstreamFailed   = "upstream dependency failed"
	ReasonUnsatisfiable    = "unsatisfiable resource request"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonWalltimeExceeded = "walltime exceeded"
	ReasonExecutionFailure = "execution failure"
	ReasonLauncherShutdown = "launcher shutdown"
	ReasonStalled          = "stalled"
	ReasonUnknownParent    = "unknown parent"
	ReasonStartFailure     = "failed to start"
	ReasonLauncherLost     = "launcher lost"
)
