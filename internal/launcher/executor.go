package launcher

import (
	"context"
	"time"

	"github.com/RezaEskandarii/hpcfire/types"
)

// ExitResult is how a job's process ended.
type ExitResult struct {
	ExitStatus int
	// Err is set when the process could not be waited on, or was killed by a signal.
	Err error
}

// Handle controls one started job.
type Handle interface {
	// Done yields exactly one result when the process ends.
	Done() <-chan ExitResult
	// Heartbeats ticks while the worker is alive.
	Heartbeats() <-chan time.Time
	// Terminate asks the process group to stop, waits up to grace, then kills it.
	Terminate(grace time.Duration)
	// OutputPath is where stdout and stderr go, empty when not captured.
	OutputPath() string
}

// Executor starts jobs inside a slot.
type Executor interface {
	Start(ctx context.Context, job types.Job, slot *WorkerSlot) (Handle, error)
}
