package store

import (
	"context"

	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/types"
)

// JobStore is the single authoritative record of jobs. Every method is atomic
// per call; Transition is the only synchronization point between launchers.
type JobStore interface {
	// Create inserts the specs atomically, in order, as CREATED jobs and returns
	// their IDs. Specs without an ID get a fresh one.
	Create(ctx context.Context, specs ...types.JobSpec) ([]string, error)

	// Get returns the current record of a job or custom_errors.ErrNotFound.
	Get(ctx context.Context, jobID string) (*types.Job, error)

	// ListByState returns the jobs currently in the given state, oldest first.
	ListByState(ctx context.Context, st state.JobState) ([]types.Job, error)

	// List returns jobs matching the filter, oldest first.
	List(ctx context.Context, filter types.JobFilter) ([]types.Job, error)

	// FindByIDSubstring returns jobs whose identifier contains s.
	FindByIDSubstring(ctx context.Context, s string) ([]types.Job, error)

	// Transition moves jobID from expected to next only if the job is still in
	// expected (and at fields.ExpectedVersion when non-zero). It returns the
	// updated job, custom_errors.ErrConflict when the precondition no longer
	// holds, ErrNotFound, ErrInvalidTransition or ErrRetryExhausted.
	Transition(ctx context.Context, jobID string, expected, next state.JobState, fields types.TransitionFields) (*types.Job, error)

	// Events returns the transition history of a job, oldest first.
	Events(ctx context.Context, jobID string) ([]types.Event, error)

	// CountAllJobsGroupedByState returns a count for every state.
	CountAllJobsGroupedByState(ctx context.Context) (map[state.JobState]int, error)

	// Close releases the underlying resources.
	Close() error
}
