package store

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/google/uuid"
)

// CheckEdge validates a requested transition against the state machine,
// before any store looks at the stored record.
func CheckEdge(expected, next state.JobState, fields types.TransitionFields) error {
	if state.IsRetryTransition(expected, next) {
		if !fields.IncrementRetry {
			return fmt.Errorf("%w: retry edge requires a retry increment", custom_errors.ErrInvalidTransition)
		}
		return nil
	}
	if !state.IsValidTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", custom_errors.ErrInvalidTransition, expected, next)
	}
	return nil
}

// ApplyTransition mutates job in place the way every store implementation
// must, once the precondition holds. It does not check the expected state.
func ApplyTransition(job *types.Job, next state.JobState, fields types.TransitionFields) error {
	if state.IsRetryTransition(job.State, next) && !job.CanRetry() {
		return custom_errors.ErrRetryExhausted
	}
	job.State = next
	job.Version++
	if fields.IncrementRetry {
		job.RetryCount++
	}
	if fields.ExitStatus != nil {
		code := *fields.ExitStatus
		job.ExitStatus = &code
	}
	if fields.LauncherID != nil {
		job.LauncherID = *fields.LauncherID
	}
	if fields.SlotID != nil {
		job.SlotID = *fields.SlotID
	}
	switch next {
	case state.StateFailed:
		job.ErrorDetail = fields.Message
		job.Retryable = !fields.Permanent
		job.LauncherID = ""
		job.SlotID = ""
	case state.StateCancelled, state.StateFinished:
		job.LauncherID = ""
		job.SlotID = ""
	case state.StateQueued:
		if state.IsRetryTransition(state.StateFailed, next) && fields.LauncherID == nil {
			job.LauncherID = ""
			job.SlotID = ""
		}
	}
	return nil
}

// MatchesFilter reports whether job satisfies filter, ignoring Limit.
func MatchesFilter(job types.Job, filter types.JobFilter) bool {
	if len(filter.States) > 0 {
		found := false
		for _, s := range filter.States {
			if job.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.IDContains != "" && !containsFold(job.ID, filter.IDContains) {
		return false
	}
	for k, v := range filter.Tags {
		if job.Tags[k] != v {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// NewJob builds the CREATED record for a spec.
func NewJob(spec types.JobSpec, now time.Time) types.Job {
	policy := spec.Policy
	if policy == "" {
		policy = types.PolicyAllSucceeded
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	exec := spec.Exec
	exec.Env = maps.Clone(spec.Exec.Env)
	return types.Job{
		ID:               id,
		Name:             spec.Name,
		State:            state.StateCreated,
		Version:          1,
		Resources:        spec.Resources,
		Exec:             exec,
		Parents:          append([]string(nil), spec.Parents...),
		Policy:           policy,
		RetryLimit:       spec.RetryLimit,
		Retryable:        true,
		Tags:             maps.Clone(spec.Tags),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}
