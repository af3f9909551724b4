package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
)

// Decision is the outcome of evaluating a job's parents.
type Decision int

const (
	Wait Decision = iota
	Eligible
	Blocked
)

// Result lists what one Resolve pass changed.
type Result struct {
	Ready  []string
	Failed []string
}

// Resolver moves jobs from CREATED through STAGING_IN to READY once their
// parents allow it. It re-reads parent state from the store on every pass.
type Resolver struct {
	store store.JobStore
}

func NewResolver(s store.JobStore) *Resolver {
	return &Resolver{store: s}
}

// Evaluate decides a job's eligibility from the current records of its
// parents. A nil entry in parents means the parent does not exist.
func Evaluate(job types.Job, parents map[string]*types.Job) (Decision, string) {
	for _, pid := range job.Parents {
		parent := parents[pid]
		if parent == nil {
			return Blocked, fmt.Sprintf("%s: %s", custom_errors.ReasonUnknownParent, pid)
		}
		switch job.Policy {
		case types.PolicyAllTerminated:
			if parent.State != state.StateFinished && !parent.SettledFailure() {
				return Wait, ""
			}
		default:
			if parent.SettledFailure() {
				return Blocked, custom_errors.ReasonUpstreamFailed
			}
			if parent.State != state.StateFinished {
				return Wait, ""
			}
		}
	}
	return Eligible, ""
}

// Resolve runs one pass over CREATED and STAGING_IN jobs.
func (r *Resolver) Resolve(ctx context.Context) (Result, error) {
	var result Result

	created, err := r.store.ListByState(ctx, state.StateCreated)
	if err != nil {
		return result, fmt.Errorf("failed to list created jobs: %w", err)
	}
	for _, job := range created {
		if _, err := r.store.Transition(ctx, job.ID, state.StateCreated, state.StateStagingIn, types.TransitionFields{ExpectedVersion: job.Version}); err != nil {
			if !errors.Is(err, custom_errors.ErrConflict) {
				log.Printf("[RESOLVER] failed to stage job %s: %v", job.ShortID(), err)
			}
		}
	}

	staging, err := r.store.ListByState(ctx, state.StateStagingIn)
	if err != nil {
		return result, fmt.Errorf("failed to list staging jobs: %w", err)
	}

	parents := make(map[string]*types.Job)
	for _, job := range staging {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.loadParents(ctx, job, parents); err != nil {
			log.Printf("[RESOLVER] failed to read parents of %s: %v", job.ShortID(), err)
			continue
		}

		var err error
		decision, reason := Evaluate(job, parents)
		switch decision {
		case Eligible:
			_, err = r.store.Transition(ctx, job.ID, state.StateStagingIn, state.StateReady, types.TransitionFields{ExpectedVersion: job.Version})
			if err == nil {
				result.Ready = append(result.Ready, job.ID)
			}
		case Blocked:
			_, err = r.store.Transition(ctx, job.ID, state.StateStagingIn, state.StateFailed, types.TransitionFields{
				ExpectedVersion: job.Version,
				Message:         reason,
				Permanent:       true,
			})
			if err == nil {
				result.Failed = append(result.Failed, job.ID)
				log.Printf("[RESOLVER] job %s failed: %s", job.ShortID(), reason)
			}
		}
		if err != nil && !errors.Is(err, custom_errors.ErrConflict) {
			log.Printf("[RESOLVER] failed to resolve job %s: %v", job.ShortID(), err)
		}
	}
	return result, nil
}

// loadParents fills cache with the parents of job that are not loaded yet in
// this pass. Missing parents are stored as nil.
func (r *Resolver) loadParents(ctx context.Context, job types.Job, cache map[string]*types.Job) error {
	for _, pid := range job.Parents {
		if _, ok := cache[pid]; ok {
			continue
		}
		parent, err := r.store.Get(ctx, pid)
		if err != nil {
			if errors.Is(err, custom_errors.ErrNotFound) {
				cache[pid] = nil
				continue
			}
			return err
		}
		cache[pid] = parent
	}
	return nil
}
