package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
)

// MemoryJobStore keeps jobs in a map guarded by one mutex. It serves
// single-process deployments and tests; every method is atomic.
type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*types.Job
	events map[string][]types.Event
	order  []string
	now    func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:   make(map[string]*types.Job),
		events: make(map[string][]types.Event),
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests that need time-in-state control.
func (s *MemoryJobStore) WithClock(now func() time.Time) *MemoryJobStore {
	s.now = now
	return s
}

func (s *MemoryJobStore) Create(ctx context.Context, specs ...types.JobSpec) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created := make([]types.Job, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		job := store.NewJob(spec, now)
		if _, exists := s.jobs[job.ID]; exists || seen[job.ID] {
			return nil, fmt.Errorf("job %s: %w", job.ID, custom_errors.ErrAlreadyExists)
		}
		seen[job.ID] = true
		created = append(created, job)
	}

	ids := make([]string, 0, len(created))
	for i := range created {
		job := created[i]
		s.jobs[job.ID] = &job
		s.order = append(s.order, job.ID)
		s.events[job.ID] = []types.Event{{
			JobID: job.ID, To: state.StateCreated, Version: job.Version, Timestamp: now, Message: "created",
		}}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, custom_errors.ErrNotFound)
	}
	out := copyJob(*job)
	return &out, nil
}

func (s *MemoryJobStore) ListByState(ctx context.Context, st state.JobState) ([]types.Job, error) {
	return s.List(ctx, types.JobFilter{States: []state.JobState{st}})
}

func (s *MemoryJobStore) List(ctx context.Context, filter types.JobFilter) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if !store.MatchesFilter(*job, filter) {
			continue
		}
		out = append(out, copyJob(*job))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryJobStore) FindByIDSubstring(ctx context.Context, sub string) ([]types.Job, error) {
	if strings.TrimSpace(sub) == "" {
		return nil, nil
	}
	return s.List(ctx, types.JobFilter{IDContains: sub})
}

func (s *MemoryJobStore) Transition(ctx context.Context, jobID string, expected, next state.JobState, fields types.TransitionFields) (*types.Job, error) {
	if err := store.CheckEdge(expected, next, fields); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, custom_errors.ErrNotFound)
	}
	if job.State != expected || (fields.ExpectedVersion != 0 && job.Version != fields.ExpectedVersion) {
		return nil, fmt.Errorf("job %s is %s v%d, expected %s: %w", jobID, job.State, job.Version, expected, custom_errors.ErrConflict)
	}

	updated := copyJob(*job)
	if err := store.ApplyTransition(&updated, next, fields); err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	now := s.now()
	updated.LastTransitionAt = now
	s.jobs[jobID] = &updated
	s.events[jobID] = append(s.events[jobID], types.Event{
		JobID: jobID, From: expected, To: next, Version: updated.Version, Timestamp: now, Message: fields.Message,
	})

	out := copyJob(updated)
	return &out, nil
}

func (s *MemoryJobStore) Events(ctx context.Context, jobID string) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.events[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, custom_errors.ErrNotFound)
	}
	return append([]types.Event(nil), events...), nil
}

func (s *MemoryJobStore) CountAllJobsGroupedByState(ctx context.Context) (map[state.JobState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[state.JobState]int, len(state.AllStates))
	for _, st := range state.AllStates {
		result[st] = 0
	}
	for _, job := range s.jobs {
		result[job.State]++
	}
	return result, nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func copyJob(j types.Job) types.Job {
	j.Parents = append([]string(nil), j.Parents...)
	j.Tags = maps.Clone(j.Tags)
	j.Exec.Env = maps.Clone(j.Exec.Env)
	if j.ExitStatus != nil {
		code := *j.ExitStatus
		j.ExitStatus = &code
	}
	return j
}
