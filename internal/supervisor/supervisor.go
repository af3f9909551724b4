package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/constants"
	"github.com/RezaEskandarii/hpcfire/internal/lock"
	"github.com/RezaEskandarii/hpcfire/internal/metrics"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/robfig/cron/v3"
)

// Escalator terminates a job it runs. It reports false when the job is not
// running there.
type Escalator interface {
	Escalate(jobID string) bool
}

type Config struct {
	// Schedule is a cron spec such as "@every 10s".
	Schedule string
	// RunningSlack is added to a job's walltime before it counts as stalled.
	RunningSlack time.Duration
	// RunningTimeout applies to RUNNING jobs without a walltime. Zero disables it.
	RunningTimeout time.Duration
	// QueuedTimeout is how long a job may stay QUEUED by a launcher that never starts it.
	QueuedTimeout time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Skipped   bool
	Requeued  int
	Stalled   int
	Escalated int
	Lost      int
}

// Supervisor re-queues failed jobs that have retries left and finalizes
// jobs stuck in RUNNING or QUEUED.
type Supervisor struct {
	store     store.JobStore
	lock      lock.DistributedLockManager
	escalator Escalator
	leases    store.LeaseStore
	cfg       Config
	now       func() time.Time
}

// NewSupervisor builds a supervisor. escalator may be nil when no launcher
// runs in this process.
func NewSupervisor(s store.JobStore, lockManager lock.DistributedLockManager, escalator Escalator, cfg Config) *Supervisor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10s"
	}
	return &Supervisor{
		store:     s,
		lock:      lockManager,
		escalator: escalator,
		cfg:       cfg,
		now:       time.Now,
	}
}

// UseLeaseStore enables recovery of jobs whose launcher stopped renewing
// its lease.
func (s *Supervisor) UseLeaseStore(leases store.LeaseStore) {
	s.leases = leases
}

// Start runs Sweep on the configured schedule until ctx is done.
func (s *Supervisor) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[SUPERVISOR] sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid supervisor schedule %q: %w", s.cfg.Schedule, err)
	}

	log.Printf("[SUPERVISOR] started, sweeping %s", s.cfg.Schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep runs one pass. Only one instance sweeps at a time; the others skip.
func (s *Supervisor) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	acquired, err := s.lock.TryAcquire(constants.SupervisorLock)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := s.lock.Release(constants.SupervisorLock); err != nil {
			log.Printf("[SUPERVISOR] %v", err)
		}
	}()

	if result.Requeued, err = s.requeueFailed(ctx); err != nil {
		return result, err
	}
	live, err := s.liveLaunchers(ctx)
	if err != nil {
		return result, err
	}
	if err = s.checkRunning(ctx, live, &result); err != nil {
		return result, err
	}
	if err = s.checkQueued(ctx, live, &result); err != nil {
		return result, err
	}
	return result, nil
}

// liveLaunchers is nil when leases are not tracked.
func (s *Supervisor) liveLaunchers(ctx context.Context) (map[string]bool, error) {
	if s.leases == nil {
		return nil, nil
	}
	live, err := s.leases.LiveLaunchers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list launcher leases: %w", err)
	}
	return live, nil
}

// orphaned reports whether job is bound to a launcher whose lease expired.
func orphaned(job types.Job, live map[string]bool) bool {
	return live != nil && job.LauncherID != "" && !live[job.LauncherID]
}

func (s *Supervisor) requeueFailed(ctx context.Context) (int, error) {
	failed, err := s.store.ListByState(ctx, state.StateFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	requeued := 0
	for _, job := range failed {
		if !job.CanRetry() {
			continue
		}
		_, err := s.store.Transition(ctx, job.ID, state.StateFailed, state.StateQueued, types.TransitionFields{
			ExpectedVersion: job.Version,
			IncrementRetry:  true,
			Message:         fmt.Sprintf("retry %d of %d", job.RetryCount+1, job.RetryLimit),
		})
		if err != nil {
			s.logTransitionError(job, err)
			continue
		}
		requeued++
		metrics.JobsRequeuedTotal.Inc()
		log.Printf("[SUPERVISOR] job %s re-queued, retry %d of %d", job.ShortID(), job.RetryCount+1, job.RetryLimit)
	}
	return requeued, nil
}

func (s *Supervisor) checkRunning(ctx context.Context, live map[string]bool, result *SweepResult) error {
	running, err := s.store.ListByState(ctx, state.StateRunning)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	now := s.now()
	for _, job := range running {
		if orphaned(job, live) {
			if s.markLost(ctx, job) {
				result.Lost++
			}
			continue
		}
		limit := s.cfg.RunningTimeout
		if wt := job.Resources.WallTime(); wt > 0 {
			limit = wt + s.cfg.RunningSlack
		}
		if limit <= 0 || job.TimeInState(now) <= limit {
			continue
		}

		if s.escalator != nil && s.escalator.Escalate(job.ID) {
			result.Escalated++
			log.Printf("[SUPERVISOR] job %s running for %s, escalated to its launcher", job.ShortID(), job.TimeInState(now).Round(time.Second))
			continue
		}
		if s.markStalled(ctx, job) {
			result.Stalled++
		}
	}
	return nil
}

// checkQueued fails jobs a launcher queued but never started, and jobs
// queued by a launcher that is gone. Unowned QUEUED jobs are waiting for
// capacity and are left alone.
func (s *Supervisor) checkQueued(ctx context.Context, live map[string]bool, result *SweepResult) error {
	if s.cfg.QueuedTimeout <= 0 && live == nil {
		return nil
	}
	queued, err := s.store.ListByState(ctx, state.StateQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}

	now := s.now()
	for _, job := range queued {
		if job.LauncherID == "" {
			continue
		}
		if orphaned(job, live) {
			if s.markLost(ctx, job) {
				result.Lost++
			}
			continue
		}
		if s.cfg.QueuedTimeout <= 0 || job.TimeInState(now) <= s.cfg.QueuedTimeout {
			continue
		}
		if s.markStalled(ctx, job) {
			result.Stalled++
		}
	}
	return nil
}

// markLost fails a job of a dead launcher, retryable.
func (s *Supervisor) markLost(ctx context.Context, job types.Job) bool {
	_, err := s.store.Transition(ctx, job.ID, job.State, state.StateFailed, types.TransitionFields{
		ExpectedVersion: job.Version,
		Message:         fmt.Sprintf("%s: %s stopped renewing its lease", custom_errors.ReasonLauncherLost, job.LauncherID),
	})
	if err != nil {
		s.logTransitionError(job, err)
		return false
	}
	metrics.LaunchersLostTotal.Inc()
	log.Printf("[SUPERVISOR] job %s lost its launcher %s in %s, marked failed", job.ShortID(), job.LauncherID, job.State)
	return true
}

func (s *Supervisor) markStalled(ctx context.Context, job types.Job) bool {
	_, err := s.store.Transition(ctx, job.ID, job.State, state.StateFailed, types.TransitionFields{
		ExpectedVersion: job.Version,
		Message:         fmt.Sprintf("%s in %s", custom_errors.ReasonStalled, job.State),
	})
	if err != nil {
		s.logTransitionError(job, err)
		return false
	}
	metrics.JobsStalledTotal.WithLabelValues(string(job.State)).Inc()
	log.Printf("[SUPERVISOR] job %s stalled in %s, marked failed", job.ShortID(), job.State)
	return true
}

func (s *Supervisor) logTransitionError(job types.Job, err error) {
	switch {
	case errors.Is(err, custom_errors.ErrConflict):
		metrics.TransitionConflictsTotal.Inc()
	case errors.Is(err, custom_errors.ErrRetryExhausted):
	default:
		log.Printf("[SUPERVISOR] failed to update job %s: %v", job.ShortID(), err)
	}
}
