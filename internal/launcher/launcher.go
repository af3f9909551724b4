package launcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/metrics"
	"github.com/RezaEskandarii/hpcfire/internal/packer"
	"github.com/RezaEskandarii/hpcfire/internal/resolver"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
)

const storeWriteTimeout = 10 * time.Second

type Config struct {
	// PassInterval is the longest time between two scheduling passes. A
	// released slot triggers a pass right away.
	PassInterval time.Duration
	// HeartbeatGrace is how long a slot may stay silent before its job is killed.
	HeartbeatGrace time.Duration
	// CancelGrace is the wait between SIGTERM and SIGKILL.
	CancelGrace time.Duration
	// PollInterval is how often a slot re-reads its job to notice cancellation.
	// Zero disables polling.
	PollInterval time.Duration
	// OutputTailLines of a failed job's output become its error detail.
	OutputTailLines int
}

// PassResult summarizes one scheduling pass.
type PassResult struct {
	Ready         int
	Launched      int
	Unsatisfiable int
	Deferred      int
}

// Launcher pulls eligible jobs from the store, packs them into its own
// allocation and monitors every started job until it leaves RUNNING.
type Launcher struct {
	id       string
	store    store.JobStore
	resolver *resolver.Resolver
	executor Executor
	budget   *ResourceBudget
	cfg      Config
	now      func() time.Time

	// walltimeOf is the enforced runtime ceiling of a job.
	walltimeOf func(types.Job) time.Duration

	leases   store.LeaseStore
	leaseTTL time.Duration

	mu       sync.Mutex
	slots    map[string]*WorkerSlot
	wg       sync.WaitGroup
	wake     chan struct{}
	draining atomic.Bool
}

func NewLauncher(id string, s store.JobStore, executor Executor, budget *ResourceBudget, cfg Config) *Launcher {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = time.Second
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 30 * time.Second
	}
	return &Launcher{
		id:         id,
		store:      s,
		resolver:   resolver.NewResolver(s),
		executor:   executor,
		budget:     budget,
		cfg:        cfg,
		now:        time.Now,
		walltimeOf: func(j types.Job) time.Duration { return j.Resources.WallTime() },
		slots:      make(map[string]*WorkerSlot),
		wake:       make(chan struct{}, 1),
	}
}

func (l *Launcher) ID() string {
	return l.id
}

// UseLeaseStore makes the launcher renew a liveness lease of ttl every pass,
// so a supervisor can recover its jobs once it dies. Call before Run.
func (l *Launcher) UseLeaseStore(leases store.LeaseStore, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 3 * l.cfg.PassInterval
	}
	l.leases = leases
	l.leaseTTL = ttl
}

func (l *Launcher) renewLease(ctx context.Context) {
	if l.leases == nil {
		return
	}
	if err := l.leases.RenewLease(ctx, l.id, l.leaseTTL); err != nil && ctx.Err() == nil {
		log.Printf("[LAUNCHER] %s: %v", l.id, err)
	}
}

func (l *Launcher) releaseLease() {
	if l.leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := l.leases.ReleaseLease(ctx, l.id); err != nil {
		log.Printf("[LAUNCHER] %s: %v", l.id, err)
	}
}

// Run schedules until ctx is done, the allocation walltime ends or the
// budget accounting breaks. Jobs still running when it returns have been
// terminated and marked FAILED.
func (l *Launcher) Run(ctx context.Context) error {
	slotCtx, cancelSlots := context.WithCancel(ctx)
	defer cancelSlots()
	defer l.releaseLease()

	log.Printf("[LAUNCHER] %s started with %d cores", l.id, l.budget.Capacity())
	ticker := time.NewTicker(l.cfg.PassInterval)
	defer ticker.Stop()

	for {
		if l.budget.Corrupted() {
			log.Printf("[LAUNCHER] %s budget accounting corrupted, draining %d slots", l.id, l.Busy())
			l.draining.Store(true)
			l.drain(ctx)
			return custom_errors.ErrBudgetCorrupted
		}
		if l.budget.Expired() {
			log.Printf("[LAUNCHER] %s allocation walltime is over, stopping", l.id)
			cancelSlots()
			l.Wait()
			return nil
		}

		l.renewLease(ctx)
		if _, err := l.RunPass(slotCtx); err != nil && ctx.Err() == nil {
			log.Printf("[LAUNCHER] %s pass failed: %v", l.id, err)
		}

		select {
		case <-ctx.Done():
			log.Printf("[LAUNCHER] %s shutting down", l.id)
			l.Wait()
			return nil
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// drain waits for running slots to finish on their own, or for ctx. The
// lease is kept alive meanwhile.
func (l *Launcher) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(l.cfg.PassInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.renewLease(ctx)
		case <-ctx.Done():
			<-done
			return
		}
	}
}

// Wait blocks until every slot monitor has returned.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

// Busy is the number of slots currently bound.
func (l *Launcher) Busy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Escalate asks the slot running jobID to terminate it. It reports whether
// this launcher runs the job.
func (l *Launcher) Escalate(jobID string) bool {
	l.mu.Lock()
	slot, ok := l.slots[jobID]
	l.mu.Unlock()
	if ok {
		slot.requestTermination()
	}
	return ok
}

// RunPass resolves dependencies, packs the eligible jobs into the free
// budget and starts the selected ones. Monitors started by the pass live
// until ctx is done.
func (l *Launcher) RunPass(ctx context.Context) (PassResult, error) {
	var result PassResult
	if l.draining.Load() {
		return result, custom_errors.ErrBudgetCorrupted
	}
	start := time.Now()
	defer func() { metrics.SchedulingPassSeconds.Observe(time.Since(start).Seconds()) }()

	resolved, err := l.resolver.Resolve(ctx)
	if err != nil {
		log.Printf("[LAUNCHER] %s dependency resolution failed: %v", l.id, err)
	}
	result.Ready = len(resolved.Ready)

	eligible, err := l.eligible(ctx)
	if err != nil {
		return result, err
	}
	if len(eligible) == 0 {
		return result, nil
	}

	plan := packer.Pack(eligible, l.budget.Snapshot())
	result.Deferred = len(plan.Deferred)
	for _, job := range plan.Unsatisfiable {
		if l.failUnsatisfiable(ctx, job) {
			result.Unsatisfiable++
		}
	}
	for _, p := range plan.Placements {
		launched, err := l.launch(ctx, p)
		if err != nil {
			if errors.Is(err, custom_errors.ErrBudgetCorrupted) {
				return result, err
			}
			log.Printf("[LAUNCHER] %s failed to launch %s: %v", l.id, p.Job.ShortID(), err)
			continue
		}
		if launched {
			result.Launched++
		}
	}
	return result, nil
}

// eligible returns READY jobs and QUEUED jobs nobody runs: retried jobs, and
// jobs this launcher queued but never got to start.
func (l *Launcher) eligible(ctx context.Context) ([]types.Job, error) {
	ready, err := l.store.ListByState(ctx, state.StateReady)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready jobs: %w", err)
	}
	queued, err := l.store.ListByState(ctx, state.StateQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := ready
	for _, job := range queued {
		if _, running := l.slots[job.ID]; running {
			continue
		}
		if job.LauncherID == "" || job.LauncherID == l.id {
			out = append(out, job)
		}
	}
	return out, nil
}

func (l *Launcher) failUnsatisfiable(ctx context.Context, job types.Job) bool {
	_, err := l.store.Transition(ctx, job.ID, job.State, state.StateFailed, types.TransitionFields{
		ExpectedVersion: job.Version,
		Message:         custom_errors.ReasonUnsatisfiable,
		Permanent:       true,
	})
	if err != nil {
		l.logTransitionError(job, err)
		return false
	}
	metrics.JobsUnsatisfiableTotal.Inc()
	log.Printf("[LAUNCHER] job %s needs %d nodes x %d cores, %s", job.ShortID(), job.Resources.Nodes, job.Resources.CoresPerNode, custom_errors.ReasonUnsatisfiable)
	return true
}

// launch binds the placement, claims the job and starts it. It reports
// false without error when another writer won the job.
func (l *Launcher) launch(ctx context.Context, p packer.Placement) (bool, error) {
	job := p.Job
	if err := l.budget.Bind(p); err != nil {
		return false, err
	}
	slot := newWorkerSlot(job.ID, p.Nodes, p.CoresPerNode, l.now())

	running, err := l.claim(ctx, job, slot)
	if err != nil {
		l.releaseBudget(slot)
		if errors.Is(err, custom_errors.ErrConflict) {
			metrics.TransitionConflictsTotal.Inc()
			return false, nil
		}
		return false, err
	}

	l.track(slot)
	handle, err := l.executor.Start(ctx, *running, slot)
	if err != nil {
		l.fail(*running, fmt.Sprintf("%s: %v", custom_errors.ReasonStartFailure, err), nil)
		l.release(slot)
		return false, nil
	}

	metrics.JobsLaunchedTotal.Inc()
	log.Printf("[LAUNCHER] job %s running in slot %s on nodes %v", running.ShortID(), slot.ID[:8], slot.Nodes)
	l.wg.Add(1)
	go l.monitor(ctx, slot, *running, handle)
	return true, nil
}

// claim moves the job to RUNNING in the slot. READY jobs pass through
// QUEUED; every step is version checked so only one launcher can win.
func (l *Launcher) claim(ctx context.Context, job types.Job, slot *WorkerSlot) (*types.Job, error) {
	version := job.Version
	if job.State == state.StateReady {
		queued, err := l.store.Transition(ctx, job.ID, state.StateReady, state.StateQueued, types.TransitionFields{
			ExpectedVersion: version,
			LauncherID:      types.String(l.id),
			Message:         "queued by " + l.id,
		})
		if err != nil {
			return nil, err
		}
		version = queued.Version
	}
	return l.store.Transition(ctx, job.ID, state.StateQueued, state.StateRunning, types.TransitionFields{
		ExpectedVersion: version,
		LauncherID:      types.String(l.id),
		SlotID:          types.String(slot.ID),
		Message:         "running in slot " + slot.ID,
	})
}

func (l *Launcher) monitor(ctx context.Context, slot *WorkerSlot, job types.Job, handle Handle) {
	outcome := "failed"
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[LAUNCHER] panic while monitoring job %s: %v", job.ShortID(), r)
			handle.Terminate(l.cfg.CancelGrace)
			l.fail(job, fmt.Sprintf("%s: panic: %v", custom_errors.ReasonExecutionFailure, r), nil)
		}
		metrics.JobsCompletedTotal.WithLabelValues(outcome).Inc()
		metrics.JobDurationSeconds.WithLabelValues(outcome).Observe(l.now().Sub(slot.StartedAt).Seconds())
		l.release(slot)
	}()

	grace := l.cfg.HeartbeatGrace
	heartbeat := time.NewTimer(grace)
	defer heartbeat.Stop()

	var walltime <-chan time.Time
	if limit := l.walltimeOf(job); limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		walltime = timer.C
	}

	var poll <-chan time.Time
	if l.cfg.PollInterval > 0 {
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	beats := handle.Heartbeats()
	for {
		select {
		case res := <-handle.Done():
			outcome = l.complete(job, handle, res)
			return

		case at, ok := <-beats:
			if !ok {
				beats = nil
				continue
			}
			slot.Beat(at)
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(grace)

		case <-heartbeat.C:
			log.Printf("[LAUNCHER] job %s silent since %s, terminating", job.ShortID(), slot.LastHeartbeat().Format(time.RFC3339))
			l.abort(job, handle, custom_errors.ReasonHeartbeatTimeout)
			outcome = "heartbeat_timeout"
			return

		case <-walltime:
			log.Printf("[LAUNCHER] job %s exceeded its walltime, terminating", job.ShortID())
			l.abort(job, handle, custom_errors.ReasonWalltimeExceeded)
			outcome = "walltime_exceeded"
			return

		case <-slot.escalate:
			log.Printf("[LAUNCHER] job %s escalated by supervisor, terminating", job.ShortID())
			l.abort(job, handle, custom_errors.ReasonStalled)
			outcome = "stalled"
			return

		case <-poll:
			current, err := l.store.Get(ctx, job.ID)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[LAUNCHER] failed to poll job %s: %v", job.ShortID(), err)
				}
				continue
			}
			if current.State != state.StateRunning || current.SlotID != slot.ID {
				log.Printf("[LAUNCHER] job %s is now %s, terminating", job.ShortID(), current.State)
				handle.Terminate(l.cfg.CancelGrace)
				outcome = "cancelled"
				return
			}

		case <-ctx.Done():
			l.abort(job, handle, custom_errors.ReasonLauncherShutdown)
			outcome = "shutdown"
			return
		}
	}
}

func (l *Launcher) abort(job types.Job, handle Handle, reason string) {
	handle.Terminate(l.cfg.CancelGrace)
	l.fail(job, reason, nil)
}

// complete records how the process ended and returns the metrics outcome.
func (l *Launcher) complete(job types.Job, handle Handle, res ExitResult) string {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if res.Err == nil && res.ExitStatus == 0 {
		out, err := l.store.Transition(ctx, job.ID, state.StateRunning, state.StateStagingOut, types.TransitionFields{
			ExpectedVersion: job.Version,
			ExitStatus:      types.Int(0),
		})
		if err != nil {
			l.logTransitionError(job, err)
			return "cancelled"
		}
		if _, err := l.store.Transition(ctx, job.ID, state.StateStagingOut, state.StateFinished, types.TransitionFields{
			ExpectedVersion: out.Version,
		}); err != nil {
			l.logTransitionError(job, err)
			return "failed"
		}
		log.Printf("[LAUNCHER] job %s finished", job.ShortID())
		return "finished"
	}

	detail := fmt.Sprintf("%s: exit status %d", custom_errors.ReasonExecutionFailure, res.ExitStatus)
	if res.Err != nil {
		detail = fmt.Sprintf("%s: %v", custom_errors.ReasonExecutionFailure, res.Err)
	}
	if tail := tailFile(handle.OutputPath(), l.cfg.OutputTailLines); tail != "" {
		detail += "\n" + tail
	}
	code := res.ExitStatus
	l.fail(job, detail, &code)
	return "failed"
}

// fail moves a RUNNING job to FAILED, retryable. A conflict means someone
// else already moved it, which is fine.
func (l *Launcher) fail(job types.Job, detail string, exitStatus *int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	_, err := l.store.Transition(ctx, job.ID, state.StateRunning, state.StateFailed, types.TransitionFields{
		ExpectedVersion: job.Version,
		Message:         detail,
		ExitStatus:      exitStatus,
	})
	if err != nil {
		l.logTransitionError(job, err)
		return
	}
	log.Printf("[LAUNCHER] job %s failed: %s", job.ShortID(), firstLine(detail))
}

func (l *Launcher) logTransitionError(job types.Job, err error) {
	if errors.Is(err, custom_errors.ErrConflict) {
		metrics.TransitionConflictsTotal.Inc()
		log.Printf("[LAUNCHER] job %s changed concurrently, leaving it", job.ShortID())
		return
	}
	log.Printf("[LAUNCHER] failed to update job %s: %v", job.ShortID(), err)
}

func (l *Launcher) track(slot *WorkerSlot) {
	l.mu.Lock()
	l.slots[slot.JobID] = slot
	l.mu.Unlock()
	metrics.SlotsBusy.Inc()
}

// release frees the slot and triggers the next pass.
func (l *Launcher) release(slot *WorkerSlot) {
	l.mu.Lock()
	delete(l.slots, slot.JobID)
	l.mu.Unlock()
	metrics.SlotsBusy.Dec()
	l.releaseBudget(slot)

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Launcher) releaseBudget(slot *WorkerSlot) {
	if err := l.budget.Release(slot.Nodes, slot.Cores); err != nil {
		log.Printf("[LAUNCHER] %s: %v", l.id, err)
	}
	metrics.BudgetFreeCores.Set(float64(l.budget.FreeCores()))
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
