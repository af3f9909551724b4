package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/state"
	"github.com/RezaEskandarii/hpcfire/internal/store/memory"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig() Config {
	return Config{
		PassInterval:   20 * time.Millisecond,
		HeartbeatGrace: 10 * time.Second,
		CancelGrace:    10 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}
}

func submit(t *testing.T, s *memory.MemoryJobStore, specs ...types.JobSpec) {
	t.Helper()
	for i := range specs {
		if specs[i].Exec.Command == "" {
			specs[i].Exec.Command = "true"
		}
	}
	_, err := s.Create(context.Background(), specs...)
	require.NoError(t, err)
}

func getJob(t *testing.T, s *memory.MemoryJobStore, id string) *types.Job {
	t.Helper()
	job, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func inState(s *memory.MemoryJobStore, id string, st state.JobState) func() bool {
	return func() bool {
		job, err := s.Get(context.Background(), id)
		return err == nil && job.State == st
	}
}

func TestLauncher_ParentThenChildOnOneNode(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s,
		types.JobSpec{ID: "A", Resources: types.ResourceRequest{Nodes: 1}},
		types.JobSpec{ID: "B", Resources: types.ResourceRequest{Nodes: 1}, Parents: []string{"A"}},
	)

	exec := newFakeExecutor()
	exec.autoExit = types.Int(0)
	parentAtChildStart := state.JobState("")
	exec.onStart = func(job types.Job) {
		if job.ID == "B" {
			parent, _ := s.Get(context.Background(), "A")
			parentAtChildStart = parent.State
		}
	}
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Eventually(t, func() bool {
		_, _ = l.RunPass(ctx)
		return getJob(t, s, "B").State == state.StateFinished
	}, waitFor, tick)
	l.Wait()

	assert.Equal(t, []string{"A", "B"}, exec.startedJobs())
	assert.Equal(t, state.StateFinished, parentAtChildStart)

	events, err := s.Events(context.Background(), "B")
	require.NoError(t, err)
	var path []state.JobState
	for _, e := range events {
		path = append(path, e.To)
	}
	assert.Equal(t, state.SuccessPath, path)
	assert.Equal(t, 0, *getJob(t, s, "B").ExitStatus)
}

func TestLauncher_UnsatisfiableDoesNotBlockOthers(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s,
		types.JobSpec{ID: "C", Resources: types.ResourceRequest{Nodes: 10}},
		types.JobSpec{ID: "D", Resources: types.ResourceRequest{Nodes: 1}},
	)

	exec := newFakeExecutor()
	exec.autoExit = types.Int(0)
	l := NewLauncher("L1", s, exec, NewResourceBudget(4, 8, 0), testConfig())

	result, err := l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unsatisfiable)
	assert.Equal(t, 1, result.Launched)

	c := getJob(t, s, "C")
	assert.Equal(t, state.StateFailed, c.State)
	assert.Equal(t, custom_errors.ReasonUnsatisfiable, c.ErrorDetail)
	assert.False(t, c.CanRetry())

	require.Eventually(t, inState(s, "D", state.StateFinished), waitFor, tick)
	l.Wait()

	// never reconsidered
	result, err = l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Unsatisfiable)
}

func TestLauncher_HeartbeatTimeoutReleasesSlot(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "H", Resources: types.ResourceRequest{Nodes: 1}, RetryLimit: 1})

	exec := newFakeExecutor()
	cfg := testConfig()
	cfg.HeartbeatGrace = 50 * time.Millisecond
	budget := NewResourceBudget(1, 8, 0)
	l := NewLauncher("L1", s, exec, budget, cfg)

	_, err := l.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, budget.FreeCores())

	require.Eventually(t, inState(s, "H", state.StateFailed), waitFor, tick)
	l.Wait()

	job := getJob(t, s, "H")
	assert.Equal(t, custom_errors.ReasonHeartbeatTimeout, job.ErrorDetail)
	assert.True(t, job.CanRetry(), "heartbeat timeouts are retried per policy")
	assert.True(t, exec.handle("H").wasTerminated())
	assert.Equal(t, 8, budget.FreeCores())
	assert.Equal(t, 0, l.Busy())
}

func TestLauncher_HeartbeatsKeepJobAlive(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "K", Resources: types.ResourceRequest{Nodes: 1}})

	exec := newFakeExecutor()
	cfg := testConfig()
	cfg.HeartbeatGrace = 60 * time.Millisecond
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), cfg)

	_, err := l.RunPass(context.Background())
	require.NoError(t, err)
	h := exec.handle("K")
	require.NotNil(t, h)

	for i := 0; i < 8; i++ {
		h.beats <- time.Now()
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, state.StateRunning, getJob(t, s, "K").State)

	h.exit(0)
	require.Eventually(t, inState(s, "K", state.StateFinished), waitFor, tick)
	l.Wait()
}

func TestLauncher_WalltimeExceeded(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "W", Resources: types.ResourceRequest{Nodes: 1, WallTimeMinutes: 1}})

	exec := newFakeExecutor()
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), testConfig())
	l.walltimeOf = func(types.Job) time.Duration { return 40 * time.Millisecond }

	_, err := l.RunPass(context.Background())
	require.NoError(t, err)

	require.Eventually(t, inState(s, "W", state.StateFailed), waitFor, tick)
	l.Wait()
	assert.Equal(t, custom_errors.ReasonWalltimeExceeded, getJob(t, s, "W").ErrorDetail)
	assert.True(t, exec.handle("W").wasTerminated())
}

func TestLauncher_NonZeroExit(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "E", Resources: types.ResourceRequest{Nodes: 1}, RetryLimit: 2})

	exec := newFakeExecutor()
	exec.autoExit = types.Int(3)
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), testConfig())

	_, err := l.RunPass(context.Background())
	require.NoError(t, err)
	require.Eventually(t, inState(s, "E", state.StateFailed), waitFor, tick)
	l.Wait()

	job := getJob(t, s, "E")
	require.NotNil(t, job.ExitStatus)
	assert.Equal(t, 3, *job.ExitStatus)
	assert.Contains(t, job.ErrorDetail, custom_errors.ReasonExecutionFailure)
	assert.True(t, job.CanRetry())
}

func TestLauncher_StartFailureReleasesSlot(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "S", Resources: types.ResourceRequest{Nodes: 1}})

	exec := newFakeExecutor()
	exec.startErr = errStart
	budget := NewResourceBudget(1, 8, 0)
	l := NewLauncher("L1", s, exec, budget, testConfig())

	_, err := l.RunPass(context.Background())
	require.NoError(t, err)

	job := getJob(t, s, "S")
	assert.Equal(t, state.StateFailed, job.State)
	assert.Contains(t, job.ErrorDetail, custom_errors.ReasonStartFailure)
	assert.Equal(t, 8, budget.FreeCores())
}

func TestLauncher_CancelWhileRunning(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "X", Resources: types.ResourceRequest{Nodes: 1}})

	exec := newFakeExecutor()
	budget := NewResourceBudget(1, 8, 0)
	l := NewLauncher("L1", s, exec, budget, testConfig())

	_, err := l.RunPass(context.Background())
	require.NoError(t, err)
	_, err = s.Transition(context.Background(), "X", state.StateRunning, state.StateCancelled, types.TransitionFields{Message: "cancelled by client"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return exec.handle("X").wasTerminated() }, waitFor, tick)
	l.Wait()
	assert.Equal(t, state.StateCancelled, getJob(t, s, "X").State)
	assert.Equal(t, 8, budget.FreeCores())
}

func TestLauncher_ShutdownFailsRunningJobs(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "Z", Resources: types.ResourceRequest{Nodes: 1}, RetryLimit: 1})

	exec := newFakeExecutor()
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, inState(s, "Z", state.StateRunning), waitFor, tick)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("launcher did not stop")
	}

	job := getJob(t, s, "Z")
	assert.Equal(t, state.StateFailed, job.State)
	assert.Equal(t, custom_errors.ReasonLauncherShutdown, job.ErrorDetail)
	assert.True(t, job.CanRetry())
}

func TestLauncher_Escalate(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "Q", Resources: types.ResourceRequest{Nodes: 1}})

	exec := newFakeExecutor()
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), testConfig())
	_, err := l.RunPass(context.Background())
	require.NoError(t, err)

	assert.False(t, l.Escalate("unknown"))
	assert.True(t, l.Escalate("Q"))

	require.Eventually(t, inState(s, "Q", state.StateFailed), waitFor, tick)
	l.Wait()
	assert.Equal(t, custom_errors.ReasonStalled, getJob(t, s, "Q").ErrorDetail)
}

func TestLauncher_RunsRetriedJobs(t *testing.T) {
	s := memory.NewMemoryJobStore()
	submit(t, s, types.JobSpec{ID: "R", Resources: types.ResourceRequest{Nodes: 1}, RetryLimit: 1})
	ctx := context.Background()

	exec := newFakeExecutor()
	exec.autoExit = types.Int(1)
	l := NewLauncher("L1", s, exec, NewResourceBudget(1, 8, 0), testConfig())

	_, err := l.RunPass(ctx)
	require.NoError(t, err)
	require.Eventually(t, inState(s, "R", state.StateFailed), waitFor, tick)
	l.Wait()

	_, err = s.Transition(ctx, "R", state.StateFailed, state.StateQueued, types.TransitionFields{IncrementRetry: true})
	require.NoError(t, err)

	exec.autoExit = types.Int(0)
	_, err = l.RunPass(ctx)
	require.NoError(t, err)
	require.Eventually(t, inState(s, "R", state.StateFinished), waitFor, tick)
	l.Wait()
	assert.Equal(t, 1, getJob(t, s, "R").RetryCount)
}

func TestLauncher_ConcurrentLaunchersNeverDoubleRun(t *testing.T) {
	s := memory.NewMemoryJobStore()
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5", "j6"} {
		submit(t, s, types.JobSpec{ID: id, Resources: types.ResourceRequest{Nodes: 1}})
	}

	execA, execB := newFakeExecutor(), newFakeExecutor()
	a := NewLauncher("A", s, execA, NewResourceBudget(3, 8, 0), testConfig())
	b := NewLauncher("B", s, execB, NewResourceBudget(3, 8, 0), testConfig())

	done := make(chan struct{}, 2)
	for _, l := range []*Launcher{a, b} {
		go func(l *Launcher) {
			for i := 0; i < 5; i++ {
				_, _ = l.RunPass(context.Background())
			}
			done <- struct{}{}
		}(l)
	}
	<-done
	<-done

	seen := make(map[string]int)
	for _, id := range append(execA.startedJobs(), execB.startedJobs()...) {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s started %d times", id, n)
	}
	assert.Len(t, seen, 6)

	for _, e := range []*fakeExecutor{execA, execB} {
		for _, id := range e.startedJobs() {
			e.handle(id).exit(0)
		}
	}
	a.Wait()
	b.Wait()
}

func TestLauncher_RenewsLeaseWhileRunning(t *testing.T) {
	s := memory.NewMemoryJobStore()
	leases := memory.NewMemoryLeaseStore()
	l := NewLauncher("L1", s, newFakeExecutor(), NewResourceBudget(1, 1, 0), testConfig())
	l.UseLeaseStore(leases, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		live, err := leases.LiveLaunchers(context.Background())
		return err == nil && live["L1"]
	}, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("launcher did not stop")
	}
	live, err := leases.LiveLaunchers(context.Background())
	require.NoError(t, err)
	assert.False(t, live["L1"], "a clean stop releases the lease")
}
