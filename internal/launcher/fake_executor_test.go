package launcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RezaEskandarii/hpcfire/types"
)

type fakeHandle struct {
	done       chan ExitResult
	beats      chan time.Time
	terminated chan struct{}
	once       sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		done:       make(chan ExitResult, 1),
		beats:      make(chan time.Time, 1),
		terminated: make(chan struct{}),
	}
}

func (h *fakeHandle) Done() <-chan ExitResult      { return h.done }
func (h *fakeHandle) Heartbeats() <-chan time.Time { return h.beats }
func (h *fakeHandle) OutputPath() string           { return "" }

func (h *fakeHandle) Terminate(grace time.Duration) {
	h.once.Do(func() { close(h.terminated) })
}

func (h *fakeHandle) exit(code int) {
	h.done <- ExitResult{ExitStatus: code}
}

func (h *fakeHandle) wasTerminated() bool {
	select {
	case <-h.terminated:
		return true
	default:
		return false
	}
}

// fakeExecutor hands out fakeHandles. With autoExit set every job exits with
// that status right after it starts.
type fakeExecutor struct {
	mu       sync.Mutex
	handles  map[string]*fakeHandle
	started  []string
	autoExit *int
	startErr error
	onStart  func(job types.Job)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handles: make(map[string]*fakeHandle)}
}

func (e *fakeExecutor) Start(ctx context.Context, job types.Job, slot *WorkerSlot) (Handle, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	if e.onStart != nil {
		e.onStart(job)
	}
	h := newFakeHandle()
	e.mu.Lock()
	e.handles[job.ID] = h
	e.started = append(e.started, job.ID)
	e.mu.Unlock()
	if e.autoExit != nil {
		h.exit(*e.autoExit)
	}
	return h, nil
}

func (e *fakeExecutor) handle(jobID string) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[jobID]
}

func (e *fakeExecutor) startedJobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

var errStart = errors.New("no such binary")
