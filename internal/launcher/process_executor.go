package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RezaEskandarii/hpcfire/types"
)

// ProcessExecutor runs each job as `bash -c <command>` in its own process
// group, with stdout and stderr written to <workdir>/<shortid>.out.
//
// A job beats while its process is runnable; a stopped or reaped process
// stays silent. Jobs that touch $HPCFIRE_HEARTBEAT_FILE opt into a stricter
// check and beat only while the file's mtime keeps advancing.
type ProcessExecutor struct {
	Shell             string
	HeartbeatInterval time.Duration
}

func NewProcessExecutor(heartbeatInterval time.Duration) *ProcessExecutor {
	return &ProcessExecutor{Shell: "bash", HeartbeatInterval: heartbeatInterval}
}

func (e *ProcessExecutor) Start(ctx context.Context, job types.Job, slot *WorkerSlot) (Handle, error) {
	workdir := job.Exec.WorkDir
	if workdir == "" {
		workdir = "."
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	outPath := filepath.Join(workdir, job.ShortID()+".out")
	beatPath, err := filepath.Abs(filepath.Join(workdir, job.ShortID()+".heartbeat"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve heartbeat file: %w", err)
	}
	if err := os.Remove(beatPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear heartbeat file: %w", err)
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	cmd := exec.Command(e.Shell, "-c", job.Exec.Command)
	cmd.Dir = workdir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), jobEnv(job, slot)...)
	cmd.Env = append(cmd.Env, HeartbeatFileEnv+"="+beatPath)
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to start %q: %w", job.Exec.Command, err)
	}

	interval := e.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	h := &processHandle{
		cmd:        cmd,
		outPath:    outPath,
		beatPath:   beatPath,
		done:       make(chan ExitResult, 1),
		exited:     make(chan struct{}),
		heartbeats: make(chan time.Time, 1),
	}
	go h.wait(out)
	go h.beat(interval)
	return h, nil
}

func jobEnv(job types.Job, slot *WorkerSlot) []string {
	env := make([]string, 0, len(job.Exec.Env)+4)
	for k, v := range job.Exec.Env {
		env = append(env, k+"="+v)
	}
	nodes := make([]string, 0, len(slot.Nodes))
	for _, n := range slot.Nodes {
		nodes = append(nodes, strconv.Itoa(n))
	}
	return append(env,
		"HPCFIRE_JOB_ID="+job.ID,
		"HPCFIRE_SLOT_ID="+slot.ID,
		"HPCFIRE_NODES="+strings.Join(nodes, ","),
		"HPCFIRE_CORES_PER_NODE="+strconv.Itoa(slot.Cores),
	)
}

// HeartbeatFileEnv names the file a job may touch to prove it makes progress.
const HeartbeatFileEnv = "HPCFIRE_HEARTBEAT_FILE"

type processHandle struct {
	cmd        *exec.Cmd
	outPath    string
	beatPath   string
	done       chan ExitResult
	exited     chan struct{}
	heartbeats chan time.Time
	terminate  sync.Once
}

func (h *processHandle) Done() <-chan ExitResult      { return h.done }
func (h *processHandle) Heartbeats() <-chan time.Time { return h.heartbeats }
func (h *processHandle) OutputPath() string           { return h.outPath }

func (h *processHandle) wait(out *os.File) {
	err := h.cmd.Wait()
	out.Close()
	close(h.exited)
	_ = os.Remove(h.beatPath)

	result := ExitResult{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitStatus = exitErr.ExitCode()
		if result.ExitStatus < 0 {
			result.Err = err
		}
	default:
		result.ExitStatus = -1
		result.Err = err
	}
	h.done <- result
}

func (h *processHandle) beat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastTouch time.Time
	for {
		select {
		case <-h.exited:
			return
		case t := <-ticker.C:
			if !h.alive(&lastTouch) {
				continue
			}
			select {
			case h.heartbeats <- t:
			default:
			}
		}
	}
}

// alive reports whether the worker showed life since the previous tick.
func (h *processHandle) alive(lastTouch *time.Time) bool {
	if info, err := os.Stat(h.beatPath); err == nil {
		if !info.ModTime().After(*lastTouch) {
			return false
		}
		*lastTouch = info.ModTime()
		return true
	}
	return processRunnable(h.cmd.Process.Pid)
}

func (h *processHandle) Terminate(grace time.Duration) {
	h.terminate.Do(func() {
		signalProcessGroup(h.cmd, false)
		select {
		case <-h.exited:
			return
		case <-time.After(grace):
		}
		signalProcessGroup(h.cmd, true)
		<-h.exited
	})
}
