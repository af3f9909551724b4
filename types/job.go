package types

import (
	"time"

	"github.com/RezaEskandarii/hpcfire/internal/state"
)

// DependencyPolicy decides which parent outcomes release a dependent job.
type DependencyPolicy string

const (
	// PolicyAllSucceeded requires every parent to reach FINISHED.
	PolicyAllSucceeded DependencyPolicy = "all_succeeded"
	// PolicyAllTerminated only requires every parent to settle, whatever the outcome.
	PolicyAllTerminated DependencyPolicy = "all_terminated"
)

func (p DependencyPolicy) IsValid() bool {
	return p == PolicyAllSucceeded || p == PolicyAllTerminated
}

// ResourceRequest is what a job asks from the allocation.
type ResourceRequest struct {
	Nodes           int `json:"nodes" yaml:"nodes"`
	CoresPerNode    int `json:"cores_per_node" yaml:"cores_per_node"` // 0 means whole nodes
	WallTimeMinutes int `json:"wall_time_minutes" yaml:"wall_time_minutes"`
}

// WallTime returns the declared walltime; zero means no declared ceiling.
func (r ResourceRequest) WallTime() time.Duration {
	return time.Duration(r.WallTimeMinutes) * time.Minute
}

// ExecSpec describes the command a job runs.
type ExecSpec struct {
	Command string            `json:"command" yaml:"command"`
	WorkDir string            `json:"workdir" yaml:"workdir"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// JobSpec is the validated submission record. Parents reference existing job
// IDs, or names of other specs submitted in the same batch.
type JobSpec struct {
	ID         string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Resources  ResourceRequest   `json:"resources" yaml:"resources"`
	Exec       ExecSpec          `json:"exec" yaml:"exec"`
	Parents    []string          `json:"parents,omitempty" yaml:"parents,omitempty"`
	Policy     DependencyPolicy  `json:"policy,omitempty" yaml:"policy,omitempty"`
	RetryLimit int               `json:"retry_limit" yaml:"retry_limit"`
	Tags       map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type Job struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	State      state.JobState    `json:"state"`
	Version    int64             `json:"version"`
	Resources  ResourceRequest   `json:"resources"`
	Exec       ExecSpec          `json:"exec"`
	Parents    []string          `json:"parents,omitempty"`
	Policy     DependencyPolicy  `json:"policy"`
	RetryCount int               `json:"retry_count"`
	RetryLimit int               `json:"retry_limit"`
	Retryable  bool              `json:"retryable"`
	Tags       map[string]string `json:"tags,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`

	LauncherID  string `json:"launcher_id,omitempty"`
	SlotID      string `json:"slot_id,omitempty"`
	ExitStatus  *int   `json:"exit_status,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// ShortID is the first 8 characters of the identifier, used in logs.
func (j Job) ShortID() string {
	if len(j.ID) <= 8 {
		return j.ID
	}
	return j.ID[:8]
}

// CanRetry reports whether the retry edge may be taken.
func (j Job) CanRetry() bool {
	return j.State == state.StateFailed && j.Retryable && j.RetryCount < j.RetryLimit
}

// SettledFailure reports whether the job ended unsuccessfully for good.
func (j Job) SettledFailure() bool {
	switch j.State {
	case state.StateCancelled:
		return true
	case state.StateFailed:
		return !j.CanRetry()
	}
	return false
}

// TimeInState is how long the job has been in its current state.
func (j Job) TimeInState(now time.Time) time.Duration {
	return now.Sub(j.LastTransitionAt)
}

// Event is one entry of a job's transition history.
type Event struct {
	JobID     string         `json:"job_id"`
	From      state.JobState `json:"from"`
	To        state.JobState `json:"to"`
	Version   int64          `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
}

// TransitionFields are the optional side effects applied together with a
// conditional transition.
type TransitionFields struct {
	// ExpectedVersion rejects the write when the stored version differs. Zero skips the check.
	ExpectedVersion int64
	// Message is recorded in the history; entering FAILED it becomes ErrorDetail.
	Message string
	// ExitStatus is recorded when set.
	ExitStatus *int
	// LauncherID and SlotID overwrite the binding when set; an empty string clears it.
	LauncherID *string
	SlotID     *string
	// IncrementRetry bumps RetryCount. Required on the retry edge.
	IncrementRetry bool
	// Permanent marks a FAILED transition as not retryable.
	Permanent bool
}

// String returns a pointer to s, for TransitionFields.
func String(s string) *string {
	return &s
}

// Int returns a pointer to i, for TransitionFields.
func Int(i int) *int {
	return &i
}

// JobFilter narrows List queries. Zero values match everything.
type JobFilter struct {
	States     []state.JobState  `json:"states,omitempty"`
	IDContains string            `json:"id_contains,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}
