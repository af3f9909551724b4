package state

import (
	"testing"
)

func TestJobState_String(t *testing.T) {
	tests := []struct {
		name     string
		state    JobState
		expected string
	}{
		{name: "Created state", state: StateCreated, expected: "CREATED"},
		{name: "Staging in state", state: StateStagingIn, expected: "STAGING_IN"},
		{name: "Running state", state: StateRunning, expected: "RUNNING"},
		{name: "Cancelled state", state: StateCancelled, expected: "CANCELLED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobState
		to       JobState
		expected bool
	}{
		{name: "Valid: Created to Staging in", from: StateCreated, to: StateStagingIn, expected: true},
		{name: "Valid: Staging in to Ready", from: StateStagingIn, to: StateReady, expected: true},
		{name: "Valid: Ready to Queued", from: StateReady, to: StateQueued, expected: true},
		{name: "Valid: Queued to Running", from: StateQueued, to: StateRunning, expected: true},
		{name: "Valid: Running to Staging out", from: StateRunning, to: StateStagingOut, expected: true},
		{name: "Valid: Staging out to Finished", from: StateStagingOut, to: StateFinished, expected: true},
		{name: "Valid: Created to Failed", from: StateCreated, to: StateFailed, expected: true},
		{name: "Valid: Running to Cancelled", from: StateRunning, to: StateCancelled, expected: true},
		{name: "Invalid: Created to Ready skips staging", from: StateCreated, to: StateReady, expected: false},
		{name: "Invalid: Running to Finished skips staging out", from: StateRunning, to: StateFinished, expected: false},
		{name: "Invalid: Finished to Failed", from: StateFinished, to: StateFailed, expected: false},
		{name: "Invalid: Cancelled to Queued", from: StateCancelled, to: StateQueued, expected: false},
		{name: "Invalid: Failed to Queued is the retry edge, not a regular one", from: StateFailed, to: StateQueued, expected: false},
		{name: "Invalid: Failed to Cancelled", from: StateFailed, to: StateCancelled, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestIsRetryTransition(t *testing.T) {
	if !IsRetryTransition(StateFailed, StateQueued) {
		t.Error("FAILED -> QUEUED should be the retry edge")
	}
	if IsRetryTransition(StateCancelled, StateQueued) {
		t.Error("CANCELLED -> QUEUED is not a retry edge")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range AllStates {
		want := s == StateFinished || s == StateFailed || s == StateCancelled
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, s.IsTerminal(), want)
		}
	}
}

func TestIsValidPath(t *testing.T) {
	if !IsValidPath(SuccessPath) {
		t.Error("success path must be valid")
	}
	retried := []JobState{StateCreated, StateStagingIn, StateReady, StateQueued, StateRunning, StateFailed, StateQueued, StateRunning, StateStagingOut, StateFinished}
	if !IsValidPath(retried) {
		t.Error("path with a retry edge must be valid")
	}
	if IsValidPath([]JobState{StateCreated, StateQueued}) {
		t.Error("skipping states must be invalid")
	}
}
