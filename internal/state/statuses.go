package state

type JobState string

const (
	StateCreated    JobState = "CREATED"
	StateStagingIn  JobState = "STAGING_IN"
	StateReady      JobState = "READY"
	StateQueued     JobState = "QUEUED"
	StateRunning    JobState = "RUNNING"
	StateStagingOut JobState = "STAGING_OUT"
	StateFinished   JobState = "FINISHED"
	StateFailed     JobState = "FAILED"
	StateCancelled  JobState = "CANCELLED"
)

func (s JobState) String() string {
	return string(s)
}

var AllStates = []JobState{
	StateCreated,
	StateStagingIn,
	StateReady,
	StateQueued,
	StateRunning,
	StateStagingOut,
	StateFinished,
	StateFailed,
	StateCancelled,
}

// NonTerminalStates are the states from which FAILED and CANCELLED are reachable.
var NonTerminalStates = []JobState{
	StateCreated,
	StateStagingIn,
	StateReady,
	StateQueued,
	StateRunning,
	StateStagingOut,
}

type Transition struct {
	From JobState
	To   JobState
}

// SuccessPath is the ordered happy path of a job.
var SuccessPath = []JobState{
	StateCreated,
	StateStagingIn,
	StateReady,
	StateQueued,
	StateRunning,
	StateStagingOut,
	StateFinished,
}

// RetryEdge revisits FAILED. It is only valid when the store can prove the
// job has retries left, so it is kept apart from ValidTransitions.
var RetryEdge = Transition{From: StateFailed, To: StateQueued}

var ValidTransitions = buildTransitions()

func buildTransitions() []Transition {
	var out []Transition
	for i := 0; i+1 < len(SuccessPath); i++ {
		out = append(out, Transition{From: SuccessPath[i], To: SuccessPath[i+1]})
	}
	for _, s := range NonTerminalStates {
		out = append(out,
			Transition{From: s, To: StateFailed},
			Transition{From: s, To: StateCancelled},
		)
	}
	return out
}

// IsValidTransition reports whether from -> to is a regular state machine edge.
// The retry edge is not included; see IsRetryTransition.
func IsValidTransition(from, to JobState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

func IsRetryTransition(from, to JobState) bool {
	return from == RetryEdge.From && to == RetryEdge.To
}

func (s JobState) IsTerminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

func (s JobState) IsValid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsValidPath reports whether a recorded state sequence walks the graph,
// counting the retry edge as legal.
func IsValidPath(path []JobState) bool {
	for i := 0; i+1 < len(path); i++ {
		if !IsValidTransition(path[i], path[i+1]) && !IsRetryTransition(path[i], path[i+1]) {
			return false
		}
	}
	return true
}
