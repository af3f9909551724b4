package launcher

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerSlot is a portion of the allocation bound to one running job.
type WorkerSlot struct {
	ID        string
	Nodes     []int
	Cores     int
	JobID     string
	StartedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	escalate      chan struct{}
}

func newWorkerSlot(jobID string, nodes []int, cores int, now time.Time) *WorkerSlot {
	return &WorkerSlot{
		ID:            uuid.NewString(),
		Nodes:         append([]int(nil), nodes...),
		Cores:         cores,
		JobID:         jobID,
		StartedAt:     now,
		lastHeartbeat: now,
		escalate:      make(chan struct{}, 1),
	}
}

func (s *WorkerSlot) Beat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

func (s *WorkerSlot) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// requestTermination asks the slot's monitor to stop the job. Repeated
// requests collapse into one.
func (s *WorkerSlot) requestTermination() {
	select {
	case s.escalate <- struct{}{}:
	default:
	}
}
