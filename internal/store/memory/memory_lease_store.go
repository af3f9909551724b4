package memory

import (
	"context"
	"sync"
	"time"
)

type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryLeaseStore) WithClock(now func() time.Time) *MemoryLeaseStore {
	s.now = now
	return s
}

func (s *MemoryLeaseStore) RenewLease(ctx context.Context, launcherID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[launcherID] = s.now().Add(ttl)
	return nil
}

func (s *MemoryLeaseStore) ReleaseLease(ctx context.Context, launcherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, launcherID)
	return nil
}

func (s *MemoryLeaseStore) LiveLaunchers(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	live := make(map[string]bool, len(s.leases))
	for id, expires := range s.leases {
		if expires.After(now) {
			live[id] = true
		} else {
			delete(s.leases, id)
		}
	}
	return live, nil
}
