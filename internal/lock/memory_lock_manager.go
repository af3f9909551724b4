package lock

import (
	"fmt"
	"sync"
)

// MemoryLockManager is a process local DistributedLockManager for
// single-instance deployments and tests.
type MemoryLockManager struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked map[int]bool
}

func NewMemoryLockManager() *MemoryLockManager {
	m := &MemoryLockManager{locked: make(map[int]bool)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *MemoryLockManager) Acquire(lockID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.locked[lockID] {
		m.cond.Wait()
	}
	m.locked[lockID] = true
	return nil
}

func (m *MemoryLockManager) TryAcquire(lockID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[lockID] {
		return false, nil
	}
	m.locked[lockID] = true
	return true, nil
}

func (m *MemoryLockManager) Release(lockID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked[lockID] {
		return fmt.Errorf("failed to release lock: lock %d is not held", lockID)
	}
	delete(m.locked, lockID)
	m.cond.Broadcast()
	return nil
}
