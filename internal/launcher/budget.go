package launcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/packer"
)

// ResourceBudget is the capacity accounting of one launcher's allocation. It
// is owned by that launcher and never shared across processes.
type ResourceBudget struct {
	mu           sync.Mutex
	coresPerNode int
	free         []int
	total        time.Duration
	deadline     time.Time
	corrupted    bool
	now          func() time.Time
}

// NewResourceBudget describes an allocation of nodes with coresPerNode cores
// each, ending walltime from now. A zero walltime never expires.
func NewResourceBudget(nodes, coresPerNode int, walltime time.Duration) *ResourceBudget {
	b := &ResourceBudget{
		coresPerNode: coresPerNode,
		free:         make([]int, nodes),
		total:        walltime,
		now:          time.Now,
	}
	for i := range b.free {
		b.free[i] = coresPerNode
	}
	if walltime > 0 {
		b.deadline = b.now().Add(walltime)
	}
	return b
}

// Snapshot returns a copy for the packer.
func (b *ResourceBudget) Snapshot() packer.Budget {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := packer.Budget{
		FreeCores:    append([]int(nil), b.free...),
		CoresPerNode: b.coresPerNode,
		Total:        b.total,
	}
	if !b.deadline.IsZero() {
		snap.Remaining = b.deadline.Sub(b.now())
		if snap.Remaining <= 0 {
			snap.Remaining = time.Nanosecond
		}
	}
	return snap
}

// Bind takes the placement's cores. Binding more than is free means the
// accounting is broken; the budget is then marked corrupted for good.
func (b *ResourceBudget) Bind(p packer.Placement) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.corrupted {
		return custom_errors.ErrBudgetCorrupted
	}
	for _, n := range p.Nodes {
		if n < 0 || n >= len(b.free) || b.free[n]-p.CoresPerNode < 0 {
			b.corrupted = true
			return fmt.Errorf("%w: bind of %d cores on node %d", custom_errors.ErrBudgetCorrupted, p.CoresPerNode, n)
		}
	}
	for _, n := range p.Nodes {
		b.free[n] -= p.CoresPerNode
	}
	return nil
}

// Release returns cores taken by Bind.
func (b *ResourceBudget) Release(nodes []int, cores int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range nodes {
		if n < 0 || n >= len(b.free) || b.free[n]+cores > b.coresPerNode {
			b.corrupted = true
			return fmt.Errorf("%w: release of %d cores on node %d", custom_errors.ErrBudgetCorrupted, cores, n)
		}
	}
	for _, n := range nodes {
		b.free[n] += cores
	}
	return nil
}

func (b *ResourceBudget) Corrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.corrupted
}

// Expired reports whether the allocation walltime is over.
func (b *ResourceBudget) Expired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.deadline.IsZero() && !b.now().Before(b.deadline)
}

// FreeCores is the sum of free cores over all nodes.
func (b *ResourceBudget) FreeCores() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, f := range b.free {
		total += f
	}
	return total
}

// Capacity is the number of cores of the whole allocation.
func (b *ResourceBudget) Capacity() int {
	return len(b.free) * b.coresPerNode
}
