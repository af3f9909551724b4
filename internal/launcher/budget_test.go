package launcher

import (
	"testing"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/packer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceBudget_BindRelease(t *testing.T) {
	b := NewResourceBudget(2, 8, 0)
	assert.Equal(t, 16, b.Capacity())

	require.NoError(t, b.Bind(packer.Placement{Nodes: []int{0, 1}, CoresPerNode: 4}))
	assert.Equal(t, 8, b.FreeCores())
	assert.Equal(t, []int{4, 4}, b.Snapshot().FreeCores)

	require.NoError(t, b.Release([]int{0, 1}, 4))
	assert.Equal(t, 16, b.FreeCores())
	assert.False(t, b.Corrupted())
}

func TestResourceBudget_OverCommitCorrupts(t *testing.T) {
	b := NewResourceBudget(1, 8, 0)
	require.NoError(t, b.Bind(packer.Placement{Nodes: []int{0}, CoresPerNode: 6}))

	err := b.Bind(packer.Placement{Nodes: []int{0}, CoresPerNode: 6})
	assert.ErrorIs(t, err, custom_errors.ErrBudgetCorrupted)
	assert.True(t, b.Corrupted())

	// once corrupted, no further binding
	assert.ErrorIs(t, b.Bind(packer.Placement{Nodes: []int{0}, CoresPerNode: 1}), custom_errors.ErrBudgetCorrupted)
}

func TestResourceBudget_OverReleaseCorrupts(t *testing.T) {
	b := NewResourceBudget(1, 8, 0)
	assert.ErrorIs(t, b.Release([]int{0}, 1), custom_errors.ErrBudgetCorrupted)
	assert.True(t, b.Corrupted())
}

func TestResourceBudget_Walltime(t *testing.T) {
	b := NewResourceBudget(1, 8, time.Hour)
	now := time.Now()
	b.now = func() time.Time { return now.Add(30 * time.Minute) }

	snap := b.Snapshot()
	assert.Equal(t, time.Hour, snap.Total)
	assert.InDelta(t, float64(30*time.Minute), float64(snap.Remaining), float64(time.Second))
	assert.False(t, b.Expired())

	b.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.True(t, b.Expired())
}

func TestResourceBudget_NoWalltimeNeverExpires(t *testing.T) {
	b := NewResourceBudget(1, 8, 0)
	assert.False(t, b.Expired())
	assert.Zero(t, b.Snapshot().Remaining)
}

func TestLauncher_CorruptedBudgetStopsRun(t *testing.T) {
	b := NewResourceBudget(1, 8, 0)
	_ = b.Release([]int{0}, 1)

	l := NewLauncher("L1", nil, newFakeExecutor(), b, testConfig())
	err := l.Run(t.Context())
	assert.ErrorIs(t, err, custom_errors.ErrBudgetCorrupted)
}
