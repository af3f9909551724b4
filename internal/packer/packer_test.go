package packer

import (
	"fmt"
	"testing"
	"time"

	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func job(id string, nodes, cores, minutes int, createdOffset time.Duration) types.Job {
	return types.Job{
		ID:        id,
		Resources: types.ResourceRequest{Nodes: nodes, CoresPerNode: cores, WallTimeMinutes: minutes},
		CreatedAt: epoch.Add(createdOffset),
	}
}

func emptyBudget(nodes, coresPerNode int) Budget {
	free := make([]int, nodes)
	for i := range free {
		free[i] = coresPerNode
	}
	return Budget{FreeCores: free, CoresPerNode: coresPerNode}
}

func placedIDs(plan Plan) []string {
	var ids []string
	for _, p := range plan.Placements {
		ids = append(ids, p.Job.ID)
	}
	return ids
}

func TestPack_FitsEverything(t *testing.T) {
	plan := Pack([]types.Job{job("a", 1, 4, 10, 0), job("b", 1, 4, 10, time.Second)}, emptyBudget(2, 8))
	assert.ElementsMatch(t, []string{"a", "b"}, placedIDs(plan))
	assert.Empty(t, plan.Unsatisfiable)
	assert.Empty(t, plan.Deferred)
}

func TestPack_UnsatisfiableRequest(t *testing.T) {
	tests := []struct {
		name string
		job  types.Job
	}{
		{"too many nodes", job("c", 10, 0, 10, 0)},
		{"too many cores per node", job("c", 1, 16, 10, 0)},
		{"walltime beyond allocation", job("c", 1, 1, 120, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget := emptyBudget(4, 8)
			budget.Total = time.Hour
			plan := Pack([]types.Job{tt.job, job("small", 1, 1, 5, time.Second)}, budget)
			require.Len(t, plan.Unsatisfiable, 1)
			assert.Equal(t, "c", plan.Unsatisfiable[0].ID)
			assert.Equal(t, []string{"small"}, placedIDs(plan), "other jobs are not blocked")
		})
	}
}

func TestPack_LargestFirstThenFIFO(t *testing.T) {
	jobs := []types.Job{
		job("small-new", 1, 1, 0, 3*time.Second),
		job("big", 2, 8, 0, 2*time.Second),
		job("small-old", 1, 1, 0, time.Second),
	}
	plan := Pack(jobs, emptyBudget(3, 8))
	assert.Equal(t, []string{"big", "small-old", "small-new"}, placedIDs(plan))
}

func TestPack_FIFOTieBreakBoundsStarvation(t *testing.T) {
	jobs := []types.Job{
		job("second", 1, 0, 0, 2*time.Second),
		job("first", 1, 0, 0, time.Second),
	}
	plan := Pack(jobs, emptyBudget(1, 8))
	assert.Equal(t, []string{"first"}, placedIDs(plan))
	require.Len(t, plan.Deferred, 1)
	assert.Equal(t, "second", plan.Deferred[0].ID)
}

func TestPack_WholeNodeNeedsAFreeNode(t *testing.T) {
	budget := emptyBudget(2, 8)
	budget.FreeCores[0] = 7
	budget.FreeCores[1] = 7

	plan := Pack([]types.Job{job("whole", 1, 0, 0, 0)}, budget)
	assert.Empty(t, plan.Placements)
	assert.Len(t, plan.Deferred, 1)
}

func TestPack_BestFitPicksTightestNode(t *testing.T) {
	budget := Budget{FreeCores: []int{8, 3, 5}, CoresPerNode: 8}

	plan := Pack([]types.Job{job("a", 1, 3, 0, 0)}, budget)
	require.Len(t, plan.Placements, 1)
	assert.Equal(t, []int{1}, plan.Placements[0].Nodes)
	assert.Equal(t, 3, plan.Placements[0].CoresPerNode)
}

func TestPack_DefersJobsLongerThanRemainingTime(t *testing.T) {
	budget := emptyBudget(1, 8)
	budget.Total = 2 * time.Hour
	budget.Remaining = 30 * time.Minute

	plan := Pack([]types.Job{job("long", 1, 1, 60, 0), job("short", 1, 1, 20, time.Second)}, budget)
	assert.Equal(t, []string{"short"}, placedIDs(plan))
	require.Len(t, plan.Deferred, 1)
	assert.Equal(t, "long", plan.Deferred[0].ID)
	assert.Empty(t, plan.Unsatisfiable)
}

func TestPack_NeverExceedsBudget(t *testing.T) {
	var jobs []types.Job
	for i := 0; i < 40; i++ {
		jobs = append(jobs, job(fmt.Sprintf("j%02d", i), 1+i%3, i%9, 0, time.Duration(i)*time.Second))
	}
	budget := Budget{FreeCores: []int{8, 8, 4, 2, 8}, CoresPerNode: 8}

	plan := Pack(jobs, budget)
	used := make([]int, len(budget.FreeCores))
	for _, p := range plan.Placements {
		assert.Len(t, p.Nodes, p.Job.Resources.Nodes)
		for _, n := range p.Nodes {
			used[n] += p.CoresPerNode
		}
	}
	for n := range used {
		assert.LessOrEqual(t, used[n], budget.FreeCores[n], "node %d over-committed", n)
	}
	assert.Equal(t, len(jobs), len(plan.Placements)+len(plan.Deferred)+len(plan.Unsatisfiable))
}

func TestPack_Idempotent(t *testing.T) {
	jobs := []types.Job{
		job("a", 2, 4, 0, 0),
		job("b", 1, 8, 0, time.Second),
		job("c", 1, 2, 0, 2*time.Second),
		job("d", 3, 0, 0, 3*time.Second),
	}
	budget := Budget{FreeCores: []int{8, 6, 8}, CoresPerNode: 8}

	first := Pack(jobs, budget)
	second := Pack(jobs, budget)
	assert.Equal(t, first, second)
	assert.Equal(t, []int{8, 6, 8}, budget.FreeCores, "budget is not modified")
}
