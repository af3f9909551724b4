package packer

import (
	"sort"
	"time"

	"github.com/RezaEskandarii/hpcfire/types"
)

// Budget is a snapshot of what the allocation can still give out.
type Budget struct {
	// FreeCores holds the free cores of every node in the allocation, by node index.
	FreeCores []int
	// CoresPerNode is the capacity of one node.
	CoresPerNode int
	// Remaining is the walltime left in the allocation. Zero means unbounded.
	Remaining time.Duration
	// Total is the walltime of the whole allocation. Zero means unbounded.
	Total time.Duration
}

// Placement binds a job to concrete nodes.
type Placement struct {
	Job          types.Job
	Nodes        []int
	CoresPerNode int
}

// Plan is the result of one scheduling pass.
type Plan struct {
	Placements []Placement
	// Unsatisfiable jobs can never fit this allocation.
	Unsatisfiable []types.Job
	// Deferred jobs fit the allocation but not what is free right now.
	Deferred []types.Job
}

// Cores returns the cores a request takes on each of its nodes.
func Cores(r types.ResourceRequest, coresPerNode int) int {
	if r.CoresPerNode <= 0 {
		return coresPerNode
	}
	return r.CoresPerNode
}

// Satisfiable reports whether the request could ever fit an empty allocation.
func Satisfiable(r types.ResourceRequest, b Budget) bool {
	if r.Nodes < 1 || r.Nodes > len(b.FreeCores) {
		return false
	}
	if r.CoresPerNode > b.CoresPerNode {
		return false
	}
	if b.Total > 0 && r.WallTime() > b.Total {
		return false
	}
	return true
}

// Pack selects jobs for the free capacity with best-fit decreasing: larger
// requests first, ties broken by creation time then ID, each placed on the
// tightest nodes that still fit. Pack is pure; the same input yields the same
// plan and budget is never modified.
func Pack(jobs []types.Job, budget Budget) Plan {
	var plan Plan

	free := append([]int(nil), budget.FreeCores...)
	candidates := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		if !Satisfiable(job.Resources, budget) {
			plan.Unsatisfiable = append(plan.Unsatisfiable, job)
			continue
		}
		candidates = append(candidates, job)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := candidates[i].Resources.Nodes * Cores(candidates[i].Resources, budget.CoresPerNode)
		sj := candidates[j].Resources.Nodes * Cores(candidates[j].Resources, budget.CoresPerNode)
		if si != sj {
			return si > sj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, job := range candidates {
		if budget.Remaining > 0 && job.Resources.WallTime() > budget.Remaining {
			plan.Deferred = append(plan.Deferred, job)
			continue
		}
		cores := Cores(job.Resources, budget.CoresPerNode)
		nodes := bestFit(free, job.Resources.Nodes, cores)
		if nodes == nil {
			plan.Deferred = append(plan.Deferred, job)
			continue
		}
		for _, n := range nodes {
			free[n] -= cores
		}
		plan.Placements = append(plan.Placements, Placement{Job: job, Nodes: nodes, CoresPerNode: cores})
	}
	return plan
}

// bestFit returns count node indexes with at least cores free, preferring the
// nodes with the least free capacity, or nil when not enough nodes qualify.
func bestFit(free []int, count, cores int) []int {
	var fit []int
	for i, f := range free {
		if f >= cores {
			fit = append(fit, i)
		}
	}
	if len(fit) < count {
		return nil
	}
	sort.SliceStable(fit, func(a, b int) bool {
		return free[fit[a]] < free[fit[b]]
	})
	nodes := append([]int(nil), fit[:count]...)
	sort.Ints(nodes)
	return nodes
}
