package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
	"github.com/google/uuid"
)

// Submitter is the only way specs enter the store. It rejects malformed
// specs, unknown parents and dependency cycles before anything is written.
type Submitter struct {
	store store.JobStore
}

func NewSubmitter(s store.JobStore) *Submitter {
	return &Submitter{store: s}
}

// ValidateSpec checks the fields of a single spec.
func ValidateSpec(spec types.JobSpec) []error {
	var errs []error
	label := specLabel(spec)
	if strings.TrimSpace(spec.Exec.Command) == "" {
		errs = append(errs, fmt.Errorf("%s: command is required", label))
	}
	if spec.Resources.Nodes < 1 {
		errs = append(errs, fmt.Errorf("%s: nodes must be at least 1", label))
	}
	if spec.Resources.CoresPerNode < 0 {
		errs = append(errs, fmt.Errorf("%s: cores_per_node must not be negative", label))
	}
	if spec.Resources.WallTimeMinutes < 0 {
		errs = append(errs, fmt.Errorf("%s: wall_time_minutes must not be negative", label))
	}
	if spec.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("%s: retry_limit must not be negative", label))
	}
	if spec.Policy != "" && !spec.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("%s: unknown dependency policy %q", label, spec.Policy))
	}
	for _, p := range spec.Parents {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("%s: empty parent reference", label))
		} else if p == spec.ID || (spec.Name != "" && p == spec.Name) {
			errs = append(errs, fmt.Errorf("%s: job cannot depend on itself", label))
		}
	}
	return errs
}

// Submit validates the batch and creates it atomically. Parents may name
// existing job IDs, or the ID or name of another spec in the same batch.
// The returned IDs follow the order of specs.
func (s *Submitter) Submit(ctx context.Context, specs ...types.JobSpec) ([]string, error) {
	verr := &custom_errors.ValidationError{}
	if len(specs) == 0 {
		verr.Addf("no job specs submitted")
		return nil, verr
	}

	batch := make([]types.JobSpec, len(specs))
	byRef := make(map[string]int, len(specs)*2)
	known := make(map[string]bool)
	for i, spec := range specs {
		for _, err := range ValidateSpec(spec) {
			verr.Add(err)
		}
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		} else {
			taken, err := s.parentExists(ctx, spec.ID, known)
			if err != nil {
				return nil, err
			}
			if taken {
				verr.Addf("%s: job id %q already exists", specLabel(spec), spec.ID)
			}
		}
		if prev, ok := byRef[spec.ID]; ok && prev != i {
			verr.Addf("%s: duplicate id in batch", specLabel(spec))
		}
		byRef[spec.ID] = i
		if spec.Name != "" {
			if prev, ok := byRef[spec.Name]; ok && prev != i {
				verr.Addf("%s: duplicate name in batch", specLabel(spec))
			}
			byRef[spec.Name] = i
		}
		batch[i] = spec
	}
	if verr.HasError() {
		return nil, verr
	}

	// edges[i] are the batch indexes spec i depends on.
	edges := make([][]int, len(batch))
	for i := range batch {
		seen := make(map[string]bool, len(batch[i].Parents))
		resolved := make([]string, 0, len(batch[i].Parents))
		for _, ref := range batch[i].Parents {
			if j, ok := byRef[ref]; ok {
				id := batch[j].ID
				if !seen[id] {
					edges[i] = append(edges[i], j)
					resolved = append(resolved, id)
					seen[id] = true
				}
				continue
			}
			if seen[ref] {
				continue
			}
			exists, err := s.parentExists(ctx, ref, known)
			if err != nil {
				return nil, err
			}
			if !exists {
				verr.Addf("%s: unknown parent %q", specLabel(batch[i]), ref)
				continue
			}
			resolved = append(resolved, ref)
			seen[ref] = true
		}
		batch[i].Parents = resolved
	}
	if verr.HasError() {
		return nil, verr
	}

	order, cyclic := topoSort(edges)
	if len(cyclic) > 0 {
		labels := make([]string, 0, len(cyclic))
		for _, i := range cyclic {
			labels = append(labels, specLabel(batch[i]))
		}
		verr.Addf("dependency cycle among %s", strings.Join(labels, ", "))
		return nil, verr
	}

	ordered := make([]types.JobSpec, 0, len(batch))
	for _, i := range order {
		ordered = append(ordered, batch[i])
	}
	if _, err := s.store.Create(ctx, ordered...); err != nil {
		if errors.Is(err, custom_errors.ErrAlreadyExists) {
			verr.Add(err)
			return nil, verr
		}
		return nil, fmt.Errorf("failed to create jobs: %w", err)
	}

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	return ids, nil
}

// parentExists reports whether a job with id is stored. Lookups are cached
// in known for the rest of the batch.
func (s *Submitter) parentExists(ctx context.Context, id string, known map[string]bool) (bool, error) {
	if ok, cached := known[id]; cached {
		return ok, nil
	}
	_, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		known[id] = true
	case errors.Is(err, custom_errors.ErrNotFound):
		known[id] = false
	default:
		return false, fmt.Errorf("failed to look up job %s: %w", id, err)
	}
	return known[id], nil
}

// topoSort orders nodes so every parent precedes its children (Kahn). The
// second result lists the nodes left on a cycle, sorted.
func topoSort(edges [][]int) ([]int, []int) {
	n := len(edges)
	indegree := make([]int, n)
	children := make([][]int, n)
	for child, parents := range edges {
		indegree[child] = len(parents)
		for _, p := range parents {
			children[p] = append(children[p], child)
		}
	}

	var queue, order []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, c := range children[node] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) == n {
		return order, nil
	}

	var cyclic []int
	for i := 0; i < n; i++ {
		if indegree[i] > 0 {
			cyclic = append(cyclic, i)
		}
	}
	sort.Ints(cyclic)
	return order, cyclic
}

func specLabel(spec types.JobSpec) string {
	switch {
	case spec.Name != "":
		return spec.Name
	case spec.ID != "":
		return spec.ID
	}
	return "job"
}
