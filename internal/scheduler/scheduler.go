// Package scheduler turns a graph snapshot into the cycle's scheduled
// lanes: ready-set computation, critical-path ranking, slot and token
// admission, and speculate marking. Pure computation over its inputs;
// identical inputs always produce identical schedules.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/steveyegge/dk/internal/types"
)

// SkipReason explains why a ready issue was not admitted.
type SkipReason string

const (
	SkipSlotLimit  SkipReason = "slot_limit"
	SkipTokenLimit SkipReason = "token_limit"
)

// Lane is one admitted issue, optionally marked for speculation.
type Lane struct {
	Issue     *types.Issue
	Speculate bool
}

// Skipped pairs a ready-but-unadmitted issue with its reason.
type Skipped struct {
	Issue  *types.Issue
	Reason SkipReason
}

// Schedule is the scheduler's complete answer for one cycle.
type Schedule struct {
	Lanes []*Lane
	// SpeculateIssues lists the IDs of lanes marked speculate.
	SpeculateIssues []string
	Skipped         []*Skipped
	// Ready is the full ranked ready set before admission.
	Ready []*types.Issue
	// CriticalPath is the longest blocks chain in the graph, deepest
	// blocker first.
	CriticalPath []string
}

// Config bounds admission.
type Config struct {
	MaxConcurrentWorkcells int
	MaxConcurrentTokens    int
	ForceSpeculate         bool
}

// Build computes the schedule for one cycle. running holds issue IDs
// currently being dispatched; they are excluded from candidates. A
// cycle in the blocks DAG is a fatal data error: the returned error
// carries the cycle and the schedule is nil.
func Build(g *types.Graph, running map[string]bool, cfg Config) (*Schedule, error) {
	if cycle := g.DetectCycle(); cycle != nil {
		return nil, fmt.Errorf("dependency cycle detected: %v", cycle)
	}

	depth := longestPaths(g)
	critical := criticalPath(g, depth)
	onCritical := make(map[string]bool, len(critical))
	for _, id := range critical {
		onCritical[id] = true
	}

	ready := readySet(g, running)
	rank(ready, depth)

	s := &Schedule{Ready: ready, CriticalPath: critical}
	usedTokens := 0
	for _, iss := range ready {
		if len(s.Lanes) >= cfg.MaxConcurrentWorkcells {
			s.Skipped = append(s.Skipped, &Skipped{Issue: iss, Reason: SkipSlotLimit})
			continue
		}
		if usedTokens+iss.EstimatedTokens > cfg.MaxConcurrentTokens {
			s.Skipped = append(s.Skipped, &Skipped{Issue: iss, Reason: SkipTokenLimit})
			continue
		}
		usedTokens += iss.EstimatedTokens

		lane := &Lane{
			Issue:     iss,
			Speculate: speculate(iss, onCritical[iss.ID], cfg.ForceSpeculate),
		}
		s.Lanes = append(s.Lanes, lane)
		if lane.Speculate {
			s.SpeculateIssues = append(s.SpeculateIssues, iss.ID)
		}
	}
	return s, nil
}

// readySet collects schedulable issues whose blocks blockers are all
// done, excluding in-flight work. Deterministic order by ID.
func readySet(g *types.Graph, running map[string]bool) []*types.Issue {
	var ready []*types.Issue
	for _, iss := range g.Issues {
		if !iss.Status.Schedulable() || running[iss.ID] {
			continue
		}
		blocked := false
		for _, b := range g.Blockers(iss.ID) {
			if b.Status != types.StatusDone {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, iss)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// longestPaths computes, per node, the length of the longest chain of
// blocks dependents hanging off it. Leaves (nothing depends on them)
// score 1.
func longestPaths(g *types.Graph) map[string]int {
	memo := make(map[string]int, len(g.Issues))
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		// Mark before recursing; Build already rejected cycles, so this
		// only guards against re-entry during memoization.
		memo[id] = 1
		best := 0
		for _, dep := range g.Dependents(id) {
			if d := visit(dep.ID); d > best {
				best = d
			}
		}
		memo[id] = 1 + best
		return memo[id]
	}
	for id := range g.Issues {
		visit(id)
	}
	return memo
}

// criticalPath extracts the longest blocks chain: the deepest node
// first, then at each step the dependent with the greatest remaining
// depth. Ties break lexicographically so the chain is deterministic.
func criticalPath(g *types.Graph, depth map[string]int) []string {
	start := ""
	for id := range g.Issues {
		if start == "" || depth[id] > depth[start] || (depth[id] == depth[start] && id < start) {
			start = id
		}
	}
	if start == "" {
		return nil
	}

	var path []string
	current := start
	for {
		path = append(path, current)
		next := ""
		for _, dep := range g.Dependents(current) {
			if next == "" || depth[dep.ID] > depth[next] || (depth[dep.ID] == depth[next] && dep.ID < next) {
				next = dep.ID
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}

// rank orders the ready set: longest downstream chain first, then
// priority (P0 before P1), then risk (critical before low), then
// estimated tokens ascending. The pre-sort by ID makes the whole
// ordering total.
func rank(ready []*types.Issue, depth map[string]int) {
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if depth[a.ID] != depth[b.ID] {
			return depth[a.ID] > depth[b.ID]
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Risk.Rank() != b.Risk.Rank() {
			return a.Risk.Rank() > b.Risk.Rank()
		}
		return a.EstimatedTokens < b.EstimatedTokens
	})
}

// speculate decides the advisory mark: forced, or a risky issue on the
// critical path that still has most of its attempts left.
func speculate(iss *types.Issue, onCriticalPath, force bool) bool {
	if force {
		return true
	}
	if !onCriticalPath {
		return false
	}
	if iss.Risk != types.RiskHigh && iss.Risk != types.RiskCritical {
		return false
	}
	return float64(iss.Attempts) < float64(iss.MaxAttempts)/2
}
