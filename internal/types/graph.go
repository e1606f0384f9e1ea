package types

import "sort"

// Graph is an in-memory snapshot of the issue set and its edges, loaded at
// the start of each runner cycle. It is never mutated; status changes go
// through the graph store and are picked up at the next load.
type Graph struct {
	Issues map[string]*Issue
	Edges  []*Dependency
}

// NewGraph builds a graph snapshot from issue and edge slices.
func NewGraph(issues []*Issue, edges []*Dependency) *Graph {
	g := &Graph{
		Issues: make(map[string]*Issue, len(issues)),
		Edges:  edges,
	}
	for _, iss := range issues {
		g.Issues[iss.ID] = iss
	}
	return g
}

// Blockers returns the issues that must be done before id is ready.
// Only blocks edges are considered.
func (g *Graph) Blockers(id string) []*Issue {
	var blockers []*Issue
	for _, e := range g.Edges {
		if e.Type != DepBlocks || e.IssueID != id {
			continue
		}
		if iss, ok := g.Issues[e.DependsOnID]; ok {
			blockers = append(blockers, iss)
		}
	}
	return blockers
}

// Dependents returns the issues blocked by id (the inverse of Blockers).
func (g *Graph) Dependents(id string) []*Issue {
	var dependents []*Issue
	for _, e := range g.Edges {
		if e.Type != DepBlocks || e.DependsOnID != id {
			continue
		}
		if iss, ok := g.Issues[e.IssueID]; ok {
			dependents = append(dependents, iss)
		}
	}
	return dependents
}

// Subgraph returns the graph induced by rootID and its transitive blockers.
// Used when the runner is targeted at a single issue.
func (g *Graph) Subgraph(rootID string) *Graph {
	keep := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if keep[id] {
			return
		}
		if _, ok := g.Issues[id]; !ok {
			return
		}
		keep[id] = true
		for _, b := range g.Blockers(id) {
			visit(b.ID)
		}
	}
	visit(rootID)

	var issues []*Issue
	for id := range keep {
		issues = append(issues, g.Issues[id])
	}
	var edges []*Dependency
	for _, e := range g.Edges {
		if keep[e.IssueID] && keep[e.DependsOnID] {
			edges = append(edges, e)
		}
	}
	return NewGraph(issues, edges)
}

// DetectCycle looks for a cycle in the blocks DAG. Returns the issue IDs
// forming the first cycle found, or nil if the graph is acyclic. A cycle is
// a fatal data error: the scheduler fails the whole cycle on one.
func (g *Graph) DetectCycle() []string {
	// Build adjacency over blocks edges only, in sorted order so the
	// reported cycle is deterministic.
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if e.Type != DepBlocks {
			continue
		}
		if _, ok := g.Issues[e.IssueID]; !ok {
			continue
		}
		if _, ok := g.Issues[e.DependsOnID]; !ok {
			continue
		}
		adj[e.IssueID] = append(adj[e.IssueID], e.DependsOnID)
	}
	for _, next := range adj {
		sort.Strings(next)
	}

	var ids []string
	for id := range g.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int, len(ids))
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch state[next] {
			case inStack:
				// Found a back edge; slice the stack from next onward.
				for i, sid := range stack {
					if sid == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			case unvisited:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = finished
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
