package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueValidate(t *testing.T) {
	valid := &Issue{
		Title:           "Fix the frobnicator",
		Status:          StatusOpen,
		Priority:        2,
		Risk:            RiskLow,
		EstimatedTokens: 50000,
		MaxAttempts:     3,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Issue)
	}{
		{"empty title", func(i *Issue) { i.Title = "" }},
		{"priority out of range", func(i *Issue) { i.Priority = 4 }},
		{"negative priority", func(i *Issue) { i.Priority = -1 }},
		{"bad status", func(i *Issue) { i.Status = "half-done" }},
		{"bad risk", func(i *Issue) { i.Risk = "scary" }},
		{"negative tokens", func(i *Issue) { i.EstimatedTokens = -1 }},
		{"attempts over max", func(i *Issue) { i.Attempts = 4 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := *valid
			tt.mutate(&issue)
			assert.Error(t, issue.Validate())
		})
	}
}

func TestStatusSchedulable(t *testing.T) {
	assert.True(t, StatusOpen.Schedulable())
	assert.True(t, StatusReady.Schedulable())
	assert.False(t, StatusRunning.Schedulable())
	assert.False(t, StatusDone.Schedulable())
	assert.False(t, StatusEscalated.Schedulable())
	assert.False(t, StatusBlocked.Schedulable())
	assert.False(t, StatusAbandoned.Schedulable())
}

func TestRiskRankOrdering(t *testing.T) {
	assert.Greater(t, RiskCritical.Rank(), RiskHigh.Rank())
	assert.Greater(t, RiskHigh.Rank(), RiskMedium.Rank())
	assert.Greater(t, RiskMedium.Rank(), RiskLow.Rank())
}

func TestPriorityLabel(t *testing.T) {
	i := &Issue{Priority: 0}
	assert.Equal(t, "P0", i.PriorityLabel())
	i.Priority = 3
	assert.Equal(t, "P3", i.PriorityLabel())
}

func TestGraphBlockersAndDependents(t *testing.T) {
	g := NewGraph(
		[]*Issue{
			{ID: "dk-1", Status: StatusOpen},
			{ID: "dk-2", Status: StatusDone},
			{ID: "dk-3", Status: StatusOpen},
		},
		[]*Dependency{
			{IssueID: "dk-3", DependsOnID: "dk-2", Type: DepBlocks},
			{IssueID: "dk-3", DependsOnID: "dk-1", Type: DepRelated},
		},
	)

	blockers := g.Blockers("dk-3")
	require.Len(t, blockers, 1, "related edges must not affect readiness")
	assert.Equal(t, "dk-2", blockers[0].ID)

	deps := g.Dependents("dk-2")
	require.Len(t, deps, 1)
	assert.Equal(t, "dk-3", deps[0].ID)
}

func TestGraphSubgraph(t *testing.T) {
	g := NewGraph(
		[]*Issue{
			{ID: "dk-1"}, {ID: "dk-2"}, {ID: "dk-3"}, {ID: "dk-4"},
		},
		[]*Dependency{
			{IssueID: "dk-3", DependsOnID: "dk-2", Type: DepBlocks},
			{IssueID: "dk-2", DependsOnID: "dk-1", Type: DepBlocks},
			// dk-4 is unrelated and should not survive the restriction.
			{IssueID: "dk-4", DependsOnID: "dk-1", Type: DepBlocks},
		},
	)

	sub := g.Subgraph("dk-3")
	assert.Len(t, sub.Issues, 3)
	assert.NotContains(t, sub.Issues, "dk-4")
	assert.Len(t, sub.Edges, 2)
}

func TestGraphDetectCycle(t *testing.T) {
	acyclic := NewGraph(
		[]*Issue{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]*Dependency{
			{IssueID: "b", DependsOnID: "a", Type: DepBlocks},
			{IssueID: "c", DependsOnID: "b", Type: DepBlocks},
		},
	)
	assert.Nil(t, acyclic.DetectCycle())

	cyclic := NewGraph(
		[]*Issue{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]*Dependency{
			{IssueID: "b", DependsOnID: "a", Type: DepBlocks},
			{IssueID: "c", DependsOnID: "b", Type: DepBlocks},
			{IssueID: "a", DependsOnID: "c", Type: DepBlocks},
		},
	)
	cycle := cyclic.DetectCycle()
	require.NotNil(t, cycle)
	assert.Len(t, cycle, 3)

	// Related edges never form blocking cycles.
	related := NewGraph(
		[]*Issue{{ID: "a"}, {ID: "b"}},
		[]*Dependency{
			{IssueID: "a", DependsOnID: "b", Type: DepRelated},
			{IssueID: "b", DependsOnID: "a", Type: DepRelated},
		},
	)
	assert.Nil(t, related.DetectCycle())
}

func TestParseRoutingHints(t *testing.T) {
	hints := ParseRoutingHints([]string{
		"asset:car",
		"gate:godot",
		"gate:config:strict-v2",
		"backend",
	})
	assert.Equal(t, "car", hints.AssetCategory)
	assert.True(t, hints.IsAsset())
	assert.True(t, hints.WantsEngineGate())
	assert.False(t, hints.AssetOnly())
	assert.Equal(t, "strict-v2", hints.GateConfigID)

	none := ParseRoutingHints([]string{"backend", "urgent"})
	assert.False(t, none.IsAsset())
	assert.False(t, none.WantsEngineGate())
	assert.Empty(t, none.GateConfigID)

	// First asset tag wins; engine is an alias for godot.
	multi := ParseRoutingHints([]string{"asset:tree", "asset:rock", "gate:engine", "gate:asset-only"})
	assert.Equal(t, "tree", multi.AssetCategory)
	assert.True(t, multi.WantsEngineGate())
	assert.True(t, multi.AssetOnly())
}
