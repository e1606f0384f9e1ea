package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/dispatcher"
	"github.com/steveyegge/dk/internal/events"
	"github.com/steveyegge/dk/internal/proof"
	"github.com/steveyegge/dk/internal/storage"
	"github.com/steveyegge/dk/internal/types"
	"github.com/steveyegge/dk/internal/workcell"
)

type fakeDispatch struct {
	mu     sync.Mutex
	calls  int
	result func(iss *types.Issue) *dispatcher.Result
	spec   func(iss *types.Issue, n int) []*dispatcher.Result
}

func (f *fakeDispatch) Dispatch(ctx context.Context, iss *types.Issue) *dispatcher.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result(iss)
}

func (f *fakeDispatch) DispatchSpeculate(ctx context.Context, iss *types.Issue, n int) []*dispatcher.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.spec(iss, n)
}

// fakeVerify trusts the verification block the fake dispatcher baked in.
type fakeVerify struct{}

func (fakeVerify) Verify(ctx context.Context, p *proof.Proof, workcellPath string) bool {
	return p.Verification.AllPassed
}

type fakeWorkcells struct {
	mu       sync.Mutex
	cells    map[string]*workcell.Workcell
	cleaned  map[string]bool // workcell ID -> keepLogs
	applied  []string
	applyErr error
}

func newFakeWorkcells(ids ...string) *fakeWorkcells {
	f := &fakeWorkcells{
		cells:   map[string]*workcell.Workcell{},
		cleaned: map[string]bool{},
	}
	for _, id := range ids {
		f.cells[id] = &workcell.Workcell{ID: id, IssueID: "dk-1", Path: "/tmp/" + id}
	}
	return f
}

func (f *fakeWorkcells) Get(id string) (*workcell.Workcell, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wc, ok := f.cells[id]
	return wc, ok
}

func (f *fakeWorkcells) Active() []*workcell.Workcell {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*workcell.Workcell
	for _, wc := range f.cells {
		out = append(out, wc)
	}
	return out
}

func (f *fakeWorkcells) Cleanup(ctx context.Context, wc *workcell.Workcell, keepLogs bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cells, wc.ID)
	f.cleaned[wc.ID] = keepLogs
	return nil
}

func (f *fakeWorkcells) ApplyPatch(ctx context.Context, p *proof.Proof, wc *workcell.Workcell) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return "", f.applyErr
	}
	f.applied = append(f.applied, wc.ID)
	return "merge-" + wc.ID, nil
}

func passingProof(wcID, issueID, tc string) *proof.Proof {
	return &proof.Proof{
		SchemaVersion: proof.SchemaVersion,
		WorkcellID:    wcID,
		IssueID:       issueID,
		Status:        proof.StatusSuccess,
		Confidence:    0.9,
		Risk:          "low",
		Verification:  proof.Verification{AllPassed: true},
		Metadata:      proof.Metadata{Toolchain: tc},
	}
}

func failingProof(wcID, issueID string, blocking ...string) *proof.Proof {
	p := passingProof(wcID, issueID, "claude")
	p.Status = proof.StatusFailed
	p.Verification.AllPassed = false
	p.Verification.BlockingFailures = blocking
	return p
}

func newTestRunner(t *testing.T, fd *fakeDispatch, fw *fakeWorkcells, opts Options, mutate func(*config.Config)) (*Runner, storage.GraphStore) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, &storage.Config{Path: ":memory:", IssuePrefix: "dk"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	kc := &Context{
		Config:    cfg,
		Store:     store,
		Workcells: fw,
		Dispatch:  fd,
		Verify:    fakeVerify{},
		Clock:     func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		Log:       zerolog.Nop(),
	}
	return New(kc, opts), store
}

func createIssue(t *testing.T, store storage.GraphStore, iss *types.Issue) {
	t.Helper()
	_, err := store.CreateIssue(context.Background(), iss, "test")
	require.NoError(t, err)
}

func eventTypes(t *testing.T, store storage.GraphStore, issueID string) []events.Type {
	t.Helper()
	evs, err := store.GetEvents(context.Background(), issueID, 50)
	require.NoError(t, err)
	var out []events.Type
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestRunSingleCycleSuccess(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa")
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		return &dispatcher.Result{
			Success:    true,
			Proof:      passingProof("wc-dk-1-aaa", iss.ID, "claude"),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Add parser", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, iss.Status)
	assert.Equal(t, 1, iss.Attempts)

	assert.Equal(t, []string{"wc-dk-1-aaa"}, fw.applied)
	// Winner logs kept per config default.
	assert.True(t, fw.cleaned["wc-dk-1-aaa"])

	evs := eventTypes(t, store, "dk-1")
	assert.Contains(t, evs, events.TypeStarted)
	assert.Contains(t, evs, events.TypePatchMerged)
	assert.Contains(t, evs, events.TypeCompleted)
}

func TestRunFailureRequeues(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa")
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		return &dispatcher.Result{
			Proof:      failingProof("wc-dk-1-aaa", iss.ID, "lint"),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Add parser", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, iss.Status)
	assert.Equal(t, 1, iss.Attempts)
	assert.Contains(t, eventTypes(t, store, "dk-1"), events.TypeFailed)

	// Failed workcells never keep logs.
	assert.False(t, fw.cleaned["wc-dk-1-aaa"])
}

func TestMergeFailureCountsAsAttempt(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa")
	fw.applyErr = assert.AnError
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		return &dispatcher.Result{
			Success:    true,
			Proof:      passingProof("wc-dk-1-aaa", iss.ID, "claude"),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Add parser", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, iss.Status)
	assert.Equal(t, 1, iss.Attempts)
}

func TestEscalationAfterExhaustedAttempts(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa")
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		return &dispatcher.Result{
			Proof:      failingProof("wc-dk-1-aaa", iss.ID, "test"),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	createIssue(t, store, &types.Issue{
		ID: "dk-1", Title: "Add parser", Status: types.StatusOpen,
		Priority: 1, Attempts: 2, MaxAttempts: 3,
	})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusEscalated, iss.Status)
	assert.Equal(t, 3, iss.Attempts)
	assert.Contains(t, eventTypes(t, store, "dk-1"), events.TypeEscalated)

	// The needs-human child exists, is blocked, and points back at dk-1.
	g, err := store.LoadGraph(context.Background())
	require.NoError(t, err)
	var child *types.Issue
	for _, other := range g.Issues {
		if strings.HasPrefix(other.Title, "[ESCALATION] ") {
			child = other
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "[ESCALATION] Add parser", child.Title)
	assert.Equal(t, types.StatusBlocked, child.Status)
	assert.Equal(t, "dk-1", child.ParentID)
	assert.Equal(t, 1, child.Priority)
	assert.Contains(t, child.Tags, "escalation")
	assert.Contains(t, child.Tags, "needs-human")

	foundEdge := false
	for _, e := range g.Edges {
		if e.Type == types.DepParentOf && e.IssueID == "dk-1" && e.DependsOnID == child.ID {
			foundEdge = true
		}
	}
	assert.True(t, foundEdge)

	// Escalated and blocked issues never come back to the ready set.
	ready, err := store.GetReady(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func assetFailure(wcID, issueID string) *proof.Proof {
	p := failingProof(wcID, issueID, "fab-realism-car")
	p.Verification.Gates = map[string]proof.GateResult{
		"fab-realism-car": {
			Passed:   false,
			Verdict:  proof.VerdictFail,
			Scores:   map[string]float64{"realism": 0.72, "scale": 0.31},
			Failures: []string{"GEO_SCALE_IMPLAUSIBLE"},
			NextActions: []proof.NextAction{{
				Priority:     1,
				FailCode:     "GEO_SCALE_IMPLAUSIBLE",
				Instructions: "Scale the model so its length is 3-6 m.",
			}},
			Artifacts: []string{"renders/front.png"},
		},
	}
	return p
}

func TestAssetFailureInjectsRepairHints(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa", "wc-dk-1-bbb")
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		return &dispatcher.Result{
			Proof:      assetFailure("wc-dk-1-aaa", iss.ID),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	createIssue(t, store, &types.Issue{
		ID: "dk-1", Title: "Model a sedan", Status: types.StatusOpen,
		MaxAttempts: 6, Tags: []string{"asset:car"},
	})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, iss.Status)
	assert.Contains(t, iss.Description, RepairHintOpen)
	assert.Contains(t, iss.Description, RepairHintClose)
	assert.Contains(t, iss.Description, "- [P1] GEO_SCALE_IMPLAUSIBLE: Scale the model so its length is 3-6 m.")

	// A second failed attempt replaces the region instead of stacking.
	fw.cells["wc-dk-1-aaa"] = &workcell.Workcell{ID: "wc-dk-1-aaa", IssueID: "dk-1"}
	require.NoError(t, r.Run(context.Background()))
	iss, err = store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(iss.Description, RepairHintOpen))
}

func TestAssetFailureSynthesizesRepairIssue(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa")
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		return &dispatcher.Result{
			Proof:      assetFailure("wc-dk-1-aaa", iss.ID),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	// Half the budget already burned: the feedback graduates to a child.
	createIssue(t, store, &types.Issue{
		ID: "dk-1", Title: "Model a sedan", Status: types.StatusOpen,
		Attempts: 1, MaxAttempts: 4, Tags: []string{"asset:car"},
	})

	require.NoError(t, r.Run(context.Background()))

	g, err := store.LoadGraph(context.Background())
	require.NoError(t, err)
	var child *types.Issue
	for _, other := range g.Issues {
		if strings.HasPrefix(other.Title, "[REPAIR ") {
			child = other
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "[REPAIR 2] Model a sedan", child.Title)
	assert.Equal(t, 1, child.Priority) // GEO_SCALE_IMPLAUSIBLE is a hard fail
	assert.Equal(t, "dk-1", child.ParentID)
	assert.Contains(t, child.Tags, "repair")
	assert.Contains(t, child.Tags, "asset")
	assert.Contains(t, child.Tags, "iteration:2")
	assert.Contains(t, child.Tags, "asset:car")
	assert.Contains(t, child.Description, "## High priority")
	assert.Contains(t, child.Description, "✓ fab-realism-car/realism: 0.72")
	assert.Contains(t, child.Description, "✗ fab-realism-car/scale: 0.31")
	assert.Contains(t, child.Description, "renders/front.png")

	// The repair child blocks the original: only the child is ready.
	ready, err := store.GetReady(context.Background())
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, child.ID, ready[0].ID)

	assert.Contains(t, eventTypes(t, store, "dk-1"), events.TypeRepair)
}

func TestSpeculateLanePicksWinner(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa", "wc-dk-1-bbb")
	fd := &fakeDispatch{spec: func(iss *types.Issue, n int) []*dispatcher.Result {
		strong := passingProof("wc-dk-1-aaa", iss.ID, "claude")
		weak := passingProof("wc-dk-1-bbb", iss.ID, "codex")
		weak.Confidence = 0.3
		return []*dispatcher.Result{
			{Success: true, Proof: strong, WorkcellID: strong.WorkcellID, IssueID: iss.ID, Toolchain: "claude", SpeculateTag: "claude"},
			{Success: true, Proof: weak, WorkcellID: weak.WorkcellID, IssueID: iss.ID, Toolchain: "codex", SpeculateTag: "codex"},
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true, ForceSpeculate: true}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Add parser", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, iss.Status)

	// Only the winner merged; the loser's workcell is gone without logs.
	assert.Equal(t, []string{"wc-dk-1-aaa"}, fw.applied)
	keepLogs, cleaned := fw.cleaned["wc-dk-1-bbb"]
	assert.True(t, cleaned)
	assert.False(t, keepLogs)
	assert.True(t, fw.cleaned["wc-dk-1-aaa"])

	assert.Contains(t, eventTypes(t, store, "dk-1"), events.TypeSpeculate)
}

func TestSpeculateNoWinnerFailPolicy(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa", "wc-dk-1-bbb")
	fd := &fakeDispatch{spec: func(iss *types.Issue, n int) []*dispatcher.Result {
		a := failingProof("wc-dk-1-aaa", iss.ID, "lint")
		b := failingProof("wc-dk-1-bbb", iss.ID, "lint")
		return []*dispatcher.Result{
			{Proof: a, WorkcellID: a.WorkcellID, IssueID: iss.ID, Toolchain: "claude"},
			{Proof: b, WorkcellID: b.WorkcellID, IssueID: iss.ID, Toolchain: "codex"},
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true, ForceSpeculate: true}, func(cfg *config.Config) {
		cfg.Speculate.OnNoWinner = config.NoWinnerFail
	})
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Add parser", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, iss.Status)
	assert.Equal(t, 1, iss.Attempts)
	// Nothing merged and no workcell survived the cycle.
	assert.Empty(t, fw.applied)
	assert.Empty(t, fw.cells)
}

func TestDryRunTouchesNothing(t *testing.T) {
	fw := newFakeWorkcells()
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		t.Errorf("dry run must not dispatch")
		return &dispatcher.Result{IssueID: iss.ID}
	}}
	r, store := newTestRunner(t, fd, fw, Options{DryRun: true}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Add parser", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))

	iss, err := store.GetIssue(context.Background(), "dk-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, iss.Status)
	assert.Equal(t, 0, fd.calls)
}

func TestTargetIssueNotFound(t *testing.T) {
	fw := newFakeWorkcells()
	fd := &fakeDispatch{}
	r, _ := newTestRunner(t, fd, fw, Options{SingleCycle: true, TargetIssue: "dk-404"}, nil)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dk-404")
}

func TestTargetIssueRestrictsToSubgraph(t *testing.T) {
	fw := newFakeWorkcells("wc-dk-1-aaa")
	fd := &fakeDispatch{result: func(iss *types.Issue) *dispatcher.Result {
		assert.Equal(t, "dk-1", iss.ID)
		return &dispatcher.Result{
			Success:    true,
			Proof:      passingProof("wc-dk-1-aaa", iss.ID, "claude"),
			WorkcellID: "wc-dk-1-aaa",
			IssueID:    iss.ID,
			Toolchain:  "claude",
		}
	}}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true, TargetIssue: "dk-1"}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "Target", Status: types.StatusOpen, MaxAttempts: 3})
	createIssue(t, store, &types.Issue{ID: "dk-2", Title: "Unrelated", Status: types.StatusOpen, MaxAttempts: 3})

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, fd.calls)

	unrelated, err := store.GetIssue(context.Background(), "dk-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, unrelated.Status)
}

func TestDependencyCycleFailsCycle(t *testing.T) {
	fw := newFakeWorkcells()
	fd := &fakeDispatch{}
	r, store := newTestRunner(t, fd, fw, Options{SingleCycle: true}, nil)
	createIssue(t, store, &types.Issue{ID: "dk-1", Title: "A", Status: types.StatusOpen, MaxAttempts: 3})
	createIssue(t, store, &types.Issue{ID: "dk-2", Title: "B", Status: types.StatusOpen, MaxAttempts: 3})
	ctx := context.Background()
	require.NoError(t, store.AddEdge(ctx, &types.Dependency{IssueID: "dk-1", DependsOnID: "dk-2", Type: types.DepBlocks}, "test"))
	require.NoError(t, store.AddEdge(ctx, &types.Dependency{IssueID: "dk-2", DependsOnID: "dk-1", Type: types.DepBlocks}, "test"))

	summary, err := r.runCycle(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary.CycleError, "dependency cycle detected")
	assert.Equal(t, 0, fd.calls)
}

func TestSummaryCounters(t *testing.T) {
	s := NewSummary(time.Now())
	s.AddOutcome(&outcome{IssueID: "dk-1", Done: true, Toolchain: "claude"})
	s.AddOutcome(&outcome{IssueID: "dk-2", Error: "gates failed: lint"})
	s.AddOutcome(&outcome{IssueID: "dk-3", Escalated: true, Error: "gates failed: test"})
	s.AddOutcome(&outcome{IssueID: "dk-4", RepairedBy: "dk-9"})

	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Escalated)
	assert.Equal(t, 1, s.Repaired)
}
