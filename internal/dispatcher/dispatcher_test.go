package dispatcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/git"
	"github.com/steveyegge/dk/internal/proof"
	"github.com/steveyegge/dk/internal/toolchain"
	"github.com/steveyegge/dk/internal/types"
	"github.com/steveyegge/dk/internal/workcell"
)

// fakeAdapter returns canned proofs and records invocations.
type fakeAdapter struct {
	name      string
	available bool
	status    proof.Status
	calls     atomic.Int64
}

func (f *fakeAdapter) Name() string                          { return f.name }
func (f *fakeAdapter) Available() bool                       { return f.available }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeAdapter) ExecuteSync(ctx context.Context, m *proof.Manifest, workcellPath string, timeout time.Duration) *proof.Proof {
	f.calls.Add(1)
	p := &proof.Proof{
		SchemaVersion: proof.SchemaVersion,
		WorkcellID:    m.WorkcellID,
		IssueID:       m.Issue.ID,
		Status:        f.status,
		Confidence:    0.8,
		Risk:          "low",
		Metadata:      proof.Metadata{Toolchain: f.name},
	}
	_ = proof.WriteProof(p, workcellPath)
	return p
}

func (f *fakeAdapter) ExecuteAsync(ctx context.Context, m *proof.Manifest, workcellPath string, timeout time.Duration) <-chan *proof.Proof {
	ch := make(chan *proof.Proof, 1)
	ch <- f.ExecuteSync(ctx, m, workcellPath, timeout)
	return ch
}

func (f *fakeAdapter) EstimateCost(m *proof.Manifest) toolchain.CostEstimate {
	return toolchain.CostEstimate{Tokens: 1000}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		require.NoError(t, exec.Command("git", append([]string{"-C", dir}, args...)...).Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", "-A").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "initial").Run())
	return dir
}

func newDispatcher(t *testing.T, adapters ...*fakeAdapter) (*Dispatcher, *workcell.Manager) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.RepoRoot = initRepo(t)
	cfg.WorkcellRoot = filepath.Join(t.TempDir(), "workcells")

	g, err := git.New(ctx)
	require.NoError(t, err)
	wm, err := workcell.NewManager(ctx, workcell.Config{
		RepoRoot: cfg.RepoRoot,
		Root:     cfg.WorkcellRoot,
	}, g)
	require.NoError(t, err)

	registry := toolchain.NewRegistry(cfg, cfg.SensitivePaths)
	for _, name := range cfg.ToolchainPriority {
		registry.Register(&fakeAdapter{name: name}) // unavailable by default
	}
	for _, a := range adapters {
		registry.Register(a)
	}
	return New(cfg, registry, wm, zerolog.Nop()), wm
}

func testIssue(id string, tags ...string) *types.Issue {
	return &types.Issue{
		ID:          id,
		Title:       "Issue " + id,
		Status:      types.StatusOpen,
		Priority:    2,
		Risk:        types.RiskLow,
		MaxAttempts: 3,
		Tags:        tags,
	}
}

func TestBuildManifestDefaultGates(t *testing.T) {
	d, wm := newDispatcher(t, &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess})
	wc, err := wm.Create(context.Background(), "dk-1", "")
	require.NoError(t, err)

	m := d.BuildManifest(testIssue("dk-1"), wc, "claude", false, "")

	assert.Equal(t, "1.0.0", m.SchemaVersion)
	assert.Equal(t, wc.ID, m.WorkcellID)
	assert.Equal(t, wc.Branch, m.Branch)
	require.Contains(t, m.QualityGates, "test")
	require.Contains(t, m.QualityGates, "typecheck")
	require.Contains(t, m.QualityGates, "lint")
	assert.True(t, m.QualityGates["test"].IsCodeGate())
}

func TestBuildManifestAssetGates(t *testing.T) {
	d, wm := newDispatcher(t, &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess})
	wc, err := wm.Create(context.Background(), "dk-1", "")
	require.NoError(t, err)

	m := d.BuildManifest(testIssue("dk-1", "asset:car", "gate:godot"), wc, "claude", false, "")

	// Code gates stay, fab gates are added.
	require.Contains(t, m.QualityGates, "test")
	fab := m.QualityGates["fab-realism-car"]
	assert.Equal(t, proof.GateTypeFabRealism, fab.Type)
	assert.Equal(t, "car", fab.Params["category"])
	assert.Equal(t, proof.GateTypeFabGodot, m.QualityGates["fab-godot"].Type)
}

func TestBuildManifestGateConfigOverride(t *testing.T) {
	d, wm := newDispatcher(t, &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess})
	wc, err := wm.Create(context.Background(), "dk-1", "")
	require.NoError(t, err)

	m := d.BuildManifest(testIssue("dk-1", "asset:car", "gate:config:strict-v2"), wc, "claude", false, "")
	assert.Equal(t, "strict-v2", m.QualityGates["fab-realism-car"].Params["gate_config_id"])
}

func TestBuildManifestAssetOnly(t *testing.T) {
	d, wm := newDispatcher(t, &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess})
	wc, err := wm.Create(context.Background(), "dk-1", "")
	require.NoError(t, err)

	m := d.BuildManifest(testIssue("dk-1", "asset:car", "gate:asset-only"), wc, "claude", false, "")

	assert.NotContains(t, m.QualityGates, "test")
	assert.NotContains(t, m.QualityGates, "typecheck")
	assert.NotContains(t, m.QualityGates, "lint")
	assert.Contains(t, m.QualityGates, "fab-realism-car")
}

func TestDispatchSuccess(t *testing.T) {
	a := &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess}
	d, _ := newDispatcher(t, a)

	res := d.Dispatch(context.Background(), testIssue("dk-1"))

	assert.True(t, res.Success)
	assert.Equal(t, "dk-1", res.IssueID)
	assert.Equal(t, "claude", res.Toolchain)
	assert.NotEmpty(t, res.WorkcellID)
	require.NotNil(t, res.Proof)
	assert.Equal(t, proof.StatusSuccess, res.Proof.Status)
	assert.Equal(t, int64(1), a.calls.Load())
}

func TestDispatchPartialCountsAsSuccess(t *testing.T) {
	a := &fakeAdapter{name: "claude", available: true, status: proof.StatusPartial}
	d, _ := newDispatcher(t, a)

	res := d.Dispatch(context.Background(), testIssue("dk-1"))
	assert.True(t, res.Success)
}

func TestDispatchHonorsToolHint(t *testing.T) {
	claude := &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess}
	opencode := &fakeAdapter{name: "opencode", available: true, status: proof.StatusSuccess}
	d, _ := newDispatcher(t, claude, opencode)

	iss := testIssue("dk-1")
	iss.ToolHint = "opencode"
	res := d.Dispatch(context.Background(), iss)

	assert.Equal(t, "opencode", res.Toolchain)
	assert.Equal(t, int64(1), opencode.calls.Load())
	assert.Equal(t, int64(0), claude.calls.Load())
}

func TestDispatchNoAdapter(t *testing.T) {
	d, _ := newDispatcher(t) // nothing available

	res := d.Dispatch(context.Background(), testIssue("dk-1"))

	assert.False(t, res.Success)
	assert.Equal(t, "no_adapter_available", res.Error)
	require.NotNil(t, res.Proof)
	assert.Equal(t, proof.StatusError, res.Proof.Status)
}

func TestDispatchSpeculateOnePerCandidate(t *testing.T) {
	claude := &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess}
	codex := &fakeAdapter{name: "codex", available: true, status: proof.StatusSuccess}
	d, wm := newDispatcher(t, claude, codex)

	results := d.DispatchSpeculate(context.Background(), testIssue("dk-1"), 2)

	require.Len(t, results, 2)
	assert.Equal(t, "claude", results[0].SpeculateTag)
	assert.Equal(t, "codex", results[1].SpeculateTag)
	assert.NotEqual(t, results[0].WorkcellID, results[1].WorkcellID)
	// Both ran to completion; no early stop.
	for _, r := range results {
		assert.True(t, r.Success)
		require.NotNil(t, r.Proof)
	}
	assert.Len(t, wm.Active(), 2)
}

func TestDispatchSpeculateRepeatsAdaptersWhenShort(t *testing.T) {
	claude := &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess}
	d, _ := newDispatcher(t, claude)

	results := d.DispatchSpeculate(context.Background(), testIssue("dk-1"), 3)

	require.Len(t, results, 3)
	tags := []string{results[0].SpeculateTag, results[1].SpeculateTag, results[2].SpeculateTag}
	assert.ElementsMatch(t, []string{"claude", "claude-2", "claude-3"}, tags)
	assert.Equal(t, int64(3), claude.calls.Load())
}

func TestDispatchSpeculateNoAdapters(t *testing.T) {
	d, _ := newDispatcher(t)
	results := d.DispatchSpeculate(context.Background(), testIssue("dk-1"), 2)
	require.Len(t, results, 1)
	assert.Equal(t, "no_adapter_available", results[0].Error)
}

func TestDispatchWritesManifestToWorkcell(t *testing.T) {
	a := &fakeAdapter{name: "claude", available: true, status: proof.StatusSuccess}
	d, wm := newDispatcher(t, a)

	res := d.Dispatch(context.Background(), testIssue("dk-1", "asset:tree"))
	wc, ok := wm.Get(res.WorkcellID)
	require.True(t, ok)

	m, err := proof.LoadManifest(wc.Path)
	require.NoError(t, err)
	assert.Equal(t, "dk-1", m.Issue.ID)
	assert.Contains(t, m.QualityGates, "fab-realism-tree")
}
