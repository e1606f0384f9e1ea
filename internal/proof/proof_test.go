package proof

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		WorkcellID:    "wc-dk-1-01ABCDEF",
		Branch:        "wc/dk-1/01ABCDEF",
		Issue: IssueSnapshot{
			ID:             "dk-1",
			Title:          "Add retry backoff",
			ForbiddenPaths: []string{".github/"},
			Tags:           []string{"asset:car"},
		},
		Toolchain: "claude",
		QualityGates: map[string]GateDef{
			"test": {Command: "go test ./..."},
			"fab-realism": {
				Type:   GateTypeFabRealism,
				Params: map[string]any{"category": "car"},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestGateDefWireFormat(t *testing.T) {
	// Code gates serialize as bare strings.
	data, err := json.Marshal(GateDef{Command: "go vet ./..."})
	require.NoError(t, err)
	assert.Equal(t, `"go vet ./..."`, string(data))

	// Fab gates serialize as objects with the type discriminator inline.
	data, err = json.Marshal(GateDef{
		Type:   GateTypeFabRealism,
		Params: map[string]any{"category": "car"},
	})
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, GateTypeFabRealism, obj["type"])
	assert.Equal(t, "car", obj["category"])

	// Both forms parse back.
	var g GateDef
	require.NoError(t, json.Unmarshal([]byte(`"npm test"`), &g))
	assert.True(t, g.IsCodeGate())
	assert.Equal(t, "npm test", g.Command)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"fab-godot","scene":"main"}`), &g))
	assert.True(t, g.IsFabGate())
	assert.Equal(t, GateTypeFabGodot, g.Type)
	assert.Equal(t, "main", g.Params["scene"])
}

func TestManifestImmutable(t *testing.T) {
	dir := t.TempDir()
	m := testManifest()

	require.NoError(t, WriteManifest(m, dir))

	// Exactly one manifest per workcell: a second write must fail.
	err := WriteManifest(m, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.WorkcellID, loaded.WorkcellID)
	assert.Equal(t, m.Issue.ID, loaded.Issue.ID)
	assert.True(t, loaded.QualityGates["test"].IsCodeGate())
	assert.True(t, loaded.QualityGates["fab-realism"].IsFabGate())
}

func TestManifestToleratesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	doc := `{"schema_version":"1.0.0","workcell_id":"wc-x","branch":"b",
		"issue":{"id":"dk-9","title":"t","future_field":42},
		"toolchain":"codex","shiny_new_thing":{"a":1}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(doc), 0644))

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "dk-9", m.Issue.ID)
}

func TestProofRoundTrip(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &Proof{
		SchemaVersion: SchemaVersion,
		WorkcellID:    "wc-dk-1-01ABCDEF",
		IssueID:       "dk-1",
		Status:        StatusSuccess,
		Patch: Patch{
			Branch:     "wc/dk-1/01ABCDEF",
			BaseCommit: "aaa111",
			HeadCommit: "bbb222",
			DiffStats:  DiffStats{FilesChanged: 3, Insertions: 40, Deletions: 10},
		},
		Metadata: Metadata{
			Toolchain:   "claude",
			StartedAt:   started,
			CompletedAt: started.Add(90 * time.Second),
			DurationMS:  90000,
		},
		Confidence: 0.85,
		Risk:       "low",
	}

	require.NoError(t, WriteProof(p, dir))
	loaded, err := LoadProof(dir)
	require.NoError(t, err)
	assert.Equal(t, p.Status, loaded.Status)
	assert.Equal(t, 50, loaded.Patch.DiffStats.TotalLines())
	assert.Equal(t, p.Metadata.StartedAt, loaded.Metadata.StartedAt)

	// Timestamps must carry the Z suffix on disk.
	raw, err := os.ReadFile(filepath.Join(dir, ProofFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "2026-03-01T12:00:00Z")
}

func TestClampConfidence(t *testing.T) {
	p := &Proof{Confidence: 1.7}
	p.ClampConfidence()
	assert.Equal(t, 1.0, p.Confidence)

	p.Confidence = -0.2
	p.ClampConfidence()
	assert.Equal(t, 0.0, p.Confidence)
}

func TestFailureProof(t *testing.T) {
	now := time.Now().UTC()
	p := FailureProof("wc-dk-2-x", "dk-2", "", StatusError, "no_adapter_available", now)
	require.NoError(t, p.Validate())
	assert.Equal(t, StatusError, p.Status)
	assert.False(t, p.Status.Succeeded())
	assert.Equal(t, "no_adapter_available", p.Metadata.Error)
}

func TestStatusSucceeded(t *testing.T) {
	assert.True(t, StatusSuccess.Succeeded())
	assert.True(t, StatusPartial.Succeeded())
	assert.False(t, StatusFailed.Succeeded())
	assert.False(t, StatusTimeout.Succeeded())
	assert.False(t, StatusError.Succeeded())
}

func TestGateResultCounts(t *testing.T) {
	assert.True(t, GateResult{Passed: true}.Counts())
	assert.True(t, GateResult{Skipped: true, Reason: "upstream fab gate failed"}.Counts())
	assert.False(t, GateResult{}.Counts())
}
