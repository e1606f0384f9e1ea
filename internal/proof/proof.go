// Package proof defines the two documents exchanged with toolchain
// adapters: the manifest written into a workcell before the agent runs,
// and the proof the agent (and later the verifier) writes back.
package proof

import (
	"fmt"
	"time"
)

// SchemaVersion is stamped into every manifest and proof.
const SchemaVersion = "1.0.0"

// Status is the adapter-level outcome of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Succeeded reports whether the dispatcher treats this status as a
// successful dispatch (verification still decides the final outcome).
func (s Status) Succeeded() bool {
	return s == StatusSuccess || s == StatusPartial
}

// IssueSnapshot is the frozen view of the issue embedded in a manifest.
// The agent sees this snapshot, not the live graph store record.
type IssueSnapshot struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	ContextFiles       []string `json:"context_files,omitempty"`
	ForbiddenPaths     []string `json:"forbidden_paths,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

// ToolchainConfig carries the adapter-specific knobs into the manifest.
type ToolchainConfig struct {
	Model          string   `json:"model,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	ExtraArgs      []string `json:"extra_args,omitempty"`
}

// Manifest is the self-contained task description written to
// <workcell>/manifest.json before the adapter launches. Exactly one
// manifest exists per workcell and it is immutable once written.
type Manifest struct {
	SchemaVersion   string             `json:"schema_version"`
	WorkcellID      string             `json:"workcell_id"`
	Branch          string             `json:"branch"`
	Issue           IssueSnapshot      `json:"issue"`
	Toolchain       string             `json:"toolchain"`
	ToolchainConfig ToolchainConfig    `json:"toolchain_config"`
	QualityGates    map[string]GateDef `json:"quality_gates,omitempty"`
	Speculate       bool               `json:"speculate,omitempty"`
	SpeculateTag    string             `json:"speculate_tag,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Validate checks required manifest fields.
func (m *Manifest) Validate() error {
	if m.WorkcellID == "" {
		return fmt.Errorf("workcell_id is required")
	}
	if m.Issue.ID == "" {
		return fmt.Errorf("issue.id is required")
	}
	if m.Toolchain == "" {
		return fmt.Errorf("toolchain is required")
	}
	if m.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	return nil
}

// DiffStats summarizes the change a workcell produced.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// TotalLines is insertions plus deletions; used for risk scaling and for
// the diff-size scoring dimension.
func (d DiffStats) TotalLines() int {
	return d.Insertions + d.Deletions
}

// Patch describes the change set on the workcell branch.
type Patch struct {
	Branch                  string    `json:"branch"`
	BaseCommit              string    `json:"base_commit"`
	HeadCommit              string    `json:"head_commit"`
	DiffStats               DiffStats `json:"diff_stats"`
	FilesModified           []string  `json:"files_modified,omitempty"`
	ForbiddenPathViolations []string  `json:"forbidden_path_violations,omitempty"`
}

// Verification is the verifier-owned block of a proof.
type Verification struct {
	Gates            map[string]GateResult `json:"gates,omitempty"`
	AllPassed        bool                  `json:"all_passed"`
	BlockingFailures []string              `json:"blocking_failures,omitempty"`
}

// Metadata records how the task was executed.
type Metadata struct {
	Toolchain   string    `json:"toolchain"`
	Model       string    `json:"model,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
}

// Proof is the per-task result document at <workcell>/proof.json.
// Produced by the adapter, mutated only by the verifier (which fills the
// verification block), then persisted next to the manifest.
type Proof struct {
	SchemaVersion string       `json:"schema_version"`
	WorkcellID    string       `json:"workcell_id"`
	IssueID       string       `json:"issue_id"`
	Status        Status       `json:"status"`
	Patch         Patch        `json:"patch"`
	Verification  Verification `json:"verification"`
	Metadata      Metadata     `json:"metadata"`
	Commands      []string     `json:"commands,omitempty"`
	Confidence    float64      `json:"confidence"`
	Risk          string       `json:"risk"`
}

// ClampConfidence forces confidence into [0, 1]. Adapters must call this
// before persisting; agents have been observed reporting 1.2 and -0.1.
func (p *Proof) ClampConfidence() {
	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
}

// Validate checks required proof fields.
func (p *Proof) Validate() error {
	if p.WorkcellID == "" {
		return fmt.Errorf("workcell_id is required")
	}
	if p.IssueID == "" {
		return fmt.Errorf("issue_id is required")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0, 1] (got %g)", p.Confidence)
	}
	return nil
}

// FailureProof builds a proof for a task that never produced agent
// output: routing failures, launch errors, timeouts. Status must be one
// of failed, timeout, or error.
func FailureProof(workcellID, issueID, toolchain string, status Status, errMsg string, now time.Time) *Proof {
	return &Proof{
		SchemaVersion: SchemaVersion,
		WorkcellID:    workcellID,
		IssueID:       issueID,
		Status:        status,
		Risk:          "low",
		Metadata: Metadata{
			Toolchain:   toolchain,
			StartedAt:   now,
			CompletedAt: now,
			ExitCode:    -1,
			Error:       errMsg,
		},
	}
}
