package proof

import (
	"encoding/json"
	"fmt"
)

// Fab gate type discriminators.
const (
	GateTypeFabRealism = "fab-realism"
	GateTypeFabGodot   = "fab-godot"
)

// GateDef is one entry in manifest.quality_gates. On the wire it is either
// a bare command string (code gates: test/typecheck/lint) or a structured
// object with a type discriminator (fab gates).
type GateDef struct {
	// Command is set for code gates; the string is run as a shell command
	// in the workcell.
	Command string `json:"-"`
	// Type discriminates structured fab gates (fab-realism, fab-godot).
	Type string `json:"type,omitempty"`
	// Params holds type-specific parameters (category, gate_config_id, ...).
	Params map[string]any `json:"-"`
}

// IsCodeGate reports whether the definition is a shell command gate.
func (g GateDef) IsCodeGate() bool {
	return g.Command != ""
}

// IsFabGate reports whether the definition is a structured fab gate.
func (g GateDef) IsFabGate() bool {
	return g.Type != ""
}

// MarshalJSON renders code gates as plain strings and fab gates as
// objects, matching the manifest document format.
func (g GateDef) MarshalJSON() ([]byte, error) {
	if g.IsCodeGate() {
		return json.Marshal(g.Command)
	}
	obj := map[string]any{"type": g.Type}
	for k, v := range g.Params {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// UnmarshalJSON accepts both forms. Unknown object fields land in Params.
func (g *GateDef) UnmarshalJSON(data []byte) error {
	var cmd string
	if err := json.Unmarshal(data, &cmd); err == nil {
		g.Command = cmd
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("gate definition must be a string or an object: %w", err)
	}
	if t, ok := obj["type"].(string); ok {
		g.Type = t
	}
	delete(obj, "type")
	if len(obj) > 0 {
		g.Params = obj
	}
	return nil
}

// Verdict is a fab gate's explicit judgment; it overrides the exit code.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictFail     Verdict = "fail"
	VerdictEscalate Verdict = "escalate"
)

// NextAction is one repair hint emitted by a failing fab gate.
type NextAction struct {
	// Priority orders hints; 1 is the most urgent.
	Priority     int    `json:"priority"`
	FailCode     string `json:"fail_code"`
	Instructions string `json:"instructions"`
	Skipped      bool   `json:"skipped,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// GateResult is the outcome of executing one gate.
type GateResult struct {
	Passed      bool               `json:"passed"`
	ExitCode    int                `json:"exit_code"`
	DurationMS  int64              `json:"duration_ms"`
	Verdict     Verdict            `json:"verdict,omitempty"`
	Scores      map[string]float64 `json:"scores,omitempty"`
	Failures    []string           `json:"failures,omitempty"`
	NextActions []NextAction       `json:"next_actions,omitempty"`
	Artifacts   []string           `json:"artifacts,omitempty"`
	Skipped     bool               `json:"skipped,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Counts reports whether this gate counts as passing for all_passed
// aggregation: passed or explicitly skipped.
func (r GateResult) Counts() bool {
	return r.Passed || r.Skipped
}
