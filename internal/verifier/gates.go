package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveyegge/dk/internal/proof"
)

// runCodeGate executes a shell-command gate in the workcell, capturing
// combined output to logs/gate-<name>.log. Passed means exit zero.
func (v *Verifier) runCodeGate(ctx context.Context, name, command, workcellPath string) proof.GateResult {
	gctx, cancel := context.WithTimeout(ctx, v.cfg.GateTimeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(gctx, "sh", "-c", command)
	cmd.Dir = workcellPath

	logFile, err := os.Create(gateLogPath(workcellPath, name))
	if err != nil {
		return proof.GateResult{
			Passed:     false,
			ExitCode:   -1,
			DurationMS: time.Since(started).Milliseconds(),
			Error:      fmt.Sprintf("failed to open gate log: %v", err),
		}
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()
	result := proof.GateResult{
		DurationMS: time.Since(started).Milliseconds(),
	}
	switch {
	case gctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.Error = "timeout"
	case runErr == nil:
		result.Passed = true
	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = runErr.Error()
		}
	}
	return result
}

// fabOutput is the JSON document a fab gate subprocess emits on stdout.
type fabOutput struct {
	Verdict     proof.Verdict      `json:"verdict"`
	Scores      map[string]float64 `json:"scores,omitempty"`
	Failures    []string           `json:"failures,omitempty"`
	NextActions []proof.NextAction `json:"next_actions,omitempty"`
	Artifacts   []string           `json:"artifacts,omitempty"`
}

// runFabGate executes a structured gate via the fab pipeline binary.
// The gate passes iff the emitted verdict is "pass"; the verdict
// overrides the process exit code.
func (v *Verifier) runFabGate(ctx context.Context, name string, def proof.GateDef, workcellPath string) proof.GateResult {
	gctx, cancel := context.WithTimeout(ctx, v.cfg.GateTimeout)
	defer cancel()

	started := time.Now()
	args := []string{"--type", def.Type, "--workcell", workcellPath}
	for _, key := range sortedParamKeys(def.Params) {
		args = append(args, "--"+key, fmt.Sprint(def.Params[key]))
	}

	cmd := exec.CommandContext(gctx, v.cfg.FabBinary, args...)
	cmd.Dir = workcellPath

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	logFile, err := os.Create(gateLogPath(workcellPath, name))
	if err == nil {
		defer logFile.Close()
		cmd.Stderr = logFile
	}

	runErr := cmd.Run()
	result := proof.GateResult{
		DurationMS: time.Since(started).Milliseconds(),
	}
	if gctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.Error = "timeout"
		return result
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		result.ExitCode = -1
		result.Error = runErr.Error()
		return result
	}

	var out fabOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		result.Error = fmt.Sprintf("unparseable fab output: %v", err)
		return result
	}

	result.Verdict = out.Verdict
	result.Scores = out.Scores
	result.Failures = out.Failures
	result.NextActions = out.NextActions
	result.Artifacts = out.Artifacts
	result.Passed = out.Verdict == proof.VerdictPass
	return result
}

func gateLogPath(workcellPath, name string) string {
	return filepath.Join(workcellPath, "logs", fmt.Sprintf("gate-%s.log", name))
}

func sortedParamKeys(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
