// Package verifier runs a workcell's quality gates against its proof
// and selects winners among speculate candidates.
package verifier

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/dk/internal/proof"
)

// Config holds verifier settings.
type Config struct {
	// GateTimeout bounds one gate subprocess (default 10 minutes).
	GateTimeout time.Duration
	// FabBinary is the external asset-evaluation pipeline entry point.
	FabBinary string
}

// Verifier executes manifest gates and updates proofs in place.
type Verifier struct {
	cfg Config
	log zerolog.Logger
}

// New returns a verifier. Zero-value config fields get defaults.
func New(cfg Config, log zerolog.Logger) *Verifier {
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = 10 * time.Minute
	}
	if cfg.FabBinary == "" {
		cfg.FabBinary = "fab-gate"
	}
	return &Verifier{cfg: cfg, log: log}
}

// Verify runs the manifest's quality gates in the workcell, updates
// p.Verification in place, persists the proof, and reports whether the
// patch passed. Gate failures are outcomes, not errors; nothing here
// panics or propagates exceptions.
func (v *Verifier) Verify(ctx context.Context, p *proof.Proof, workcellPath string) bool {
	// Forbidden-path violations short-circuit: no gates run, risk is
	// already critical, fail_codes carry forbidden_paths.
	if len(p.Patch.ForbiddenPathViolations) > 0 {
		p.Risk = "critical"
		p.Verification.AllPassed = false
		p.Verification.BlockingFailures = []string{"forbidden_paths"}
		v.persist(p, workcellPath)
		return false
	}

	// Adapter pre-verified: accept without re-running.
	if p.Verification.AllPassed {
		return true
	}

	m, err := proof.LoadManifest(workcellPath)
	if err != nil {
		v.log.Warn().Err(err).Str("workcell", p.WorkcellID).Msg("cannot load manifest for verification")
		p.Verification.AllPassed = false
		p.Verification.BlockingFailures = []string{"manifest_unreadable"}
		v.persist(p, workcellPath)
		return false
	}

	if p.Verification.Gates == nil {
		p.Verification.Gates = make(map[string]proof.GateResult)
	}

	codeNames, fabNames, godotNames := partitionGates(m.QualityGates)

	for _, name := range codeNames {
		p.Verification.Gates[name] = v.runCodeGate(ctx, name, m.QualityGates[name].Command, workcellPath)
	}

	// Fab gates: non-godot first; godot only when everything upstream
	// held, since an engine import of a failed asset wastes minutes.
	fabFailed := false
	for _, name := range fabNames {
		result := v.runFabGate(ctx, name, m.QualityGates[name], workcellPath)
		p.Verification.Gates[name] = result
		if !result.Counts() {
			fabFailed = true
		}
	}
	for _, name := range godotNames {
		if fabFailed {
			p.Verification.Gates[name] = proof.GateResult{
				Passed:  true,
				Skipped: true,
				Reason:  "upstream fab gate failed",
			}
			continue
		}
		p.Verification.Gates[name] = v.runFabGate(ctx, name, m.QualityGates[name], workcellPath)
	}

	p.Verification.AllPassed = true
	p.Verification.BlockingFailures = nil
	for _, name := range sortedGateNames(p.Verification.Gates) {
		if !p.Verification.Gates[name].Counts() {
			p.Verification.AllPassed = false
			p.Verification.BlockingFailures = append(p.Verification.BlockingFailures, name)
		}
	}

	v.persist(p, workcellPath)
	return p.Verification.AllPassed
}

func (v *Verifier) persist(p *proof.Proof, workcellPath string) {
	if err := proof.WriteProof(p, workcellPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to persist verified proof for %s: %v\n", p.WorkcellID, err)
	}
}

// partitionGates splits gates into code, non-godot fab, and fab-godot,
// each sorted by name so execution order is deterministic.
func partitionGates(gates map[string]proof.GateDef) (code, fab, godot []string) {
	for name, def := range gates {
		switch {
		case def.IsCodeGate():
			code = append(code, name)
		case def.Type == proof.GateTypeFabGodot:
			godot = append(godot, name)
		case def.IsFabGate():
			fab = append(fab, name)
		}
	}
	sort.Strings(code)
	sort.Strings(fab)
	sort.Strings(godot)
	return code, fab, godot
}

func sortedGateNames(gates map[string]proof.GateResult) []string {
	names := make([]string, 0, len(gates))
	for name := range gates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
