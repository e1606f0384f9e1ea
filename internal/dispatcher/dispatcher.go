// Package dispatcher routes admitted issues to toolchain adapters:
// workcell provisioning, manifest construction, and sync or speculate
// execution.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/proof"
	"github.com/steveyegge/dk/internal/toolchain"
	"github.com/steveyegge/dk/internal/types"
	"github.com/steveyegge/dk/internal/workcell"
)

// Result is the outcome of one workcell's dispatch.
type Result struct {
	Success      bool
	Proof        *proof.Proof
	WorkcellID   string
	IssueID      string
	Toolchain    string
	DurationMS   int64
	Error        string
	SpeculateTag string
}

// Dispatcher owns adapter routing and workcell execution for one
// kernel instance. Total concurrency across all dispatches is bounded
// by the shared semaphore.
type Dispatcher struct {
	cfg       *config.Config
	registry  *toolchain.Registry
	workcells *workcell.Manager
	sem       *semaphore.Weighted
	log       zerolog.Logger
}

// New builds a dispatcher bounded by cfg.MaxConcurrentWorkcells.
func New(cfg *config.Config, registry *toolchain.Registry, workcells *workcell.Manager, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		workcells: workcells,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkcells)),
		log:       log,
	}
}

// BuildManifest deterministically constructs the task manifest for an
// issue. Quality gates derive from the issue's tags: default code
// gates from config, fab-realism keyed by asset category, fab-godot on
// the engine flag, and no code gates for asset-only work.
func (d *Dispatcher) BuildManifest(iss *types.Issue, wc *workcell.Workcell, toolchainName string, speculate bool, speculateTag string) *proof.Manifest {
	hints := types.ParseRoutingHints(iss.Tags)

	gates := make(map[string]proof.GateDef)
	if !hints.AssetOnly() {
		for name, command := range d.cfg.DefaultCodeGates {
			gates[name] = proof.GateDef{Command: command}
		}
	}
	if hints.IsAsset() {
		params := map[string]any{"category": hints.AssetCategory}
		if hints.GateConfigID != "" {
			params["gate_config_id"] = hints.GateConfigID
		}
		gates["fab-realism-"+hints.AssetCategory] = proof.GateDef{
			Type:   proof.GateTypeFabRealism,
			Params: params,
		}
	}
	if hints.WantsEngineGate() {
		gates["fab-godot"] = proof.GateDef{Type: proof.GateTypeFabGodot}
	}

	tc := d.cfg.Toolchains[toolchainName]
	return &proof.Manifest{
		SchemaVersion: proof.SchemaVersion,
		WorkcellID:    wc.ID,
		Branch:        wc.Branch,
		Issue: proof.IssueSnapshot{
			ID:                 iss.ID,
			Title:              iss.Title,
			Description:        iss.Description,
			AcceptanceCriteria: iss.AcceptanceCriteria,
			ForbiddenPaths:     iss.ForbiddenPaths,
			Tags:               iss.Tags,
		},
		Toolchain: toolchainName,
		ToolchainConfig: proof.ToolchainConfig{
			Model:          tc.Model,
			TimeoutSeconds: tc.TimeoutSeconds,
			ExtraArgs:      tc.ExtraArgs,
		},
		QualityGates: gates,
		Speculate:    speculate,
		SpeculateTag: speculateTag,
		CreatedAt:    time.Now().UTC(),
	}
}

// Dispatch runs one issue through one adapter. Routing failures and
// workcell provisioning failures come back as failed Results with a
// failure proof, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, iss *types.Issue) *Result {
	adapter, err := d.registry.Route(iss.ToolHint)
	if err != nil {
		return &Result{
			IssueID: iss.ID,
			Error:   "no_adapter_available",
			Proof: proof.FailureProof("none", iss.ID, "",
				proof.StatusError, "no_adapter_available", time.Now().UTC()),
		}
	}
	return d.dispatchOne(ctx, iss, adapter, false, "")
}

// DispatchSpeculate runs up to n candidates in parallel, one workcell
// each, and waits for all of them: the verifier needs every verified
// proof for voting, so there is no early stop. When fewer adapters are
// available than candidates wanted, adapters repeat with a numbered
// tag (claude, claude-2, ...).
func (d *Dispatcher) DispatchSpeculate(ctx context.Context, iss *types.Issue, n int) []*Result {
	adapters := d.registry.AvailableInOrder()
	if len(adapters) == 0 {
		return []*Result{{
			IssueID: iss.ID,
			Error:   "no_adapter_available",
			Proof: proof.FailureProof("none", iss.ID, "",
				proof.StatusError, "no_adapter_available", time.Now().UTC()),
		}}
	}
	if n < 1 {
		n = 1
	}

	type candidate struct {
		adapter toolchain.Adapter
		tag     string
	}
	var candidates []candidate
	for i := 0; i < n; i++ {
		a := adapters[i%len(adapters)]
		tag := a.Name()
		if round := i/len(adapters) + 1; round > 1 {
			tag = fmt.Sprintf("%s-%d", a.Name(), round)
		}
		candidates = append(candidates, candidate{adapter: a, tag: tag})
	}

	results := make([]*Result, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, iss, c.adapter, true, c.tag)
			return nil
		})
	}
	// Workers never return errors; failures live in the Results.
	_ = g.Wait()
	return results
}

// dispatchOne provisions a workcell, writes the manifest, and runs the
// adapter under the concurrency semaphore.
func (d *Dispatcher) dispatchOne(ctx context.Context, iss *types.Issue, adapter toolchain.Adapter, speculate bool, tag string) *Result {
	started := time.Now()

	fail := func(wcID, msg string) *Result {
		return &Result{
			IssueID:      iss.ID,
			WorkcellID:   wcID,
			Toolchain:    adapter.Name(),
			DurationMS:   time.Since(started).Milliseconds(),
			Error:        msg,
			SpeculateTag: tag,
			Proof: proof.FailureProof(orNone(wcID), iss.ID, adapter.Name(),
				proof.StatusError, msg, time.Now().UTC()),
		}
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fail("", fmt.Sprintf("dispatch canceled: %v", err))
	}
	defer d.sem.Release(1)

	wc, err := d.workcells.Create(ctx, iss.ID, tag)
	if err != nil {
		return fail("", fmt.Sprintf("workcell creation failed: %v", err))
	}

	m := d.BuildManifest(iss, wc, adapter.Name(), speculate, tag)
	if err := proof.WriteManifest(m, wc.Path); err != nil {
		return fail(wc.ID, fmt.Sprintf("manifest write failed: %v", err))
	}

	d.log.Info().
		Str("issue", iss.ID).
		Str("workcell", wc.ID).
		Str("toolchain", adapter.Name()).
		Bool("speculate", speculate).
		Msg("dispatching")

	timeout := d.cfg.Toolchains[adapter.Name()].Timeout(d.cfg.DefaultTimeout())
	p := adapter.ExecuteSync(ctx, m, wc.Path, timeout)

	return &Result{
		Success:      p.Status.Succeeded(),
		Proof:        p,
		WorkcellID:   wc.ID,
		IssueID:      iss.ID,
		Toolchain:    adapter.Name(),
		DurationMS:   time.Since(started).Milliseconds(),
		Error:        p.Metadata.Error,
		SpeculateTag: tag,
	}
}

func orNone(wcID string) string {
	if wcID == "" {
		return "none"
	}
	return wcID
}
