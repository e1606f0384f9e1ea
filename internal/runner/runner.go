// Package runner is the kernel's outer control loop: it loads the
// graph, schedules lanes, drives the dispatcher, verifies proofs, and
// applies the success, retry, repair, and escalation policies.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/dispatcher"
	"github.com/steveyegge/dk/internal/events"
	"github.com/steveyegge/dk/internal/proof"
	"github.com/steveyegge/dk/internal/scheduler"
	"github.com/steveyegge/dk/internal/storage"
	"github.com/steveyegge/dk/internal/types"
	"github.com/steveyegge/dk/internal/verifier"
	"github.com/steveyegge/dk/internal/workcell"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is the dispatch surface the runner drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, iss *types.Issue) *dispatcher.Result
	DispatchSpeculate(ctx context.Context, iss *types.Issue, n int) []*dispatcher.Result
}

// Verifier runs a proof's gates in its workcell.
type Verifier interface {
	Verify(ctx context.Context, p *proof.Proof, workcellPath string) bool
}

// Workcells is the workcell lifecycle surface the runner needs.
type Workcells interface {
	Get(id string) (*workcell.Workcell, bool)
	Active() []*workcell.Workcell
	Cleanup(ctx context.Context, wc *workcell.Workcell, keepLogs bool) error
	ApplyPatch(ctx context.Context, p *proof.Proof, wc *workcell.Workcell) (string, error)
}

// Context carries every collaborator through the call graph; there is
// no module-level state in the kernel.
type Context struct {
	Config    *config.Config
	Store     storage.GraphStore
	Workcells Workcells
	Dispatch  Dispatcher
	Verify    Verifier
	Events    *events.Log
	Clock     func() time.Time
	Log       zerolog.Logger
	Playbook  Playbook
}

// Options are the per-invocation knobs, mostly from CLI flags.
type Options struct {
	SingleCycle    bool
	TargetIssue    string
	ForceSpeculate bool
	Watch          bool
	DryRun         bool
}

// Runner owns the cycle loop. One Runner never overlaps cycles: a new
// cycle starts only after every dispatch of the previous one finished.
type Runner struct {
	kc   *Context
	opts Options
}

// New builds a runner.
func New(kc *Context, opts Options) *Runner {
	if kc.Clock == nil {
		kc.Clock = func() time.Time { return time.Now().UTC() }
	}
	if kc.Playbook == nil {
		kc.Playbook = DefaultPlaybook()
	}
	return &Runner{kc: kc, opts: opts}
}

// Run executes cycles until the lane list empties (non-watch), the
// single-cycle flag trips, or ctx is canceled. Cancellation is
// graceful: the in-flight cycle finishes and the summary still prints.
func (r *Runner) Run(ctx context.Context) error {
	for {
		summary, err := r.runCycle(ctx)
		if err != nil {
			return err
		}
		summary.Print()

		switch {
		case r.opts.SingleCycle || r.opts.DryRun:
			return nil
		case ctx.Err() != nil:
			return nil
		case summary.Dispatched == 0 && !r.opts.Watch:
			return nil
		case summary.Dispatched == 0:
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.kc.Config.WatchInterval()):
			}
		}
	}
}

// runCycle executes one full cycle: load, schedule, dispatch, settle.
// Graph data errors fail the cycle with an event; graph I/O errors are
// logged and retried next cycle.
func (r *Runner) runCycle(ctx context.Context) (*Summary, error) {
	kc := r.kc
	summary := NewSummary(kc.Clock())

	g, err := kc.Store.LoadGraph(ctx)
	if err != nil {
		kc.Log.Error().Err(err).Msg("failed to load graph")
		r.appendEvent(ctx, events.TypeGraphError, "", map[string]any{"error": err.Error()})
		if r.opts.Watch {
			return summary, nil
		}
		return summary, fmt.Errorf("failed to load graph: %w", err)
	}

	if r.opts.TargetIssue != "" {
		if _, ok := g.Issues[r.opts.TargetIssue]; !ok {
			return summary, fmt.Errorf("target issue not found: %s", r.opts.TargetIssue)
		}
		g = g.Subgraph(r.opts.TargetIssue)
	}

	schedule, err := scheduler.Build(g, nil, scheduler.Config{
		MaxConcurrentWorkcells: kc.Config.MaxConcurrentWorkcells,
		MaxConcurrentTokens:    kc.Config.MaxConcurrentTokens,
		ForceSpeculate:         r.opts.ForceSpeculate,
	})
	if err != nil {
		kc.Log.Error().Err(err).Msg("scheduling failed")
		r.appendEvent(ctx, events.TypeCycleError, "", map[string]any{"error": err.Error()})
		summary.CycleError = err.Error()
		return summary, nil
	}

	summary.Ready = len(schedule.Ready)
	summary.Dispatched = len(schedule.Lanes)
	for _, sk := range schedule.Skipped {
		summary.AddSkipped(sk.Issue.ID, string(sk.Reason))
	}

	if r.opts.DryRun {
		summary.DryRun = true
		for _, lane := range schedule.Lanes {
			summary.AddPlanned(lane.Issue.ID, lane.Speculate)
		}
		return summary, nil
	}

	for _, sk := range schedule.Skipped {
		r.appendEvent(ctx, events.TypeSkipped, sk.Issue.ID, map[string]any{"reason": string(sk.Reason)})
	}

	if len(schedule.Lanes) == 0 {
		return summary, nil
	}

	r.appendEvent(ctx, events.TypeCycleStart, "", map[string]any{
		"lanes": len(schedule.Lanes),
		"ready": len(schedule.Ready),
	})

	// Fan out one task per lane; the dispatcher's semaphore bounds
	// total workcell concurrency below this.
	outcomes := make([]*outcome, len(schedule.Lanes))
	var eg errgroup.Group
	for i, lane := range schedule.Lanes {
		i, lane := i, lane
		eg.Go(func() error {
			// Lanes run detached from ctx: Ctrl-C lets in-flight
			// dispatches finish rather than killing them mid-merge.
			outcomes[i] = r.runLane(context.WithoutCancel(ctx), lane)
			return nil
		})
	}
	_ = eg.Wait()

	for _, o := range outcomes {
		summary.AddOutcome(o)
	}
	r.appendEvent(ctx, events.TypeCycleEnd, "", map[string]any{
		"dispatched": summary.Dispatched,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"escalated":  summary.Escalated,
	})
	return summary, nil
}

// outcome is one lane's settled result.
type outcome struct {
	IssueID    string
	Speculate  bool
	Done       bool
	Escalated  bool
	RepairedBy string
	WorkcellID string
	Toolchain  string
	Error      string
}

// runLane drives one admitted issue end to end.
func (r *Runner) runLane(ctx context.Context, lane *scheduler.Lane) *outcome {
	kc := r.kc
	iss := lane.Issue
	o := &outcome{IssueID: iss.ID, Speculate: lane.Speculate}

	if err := kc.Store.UpdateIssue(ctx, iss.ID, map[string]any{"status": "running"}, "runner"); err != nil {
		kc.Log.Error().Err(err).Str("issue", iss.ID).Msg("failed to mark running")
		o.Error = err.Error()
		return o
	}
	r.appendEvent(ctx, events.TypeStarted, iss.ID, map[string]any{"speculate": lane.Speculate})

	if lane.Speculate {
		r.runSpeculateLane(ctx, iss, o)
	} else {
		r.runSingleLane(ctx, iss, o)
	}
	return o
}

func (r *Runner) runSingleLane(ctx context.Context, iss *types.Issue, o *outcome) {
	kc := r.kc
	res := kc.Dispatch.Dispatch(ctx, iss)
	o.WorkcellID = res.WorkcellID
	o.Toolchain = res.Toolchain

	verified := false
	if res.Proof != nil && res.WorkcellID != "" {
		if wc, ok := kc.Workcells.Get(res.WorkcellID); ok {
			verified = kc.Verify.Verify(ctx, res.Proof, wc.Path)
		}
	}

	if res.Success && verified {
		r.finishSuccess(ctx, iss, res.Proof, o)
		return
	}
	r.finishFailure(ctx, iss, res.Proof, res.Error, o)
}

func (r *Runner) runSpeculateLane(ctx context.Context, iss *types.Issue, o *outcome) {
	kc := r.kc
	results := kc.Dispatch.DispatchSpeculate(ctx, iss, kc.Config.Speculate.Candidates)
	r.appendEvent(ctx, events.TypeSpeculate, iss.ID, map[string]any{"candidates": len(results)})

	var candidates []*proof.Proof
	for _, res := range results {
		if res.Proof == nil || res.WorkcellID == "" {
			continue
		}
		if wc, ok := kc.Workcells.Get(res.WorkcellID); ok {
			kc.Verify.Verify(ctx, res.Proof, wc.Path)
			candidates = append(candidates, res.Proof)
		}
	}

	winner, scores := verifier.SelectWinner(candidates, kc.Config.Speculate.VoteThreshold)
	fellBack := false
	if winner == nil && kc.Config.Speculate.OnNoWinner == config.NoWinnerFallback {
		winner = verifier.FallbackWinner(candidates)
		fellBack = winner != nil
	}

	if winner != nil {
		o.WorkcellID = winner.WorkcellID
		o.Toolchain = winner.Metadata.Toolchain
		totals := make(map[string]float64, len(scores))
		for _, s := range scores {
			totals[s.WorkcellID] = s.Total
		}
		r.appendEvent(ctx, events.TypeSpeculate, iss.ID, map[string]any{
			"winner":   winner.WorkcellID,
			"fallback": fellBack,
			"scores":   totals,
		})
	}

	// Losers never merge; their workcells go away now.
	for _, res := range results {
		if winner != nil && res.WorkcellID == winner.WorkcellID {
			continue
		}
		if wc, ok := kc.Workcells.Get(res.WorkcellID); ok {
			if err := kc.Workcells.Cleanup(ctx, wc, false); err != nil {
				kc.Log.Warn().Err(err).Str("workcell", wc.ID).Msg("loser cleanup failed")
			}
		}
	}

	if winner != nil && winner.Verification.AllPassed {
		r.finishSuccess(ctx, iss, winner, o)
		return
	}

	// Best remaining proof feeds the failure policy's error summary.
	var best *proof.Proof
	if winner != nil {
		best = winner
	} else if len(candidates) > 0 {
		best = candidates[0]
	}
	errMsg := "no speculate winner"
	if len(results) > 0 && results[0].Error != "" {
		errMsg = results[0].Error
	}
	r.finishFailure(ctx, iss, best, errMsg, o)
}

func (r *Runner) appendEvent(ctx context.Context, t events.Type, issueID string, data map[string]any) {
	e := events.New(t, issueID, data, r.kc.Clock())
	if r.kc.Events != nil {
		if err := r.kc.Events.Append(e); err != nil {
			r.kc.Log.Warn().Err(err).Str("type", string(t)).Msg("event log append failed")
		}
	}
	if err := r.kc.Store.AppendEvent(ctx, e); err != nil {
		r.kc.Log.Warn().Err(err).Str("type", string(t)).Msg("store event append failed")
	}
}

// cleanupIssueWorkcells removes every live workcell for an issue,
// keeping logs only for keepLogsID.
func (r *Runner) cleanupIssueWorkcells(ctx context.Context, issueID, keepLogsID string) {
	for _, wc := range r.kc.Workcells.Active() {
		if wc.IssueID != issueID {
			continue
		}
		keep := wc.ID == keepLogsID && r.kc.Config.KeepWinnerLogs
		if err := r.kc.Workcells.Cleanup(ctx, wc, keep); err != nil {
			r.kc.Log.Warn().Err(err).Str("workcell", wc.ID).Msg("workcell cleanup failed")
		}
	}
}
