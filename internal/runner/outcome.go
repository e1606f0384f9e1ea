package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/dk/internal/events"
	"github.com/steveyegge/dk/internal/proof"
	"github.com/steveyegge/dk/internal/types"
)

// finishSuccess merges the winning patch and marks the issue done. A
// merge failure is not terminal: it counts as a failed attempt and the
// issue goes back through the retry policy.
func (r *Runner) finishSuccess(ctx context.Context, iss *types.Issue, p *proof.Proof, o *outcome) {
	kc := r.kc

	wc, ok := kc.Workcells.Get(p.WorkcellID)
	if !ok {
		r.finishFailure(ctx, iss, p, "winner workcell missing: "+p.WorkcellID, o)
		return
	}

	mergeCommit, err := kc.Workcells.ApplyPatch(ctx, p, wc)
	if err != nil {
		kc.Log.Error().Err(err).Str("issue", iss.ID).Str("workcell", wc.ID).Msg("patch merge failed")
		r.finishFailure(ctx, iss, p, fmt.Sprintf("merge failed: %v", err), o)
		return
	}
	r.appendEvent(ctx, events.TypePatchMerged, iss.ID, map[string]any{
		"workcell":     p.WorkcellID,
		"merge_commit": mergeCommit,
	})

	if err := kc.Store.UpdateIssue(ctx, iss.ID, map[string]any{
		"status":   "done",
		"attempts": iss.Attempts + 1,
	}, "runner"); err != nil {
		kc.Log.Error().Err(err).Str("issue", iss.ID).Msg("failed to mark done")
	}
	r.appendEvent(ctx, events.TypeCompleted, iss.ID, map[string]any{
		"workcell":  p.WorkcellID,
		"toolchain": p.Metadata.Toolchain,
		"attempts":  iss.Attempts + 1,
	})

	o.Done = true
	r.cleanupIssueWorkcells(ctx, iss.ID, p.WorkcellID)
}

// finishFailure applies the retry policy: bump attempts, record the
// failure, feed structured gate feedback back into the issue, and
// escalate once attempts are exhausted.
func (r *Runner) finishFailure(ctx context.Context, iss *types.Issue, p *proof.Proof, dispatchErr string, o *outcome) {
	kc := r.kc
	attempts := iss.Attempts + 1
	maxAttempts := iss.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = kc.Config.DefaultMaxAttempts
	}

	errMsg := failureReason(p, dispatchErr)
	o.Error = errMsg
	r.appendEvent(ctx, events.TypeFailed, iss.ID, map[string]any{
		"attempts": attempts,
		"error":    errMsg,
	})

	updates := map[string]any{"attempts": attempts}

	// Asset failures come with structured next actions. Early attempts
	// get the hints folded into the issue description so the next agent
	// sees them; once half the attempt budget is burned, the feedback
	// graduates to a dedicated repair issue that blocks the original.
	actions := collectNextActions(p)
	if types.ParseRoutingHints(iss.Tags).IsAsset() && len(actions) > 0 && attempts < maxAttempts {
		if float64(attempts) >= float64(maxAttempts)/2 {
			repairID, err := r.createRepairIssue(ctx, iss, p, actions, attempts)
			if err != nil {
				kc.Log.Error().Err(err).Str("issue", iss.ID).Msg("repair issue creation failed")
			} else {
				o.RepairedBy = repairID
				r.appendEvent(ctx, events.TypeRepair, iss.ID, map[string]any{
					"repair_issue": repairID,
					"iteration":    attempts,
				})
			}
		} else {
			updates["description"] = InjectRepairHints(iss.Description, actions)
		}
	}

	if attempts >= maxAttempts {
		updates["status"] = "escalated"
		if err := kc.Store.UpdateIssue(ctx, iss.ID, updates, "runner"); err != nil {
			kc.Log.Error().Err(err).Str("issue", iss.ID).Msg("failed to mark escalated")
		}
		childID, err := r.createEscalationIssue(ctx, iss, attempts, errMsg)
		if err != nil {
			kc.Log.Error().Err(err).Str("issue", iss.ID).Msg("escalation issue creation failed")
		}
		r.appendEvent(ctx, events.TypeEscalated, iss.ID, map[string]any{
			"attempts":         attempts,
			"escalation_issue": childID,
			"error":            errMsg,
		})
		o.Escalated = true
	} else {
		updates["status"] = "ready"
		if err := kc.Store.UpdateIssue(ctx, iss.ID, updates, "runner"); err != nil {
			kc.Log.Error().Err(err).Str("issue", iss.ID).Msg("failed to requeue issue")
		}
	}

	r.cleanupIssueWorkcells(ctx, iss.ID, "")
}

// createEscalationIssue files the needs-human child for an exhausted
// issue. The child is born blocked so the kernel never dispatches it.
func (r *Runner) createEscalationIssue(ctx context.Context, iss *types.Issue, attempts int, errMsg string) (string, error) {
	kc := r.kc
	child := &types.Issue{
		Title: "[ESCALATION] " + iss.Title,
		Description: fmt.Sprintf(
			"%s exhausted its attempt budget (%d attempts).\n\nLast failure: %s\n\nReview the archived workcell logs and either fix the blocker or abandon the issue.",
			iss.ID, attempts, errMsg),
		Status:   types.StatusBlocked,
		Priority: iss.Priority,
		Risk:     iss.Risk,
		ParentID: iss.ID,
		Tags:     []string{"escalation", "needs-human"},
	}
	childID, err := kc.Store.CreateIssue(ctx, child, "runner")
	if err != nil {
		return "", err
	}
	dep := &types.Dependency{
		IssueID:     iss.ID,
		DependsOnID: childID,
		Type:        types.DepParentOf,
		CreatedBy:   "runner",
	}
	if err := kc.Store.AddEdge(ctx, dep, "runner"); err != nil {
		kc.Log.Warn().Err(err).Str("issue", iss.ID).Msg("escalation edge creation failed")
	}
	return childID, nil
}

// failureReason picks the most specific error available: gate failures
// beat adapter errors beat dispatcher errors.
func failureReason(p *proof.Proof, dispatchErr string) string {
	if p != nil && len(p.Verification.BlockingFailures) > 0 {
		return "gates failed: " + strings.Join(p.Verification.BlockingFailures, ", ")
	}
	if p != nil && p.Metadata.Error != "" {
		return p.Metadata.Error
	}
	if dispatchErr != "" {
		return dispatchErr
	}
	return "unknown failure"
}
