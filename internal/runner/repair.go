package runner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/dk/internal/proof"
	"github.com/steveyegge/dk/internal/types"
)

// Markers delimiting the machine-written feedback region in an issue
// description. The region is replaced wholesale on each failed attempt;
// text outside it is never touched.
const (
	RepairHintOpen  = "<!-- AUTOGEN_REPAIR -->"
	RepairHintClose = "<!-- /AUTOGEN_REPAIR -->"
)

// subscorePassBar is the per-dimension score above which a gate
// subscore renders as passing in repair issue summaries.
const subscorePassBar = 0.6

// PlaybookEntry maps one fab fail code to repair guidance.
type PlaybookEntry struct {
	// Instructions is the fallback guidance when the gate emitted no
	// specific next action for this code.
	Instructions string `yaml:"instructions"`
	// Priority buckets the code: 1 high, 2 medium, 3 low.
	Priority int `yaml:"priority"`
	// HardFail forces the synthesized repair issue to P1.
	HardFail bool `yaml:"hard_fail,omitempty"`
}

// Playbook is the fail-code to guidance mapping used when synthesizing
// repair issues.
type Playbook map[string]PlaybookEntry

// DefaultPlaybook covers the fab pipeline's common fail codes.
func DefaultPlaybook() Playbook {
	return Playbook{
		"GEO_SCALE_IMPLAUSIBLE": {
			Instructions: "Rescale the model to a plausible real-world size for its category and re-export.",
			Priority:     1,
			HardFail:     true,
		},
		"GEO_NON_MANIFOLD": {
			Instructions: "Repair non-manifold geometry: close holes, remove internal faces, merge duplicate vertices.",
			Priority:     1,
			HardFail:     true,
		},
		"MAT_PBR_INVALID": {
			Instructions: "Rebuild the material with valid PBR maps (albedo, roughness, metallic) in the expected channels.",
			Priority:     2,
		},
		"TEX_RESOLUTION_LOW": {
			Instructions: "Re-bake textures at the target resolution; the current maps are below the floor.",
			Priority:     2,
		},
		"MESH_POLYCOUNT_EXCESSIVE": {
			Instructions: "Decimate the mesh toward the category polycount budget without breaking the silhouette.",
			Priority:     2,
		},
		"UV_OVERLAP": {
			Instructions: "Re-unwrap overlapping UV islands outside the 0-1 tile.",
			Priority:     3,
		},
		"PIVOT_MISPLACED": {
			Instructions: "Move the pivot to the model's ground-contact center and apply transforms.",
			Priority:     3,
		},
	}
}

// LoadPlaybook reads a fail-code playbook from a YAML file, layered
// over the defaults so a partial file only overrides what it names.
func LoadPlaybook(path string) (Playbook, error) {
	pb := DefaultPlaybook()
	if path == "" {
		return pb, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	overrides := Playbook{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse playbook %s: %w", path, err)
	}
	for code, entry := range overrides {
		pb[code] = entry
	}
	return pb, nil
}

// collectNextActions gathers every non-skipped next action from failing
// gates, ordered by priority then fail code.
func collectNextActions(p *proof.Proof) []proof.NextAction {
	if p == nil {
		return nil
	}
	var names []string
	for name := range p.Verification.Gates {
		names = append(names, name)
	}
	sort.Strings(names)

	var actions []proof.NextAction
	for _, name := range names {
		result := p.Verification.Gates[name]
		if result.Passed || result.Skipped {
			continue
		}
		for _, a := range result.NextActions {
			if !a.Skipped {
				actions = append(actions, a)
			}
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		return actions[i].FailCode < actions[j].FailCode
	})
	return actions
}

// InjectRepairHints writes the feedback region into a description,
// replacing any existing region from a previous attempt.
func InjectRepairHints(description string, actions []proof.NextAction) string {
	var b strings.Builder
	b.WriteString(RepairHintOpen)
	b.WriteString("\nVerification feedback, most urgent first:\n\n")
	for _, a := range actions {
		fmt.Fprintf(&b, "- [P%d] %s: %s\n", a.Priority, a.FailCode, a.Instructions)
	}
	b.WriteString(RepairHintClose)
	block := b.String()

	start := strings.Index(description, RepairHintOpen)
	end := strings.Index(description, RepairHintClose)
	if start >= 0 && end > start {
		return description[:start] + block + description[end+len(RepairHintClose):]
	}
	if strings.TrimSpace(description) == "" {
		return block
	}
	return strings.TrimRight(description, "\n") + "\n\n" + block
}

// BuildRepairIssue synthesizes the child issue for one failed asset
// iteration: playbook-grouped instructions, gate subscores, and render
// artifacts, tagged so the dispatcher rebuilds the same fab gates.
func BuildRepairIssue(iss *types.Issue, p *proof.Proof, actions []proof.NextAction, pb Playbook, iteration int) *types.Issue {
	sections := map[int][]string{}
	priority := 3
	hardFail := false
	for _, a := range actions {
		bucket := a.Priority
		instructions := a.Instructions
		if entry, ok := pb[a.FailCode]; ok {
			bucket = entry.Priority
			if instructions == "" {
				instructions = entry.Instructions
			}
			if entry.HardFail {
				hardFail = true
			}
		}
		if bucket < 1 {
			bucket = 1
		}
		if bucket > 3 {
			bucket = 3
		}
		if bucket < priority {
			priority = bucket
		}
		sections[bucket] = append(sections[bucket], fmt.Sprintf("- %s: %s", a.FailCode, instructions))
	}
	if hardFail {
		priority = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Automated repair pass %d for %s: %s\n", iteration, iss.ID, iss.Title)
	for _, s := range []struct {
		bucket  int
		heading string
	}{{1, "High priority"}, {2, "Medium priority"}, {3, "Low priority"}} {
		lines := sections[s.bucket]
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", s.heading, strings.Join(lines, "\n"))
	}
	if scores := renderSubscores(p); scores != "" {
		b.WriteString("\n## Gate scores\n")
		b.WriteString(scores)
	}
	if artifacts := renderArtifacts(p); artifacts != "" {
		b.WriteString("\n## Artifacts\n")
		b.WriteString(artifacts)
	}

	tags := []string{"repair", "asset", fmt.Sprintf("%s%d", types.TagPrefixIteration, iteration)}
	for _, tag := range iss.Tags {
		if strings.HasPrefix(tag, types.TagPrefixAsset) || strings.HasPrefix(tag, types.TagPrefixGate) {
			tags = append(tags, tag)
		}
	}

	return &types.Issue{
		Title:          fmt.Sprintf("[REPAIR %d] %s", iteration, iss.Title),
		Description:    b.String(),
		Status:         types.StatusOpen,
		Priority:       priority,
		Risk:           iss.Risk,
		ParentID:       iss.ID,
		ToolHint:       iss.ToolHint,
		ForbiddenPaths: iss.ForbiddenPaths,
		Tags:           tags,
	}
}

// createRepairIssue files the repair child and wires it to block the
// original issue until the repair lands.
func (r *Runner) createRepairIssue(ctx context.Context, iss *types.Issue, p *proof.Proof, actions []proof.NextAction, iteration int) (string, error) {
	kc := r.kc
	child := BuildRepairIssue(iss, p, actions, kc.Playbook, iteration)
	childID, err := kc.Store.CreateIssue(ctx, child, "runner")
	if err != nil {
		return "", err
	}
	for _, dep := range []*types.Dependency{
		{IssueID: iss.ID, DependsOnID: childID, Type: types.DepBlocks, CreatedBy: "runner"},
		{IssueID: iss.ID, DependsOnID: childID, Type: types.DepParentOf, CreatedBy: "runner"},
	} {
		if err := kc.Store.AddEdge(ctx, dep, "runner"); err != nil {
			kc.Log.Warn().Err(err).Str("issue", iss.ID).Str("repair", childID).Msg("repair edge creation failed")
		}
	}
	return childID, nil
}

// renderSubscores lists every fab subscore with a pass/fail mark.
func renderSubscores(p *proof.Proof) string {
	if p == nil {
		return ""
	}
	var names []string
	for name := range p.Verification.Gates {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		result := p.Verification.Gates[name]
		if len(result.Scores) == 0 {
			continue
		}
		var dims []string
		for dim := range result.Scores {
			dims = append(dims, dim)
		}
		sort.Strings(dims)
		for _, dim := range dims {
			mark := "✗"
			if result.Scores[dim] >= subscorePassBar {
				mark = "✓"
			}
			fmt.Fprintf(&b, "- %s %s/%s: %.2f\n", mark, name, dim, result.Scores[dim])
		}
	}
	return b.String()
}

// renderArtifacts lists render/report paths emitted by fab gates.
func renderArtifacts(p *proof.Proof) string {
	if p == nil {
		return ""
	}
	var names []string
	for name := range p.Verification.Gates {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, a := range p.Verification.Gates[name].Artifacts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}
