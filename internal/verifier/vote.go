package verifier

import (
	"sort"

	"github.com/steveyegge/dk/internal/proof"
)

// Scoring weights: verification 40, confidence 20, diff size 15,
// risk classification 15, duration 10.
const (
	weightVerification = 40.0
	weightConfidence   = 20.0
	weightDiffSize     = 15.0
	weightRisk         = 15.0
	weightDuration     = 10.0
)

// Score is one candidate's vote-selection score out of 100.
type Score struct {
	WorkcellID string
	Total      float64
	Dimensions map[string]float64
}

// ScoreCandidates computes scores for the eligible candidates (those
// with verification.all_passed). Diff-size and duration dimensions are
// normalized against the eligible set's maxima. Deterministic: output
// order follows workcell ID.
func ScoreCandidates(candidates []*proof.Proof) []Score {
	var eligible []*proof.Proof
	for _, p := range candidates {
		if p.Verification.AllPassed {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].WorkcellID < eligible[j].WorkcellID
	})

	maxLines, maxDuration := 0, int64(0)
	for _, p := range eligible {
		if l := p.Patch.DiffStats.TotalLines(); l > maxLines {
			maxLines = l
		}
		if d := p.Metadata.DurationMS; d > maxDuration {
			maxDuration = d
		}
	}

	scores := make([]Score, 0, len(eligible))
	for _, p := range eligible {
		dims := map[string]float64{
			"verification": weightVerification,
			"confidence":   weightConfidence * p.Confidence,
			"diff_size":    diffSizeScore(p.Patch.DiffStats.TotalLines(), maxLines),
			"risk":         riskScore(p.Risk),
			"duration":     durationScore(p.Metadata.DurationMS, maxDuration),
		}
		total := 0.0
		for _, v := range dims {
			total += v
		}
		scores = append(scores, Score{
			WorkcellID: p.WorkcellID,
			Total:      total,
			Dimensions: dims,
		})
	}
	return scores
}

// diffSizeScore rewards smaller diffs relative to the set.
func diffSizeScore(lines, maxLines int) float64 {
	if maxLines == 0 {
		return weightDiffSize
	}
	return weightDiffSize * (1 - float64(lines)/float64(maxLines))
}

func riskScore(risk string) float64 {
	switch risk {
	case "critical":
		return 0
	case "high":
		return 5
	case "medium":
		return 10
	default:
		return 15
	}
}

// durationScore rewards faster candidates. All-zero durations give
// everyone full marks.
func durationScore(durationMS, maxDuration int64) float64 {
	if maxDuration == 0 {
		return weightDuration
	}
	return weightDuration * (1 - float64(durationMS)/float64(maxDuration))
}

// SelectWinner runs vote selection over the candidates. The winner is
// the highest-scoring eligible candidate; no winner is declared when
// its score falls below threshold*100. Ties break on higher
// confidence, then lower workcell ID. Deterministic given the same
// candidate list.
func SelectWinner(candidates []*proof.Proof, threshold float64) (*proof.Proof, []Score) {
	scores := ScoreCandidates(candidates)
	if len(scores) == 0 {
		return nil, nil
	}

	byID := make(map[string]*proof.Proof, len(candidates))
	for _, p := range candidates {
		byID[p.WorkcellID] = p
	}

	best := scores[0]
	for _, s := range scores[1:] {
		switch {
		case s.Total > best.Total:
			best = s
		case s.Total == best.Total:
			a, b := byID[s.WorkcellID], byID[best.WorkcellID]
			if a.Confidence > b.Confidence ||
				(a.Confidence == b.Confidence && s.WorkcellID < best.WorkcellID) {
				best = s
			}
		}
	}

	if best.Total < threshold*100 {
		return nil, scores
	}
	return byID[best.WorkcellID], scores
}

// FallbackWinner picks the highest-confidence all-passed candidate, or
// failing that the highest-confidence successful dispatch. Used by the
// runner when voting declares no winner and on_no_winner is fallback.
func FallbackWinner(candidates []*proof.Proof) *proof.Proof {
	var best *proof.Proof
	for _, p := range candidates {
		if !p.Verification.AllPassed {
			continue
		}
		if best == nil || p.Confidence > best.Confidence ||
			(p.Confidence == best.Confidence && p.WorkcellID < best.WorkcellID) {
			best = p
		}
	}
	if best != nil {
		return best
	}
	for _, p := range candidates {
		if !p.Status.Succeeded() {
			continue
		}
		if best == nil || p.Confidence > best.Confidence ||
			(p.Confidence == best.Confidence && p.WorkcellID < best.WorkcellID) {
			best = p
		}
	}
	return best
}
