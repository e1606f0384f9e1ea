package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dk/internal/proof"
)

func candidate(wcID string, allPassed bool, confidence float64, diffLines int, risk string, durationMS int64) *proof.Proof {
	return &proof.Proof{
		SchemaVersion: proof.SchemaVersion,
		WorkcellID:    wcID,
		IssueID:       "dk-1",
		Status:        proof.StatusSuccess,
		Confidence:    confidence,
		Risk:          risk,
		Patch: proof.Patch{
			DiffStats: proof.DiffStats{Insertions: diffLines},
		},
		Verification: proof.Verification{AllPassed: allPassed},
		Metadata:     proof.Metadata{DurationMS: durationMS},
	}
}

func TestScoreCandidatesWeights(t *testing.T) {
	a := candidate("wc-dk-1-a", true, 0.9, 50, "low", 10000)
	b := candidate("wc-dk-1-b", true, 0.7, 200, "medium", 30000)

	scores := ScoreCandidates([]*proof.Proof{a, b})
	require.Len(t, scores, 2)

	// a: 40 + 18 + 15*(1-50/200) + 15 + 10*(1-10/30) ~= 90.92
	assert.Equal(t, "wc-dk-1-a", scores[0].WorkcellID)
	assert.InDelta(t, 90.92, scores[0].Total, 0.01)
	// b: 40 + 14 + 0 + 10 + 0 = 64
	assert.Equal(t, "wc-dk-1-b", scores[1].WorkcellID)
	assert.InDelta(t, 64.0, scores[1].Total, 0.01)
}

func TestSelectWinnerPicksTopScore(t *testing.T) {
	a := candidate("wc-dk-1-a", true, 0.9, 50, "low", 10000)
	b := candidate("wc-dk-1-b", true, 0.7, 200, "medium", 30000)

	winner, scores := SelectWinner([]*proof.Proof{b, a}, 0.6)
	require.NotNil(t, winner)
	assert.Equal(t, "wc-dk-1-a", winner.WorkcellID)
	assert.Len(t, scores, 2)
}

func TestSelectWinnerBelowThreshold(t *testing.T) {
	a := candidate("wc-dk-1-a", true, 0.9, 50, "low", 10000)
	b := candidate("wc-dk-1-b", true, 0.7, 200, "medium", 30000)

	winner, scores := SelectWinner([]*proof.Proof{a, b}, 0.95)
	assert.Nil(t, winner)
	assert.NotEmpty(t, scores)

	// Fallback still picks the highest-confidence passing candidate.
	fb := FallbackWinner([]*proof.Proof{a, b})
	require.NotNil(t, fb)
	assert.Equal(t, "wc-dk-1-a", fb.WorkcellID)
}

func TestSelectWinnerExcludesFailedCandidates(t *testing.T) {
	passed := candidate("wc-dk-1-b", true, 0.2, 10, "low", 100)
	failed := candidate("wc-dk-1-a", false, 0.99, 5, "low", 50)

	winner, _ := SelectWinner([]*proof.Proof{failed, passed}, 0.3)
	require.NotNil(t, winner)
	assert.Equal(t, "wc-dk-1-b", winner.WorkcellID)
}

func TestSelectWinnerNoEligible(t *testing.T) {
	failed := candidate("wc-dk-1-a", false, 0.99, 5, "low", 50)
	winner, scores := SelectWinner([]*proof.Proof{failed}, 0.1)
	assert.Nil(t, winner)
	assert.Empty(t, scores)
}

func TestSelectWinnerTiebreaks(t *testing.T) {
	// Confidence and risk trade off to equal totals (65 each);
	// the tie goes to the higher confidence.
	a := candidate("wc-dk-1-y", true, 1.0, 100, "high", 1000)
	b := candidate("wc-dk-1-x", true, 0.5, 100, "low", 1000)
	winner, _ := SelectWinner([]*proof.Proof{a, b}, 0)
	require.NotNil(t, winner)
	assert.Equal(t, "wc-dk-1-y", winner.WorkcellID)

	// Fully identical candidates: lower workcell ID wins.
	c := candidate("wc-dk-1-c", true, 0.8, 100, "low", 1000)
	d := candidate("wc-dk-1-d", true, 0.8, 100, "low", 1000)
	winner, _ = SelectWinner([]*proof.Proof{d, c}, 0)
	require.NotNil(t, winner)
	assert.Equal(t, "wc-dk-1-c", winner.WorkcellID)
}

func TestSelectWinnerDeterministic(t *testing.T) {
	set := []*proof.Proof{
		candidate("wc-dk-1-a", true, 0.9, 50, "low", 10000),
		candidate("wc-dk-1-b", true, 0.7, 200, "medium", 30000),
		candidate("wc-dk-1-c", true, 0.8, 120, "high", 5000),
	}
	first, _ := SelectWinner(set, 0.5)
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		again, _ := SelectWinner(set, 0.5)
		require.NotNil(t, again)
		assert.Equal(t, first.WorkcellID, again.WorkcellID)
	}
}

func TestZeroDurationsGiveFullMarks(t *testing.T) {
	a := candidate("wc-dk-1-a", true, 1.0, 0, "low", 0)
	b := candidate("wc-dk-1-b", true, 1.0, 0, "low", 0)

	scores := ScoreCandidates([]*proof.Proof{a, b})
	for _, s := range scores {
		assert.Equal(t, 10.0, s.Dimensions["duration"])
		assert.Equal(t, 15.0, s.Dimensions["diff_size"])
		assert.InDelta(t, 100.0, s.Total, 0.001)
	}
}

func TestFallbackWinnerWithoutPassingCandidates(t *testing.T) {
	a := candidate("wc-dk-1-a", false, 0.9, 50, "low", 10000)
	b := candidate("wc-dk-1-b", false, 0.7, 200, "medium", 30000)

	fb := FallbackWinner([]*proof.Proof{a, b})
	require.NotNil(t, fb)
	assert.Equal(t, "wc-dk-1-a", fb.WorkcellID)

	// Nothing succeeded at all: no fallback.
	a.Status = proof.StatusError
	b.Status = proof.StatusTimeout
	assert.Nil(t, FallbackWinner([]*proof.Proof{a, b}))
}
