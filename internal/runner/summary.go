package runner

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

// Summary accumulates one cycle's outcomes for the end-of-cycle report.
type Summary struct {
	StartedAt  time.Time
	Ready      int
	Dispatched int
	Succeeded  int
	Failed     int
	Escalated  int
	Repaired   int
	DryRun     bool
	CycleError string

	lines   []string
	skips   []string
	planned []string

	// Out defaults to stdout; tests redirect it.
	Out io.Writer
}

// NewSummary starts an empty summary stamped with the cycle start time.
func NewSummary(startedAt time.Time) *Summary {
	return &Summary{StartedAt: startedAt, Out: os.Stdout}
}

// AddSkipped records an admission-control skip.
func (s *Summary) AddSkipped(issueID, reason string) {
	s.skips = append(s.skips, fmt.Sprintf("%s (%s)", issueID, reason))
}

// AddPlanned records a dry-run lane.
func (s *Summary) AddPlanned(issueID string, speculate bool) {
	line := issueID
	if speculate {
		line += " [speculate]"
	}
	s.planned = append(s.planned, line)
}

// AddOutcome folds one settled lane into the counters and report lines.
func (s *Summary) AddOutcome(o *outcome) {
	if o == nil {
		return
	}
	check := color.New(color.FgGreen).SprintFunc()
	cross := color.New(color.FgRed).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	note := color.New(color.FgCyan).SprintFunc()

	switch {
	case o.Done:
		s.Succeeded++
		line := fmt.Sprintf("%s %s done (%s)", check("✓"), o.IssueID, o.Toolchain)
		if o.Speculate {
			line += note(" [speculate winner " + o.WorkcellID + "]")
		}
		s.lines = append(s.lines, line)
	case o.Escalated:
		s.Escalated++
		s.lines = append(s.lines, fmt.Sprintf("%s %s escalated: %s", warn("⚠"), o.IssueID, o.Error))
	case o.RepairedBy != "":
		s.Failed++
		s.Repaired++
		s.lines = append(s.lines, fmt.Sprintf("%s %s failed, repair %s queued", note("↻"), o.IssueID, o.RepairedBy))
	default:
		s.Failed++
		s.lines = append(s.lines, fmt.Sprintf("%s %s failed: %s", cross("✗"), o.IssueID, o.Error))
	}
}

// Print renders the cycle report.
func (s *Summary) Print() {
	out := s.Out
	if out == nil {
		out = os.Stdout
	}
	bold := color.New(color.Bold).SprintFunc()

	if s.CycleError != "" {
		fmt.Fprintf(out, "%s %s\n", color.New(color.FgRed).Sprint("cycle failed:"), s.CycleError)
		return
	}

	if s.DryRun {
		fmt.Fprintf(out, "%s %d ready, %d would dispatch\n", bold("dry run:"), s.Ready, len(s.planned))
		for _, line := range s.planned {
			fmt.Fprintf(out, "  %s\n", line)
		}
		for _, line := range s.skips {
			fmt.Fprintf(out, "  skipped %s\n", line)
		}
		return
	}

	elapsed := time.Since(s.StartedAt).Round(time.Second)
	fmt.Fprintf(out, "%s %d ready, %d dispatched, %d done, %d failed, %d escalated (%s)\n",
		bold("cycle:"), s.Ready, s.Dispatched, s.Succeeded, s.Failed, s.Escalated, elapsed)
	for _, line := range s.lines {
		fmt.Fprintf(out, "  %s\n", line)
	}
	for _, line := range s.skips {
		fmt.Fprintf(out, "  skipped %s\n", line)
	}
}
