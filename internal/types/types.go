package types

import (
	"fmt"
	"time"
)

// Issue represents a trackable unit of work in the graph store.
type Issue struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	Status             Status    `json:"status"`
	Priority           int       `json:"priority"`
	Risk               Risk      `json:"risk"`
	EstimatedTokens    int       `json:"estimated_tokens"`
	Attempts           int       `json:"attempts"`
	MaxAttempts        int       `json:"max_attempts"`
	ParentID           string    `json:"parent_id,omitempty"`
	ToolHint           string    `json:"tool_hint,omitempty"`
	ForbiddenPaths     []string  `json:"forbidden_paths,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Priority < 0 || i.Priority > 3 {
		return fmt.Errorf("priority must be between 0 and 3 (got %d)", i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.Risk.IsValid() {
		return fmt.Errorf("invalid risk: %s", i.Risk)
	}
	if i.EstimatedTokens < 0 {
		return fmt.Errorf("estimated_tokens cannot be negative")
	}
	if i.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative")
	}
	if i.MaxAttempts > 0 && i.Attempts > i.MaxAttempts {
		return fmt.Errorf("attempts (%d) exceeds max_attempts (%d)", i.Attempts, i.MaxAttempts)
	}
	return nil
}

// PriorityLabel renders a priority ordinal as "P0".."P3".
func (i *Issue) PriorityLabel() string {
	return fmt.Sprintf("P%d", i.Priority)
}

// HasTag reports whether the issue carries the exact tag.
func (i *Issue) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Status represents the current state of an issue
type Status string

const (
	StatusOpen      Status = "open"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusEscalated Status = "escalated"
	StatusBlocked   Status = "blocked"
	StatusAbandoned Status = "abandoned"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusReady, StatusRunning, StatusDone,
		StatusEscalated, StatusBlocked, StatusAbandoned:
		return true
	}
	return false
}

// IsTerminal reports whether the kernel will never schedule this issue again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusEscalated || s == StatusAbandoned
}

// Schedulable reports whether the scheduler may consider this issue for
// the ready set. Only open and ready issues are candidates.
func (s Status) Schedulable() bool {
	return s == StatusOpen || s == StatusReady
}

// Risk classifies the blast radius of a change
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// IsValid checks if the risk value is valid
func (r Risk) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Rank orders risks for tiebreaks: critical > high > medium > low.
func (r Risk) Rank() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Dependency represents an edge between two issues
type Dependency struct {
	IssueID     string         `json:"issue_id"`
	DependsOnID string         `json:"depends_on_id"`
	Type        DependencyType `json:"type"`
	CreatedAt   time.Time      `json:"created_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

// DependencyType categorizes the relationship between issues
type DependencyType string

const (
	// DepBlocks indicates the issue is blocked by another issue.
	// Only blocks edges affect readiness.
	DepBlocks DependencyType = "blocks"
	// DepRelated indicates the issue is related to another issue
	DepRelated DependencyType = "related"
	// DepParentOf indicates a parent-child relationship (escalation/repair lineage)
	DepParentOf DependencyType = "parent-of"
)

// IsValid checks if the dependency type value is valid
func (d DependencyType) IsValid() bool {
	switch d {
	case DepBlocks, DepRelated, DepParentOf:
		return true
	}
	return false
}
