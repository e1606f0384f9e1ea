// Package events defines the kernel's append-only event records and the
// JSON Lines log they are written to.
package events

import (
	"time"
)

// Type categorizes kernel events.
type Type string

const (
	TypeCreated     Type = "created"
	TypeUpdated     Type = "updated"
	TypeStarted     Type = "started"
	TypeCompleted   Type = "completed"
	TypeFailed      Type = "failed"
	TypeEscalated   Type = "escalated"
	TypeSkipped     Type = "skipped"
	TypeSpeculate   Type = "speculate"
	TypeRepair      Type = "repair"
	TypeCycleError  Type = "cycle_error"
	TypeCycleStart  Type = "cycle_start"
	TypeCycleEnd    Type = "cycle_end"
	TypeGraphError  Type = "graph_error"
	TypePatchMerged Type = "patch_merged"
)

// IsValid checks if the event type value is valid
func (t Type) IsValid() bool {
	switch t {
	case TypeCreated, TypeUpdated,
		TypeStarted, TypeCompleted, TypeFailed, TypeEscalated, TypeSkipped,
		TypeSpeculate, TypeRepair, TypeCycleError, TypeCycleStart,
		TypeCycleEnd, TypeGraphError, TypePatchMerged:
		return true
	}
	return false
}

// Event is one append-only log record. IssueID is empty for kernel-level
// events (cycle boundaries, graph errors).
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	IssueID   string         `json:"issue_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the given time in UTC.
func New(t Type, issueID string, data map[string]any, now time.Time) *Event {
	return &Event{
		Timestamp: now.UTC(),
		Type:      t,
		IssueID:   issueID,
		Data:      data,
	}
}
