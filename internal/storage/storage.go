// Package storage defines the graph store adapter: the single gate
// through which the kernel reads and mutates issues, dependency edges,
// and the audit event trail. Callers never touch the backing files
// directly, so the backend can be swapped without touching the runner or
// scheduler.
package storage

import (
	"context"

	"github.com/steveyegge/dk/internal/events"
	"github.com/steveyegge/dk/internal/storage/sqlite"
	"github.com/steveyegge/dk/internal/types"
)

// GraphStore is the CRUD surface over the issue graph.
//
// Failure semantics: transient I/O errors surface as errors from mutators
// and the runner retries next cycle; schema corruption is fatal and
// surfaces from Open.
type GraphStore interface {
	// LoadGraph reads all issues and edges into a snapshot.
	LoadGraph(ctx context.Context) (*types.Graph, error)

	// GetReady returns issues whose status is open or ready and whose
	// blocks blockers are all done.
	GetReady(ctx context.Context) ([]*types.Issue, error)

	// GetIssue retrieves a single issue by ID.
	GetIssue(ctx context.Context, id string) (*types.Issue, error)

	// CreateIssue stores a new issue, assigning an ID if unset, and
	// returns the final ID.
	CreateIssue(ctx context.Context, issue *types.Issue, actor string) (string, error)

	// UpdateIssue atomically replaces fields on an issue record. The
	// whole update applies or none of it does.
	UpdateIssue(ctx context.Context, id string, updates map[string]any, actor string) error

	// AddEdge stores a dependency edge. Idempotent on
	// (issue_id, depends_on_id, type).
	AddEdge(ctx context.Context, dep *types.Dependency, actor string) error

	// AppendEvent records an audit event. Append-only.
	AppendEvent(ctx context.Context, event *events.Event) error

	// GetEvents returns the most recent events for an issue.
	GetEvents(ctx context.Context, issueID string, limit int) ([]*events.Event, error)

	// ExportJSONL snapshots issues.jsonl and deps.jsonl into dir.
	ExportJSONL(ctx context.Context, dir string) error

	// Close releases the backing store.
	Close() error
}

// Config holds graph store configuration.
type Config struct {
	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory store (tests).
	Path string
	// IssuePrefix is used for generated IDs ("dk" yields dk-1, dk-2, ...).
	IssuePrefix string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:        ".dk/dk.db",
		IssuePrefix: "dk",
	}
}

// Open creates the SQLite-backed graph store.
func Open(ctx context.Context, cfg *Config) (GraphStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = ".dk/dk.db"
	}
	if cfg.IssuePrefix == "" {
		cfg.IssuePrefix = "dk"
	}
	return sqlite.New(ctx, cfg.Path, cfg.IssuePrefix)
}
