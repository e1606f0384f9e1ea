package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveyegge/dk/internal/events"
	"github.com/steveyegge/dk/internal/types"
)

// LoadGraph reads all issues and edges into a snapshot. An edge whose
// endpoint does not exist is a data error; the whole load fails so the
// runner can surface it instead of scheduling against a broken graph.
func (s *Store) LoadGraph(ctx context.Context) (*types.Graph, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+issueColumns+" FROM issues ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, iss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}

	edges, err := s.loadEdges(ctx)
	if err != nil {
		return nil, err
	}

	g := types.NewGraph(issues, edges)
	for _, e := range edges {
		if _, ok := g.Issues[e.IssueID]; !ok {
			return nil, fmt.Errorf("edge references missing issue %s (depends on %s)", e.IssueID, e.DependsOnID)
		}
		if _, ok := g.Issues[e.DependsOnID]; !ok {
			return nil, fmt.Errorf("edge from %s references missing issue %s", e.IssueID, e.DependsOnID)
		}
	}
	return g, nil
}

func (s *Store) loadEdges(ctx context.Context) ([]*types.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, depends_on_id, type, created_at, created_by
		FROM deps ORDER BY issue_id, depends_on_id, type`)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	defer rows.Close()

	var edges []*types.Dependency
	for rows.Next() {
		var dep types.Dependency
		var createdAt string
		if err := rows.Scan(&dep.IssueID, &dep.DependsOnID, &dep.Type,
			&createdAt, &dep.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		dep.CreatedAt = parseTime(createdAt)
		edges = append(edges, &dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate edges: %w", err)
	}
	return edges, nil
}

// GetReady returns issues whose status is open or ready and whose blocks
// blockers are all done. Only blocks edges gate readiness; related and
// parent-of edges never hold an issue back.
func (s *Store) GetReady(ctx context.Context) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues i
		WHERE i.status IN ('open', 'ready')
		AND NOT EXISTS (
			SELECT 1 FROM deps d
			LEFT JOIN issues b ON b.id = d.depends_on_id
			WHERE d.issue_id = i.id
			AND d.type = 'blocks'
			AND (b.id IS NULL OR b.status != 'done')
		)
		ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready issues: %w", err)
	}
	defer rows.Close()

	var ready []*types.Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		ready = append(ready, iss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ready issues: %w", err)
	}
	return ready, nil
}

// AddEdge stores a dependency edge. Idempotent: re-adding an existing
// (issue_id, depends_on_id, type) triple is a no-op. Both endpoints must
// exist.
func (s *Store) AddEdge(ctx context.Context, dep *types.Dependency, actor string) error {
	if !dep.Type.IsValid() {
		return fmt.Errorf("invalid dependency type: %s", dep.Type)
	}
	if dep.IssueID == dep.DependsOnID {
		return fmt.Errorf("issue %s cannot depend on itself", dep.IssueID)
	}

	conn, rollback, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	for _, id := range []string{dep.IssueID, dep.DependsOnID} {
		var exists int
		err := conn.QueryRowContext(ctx,
			"SELECT 1 FROM issues WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("edge endpoint %s not found", id)
		}
	}

	now := time.Now().UTC()
	createdAt := dep.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	createdBy := dep.CreatedBy
	if createdBy == "" {
		createdBy = actor
	}

	res, err := conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO deps (issue_id, depends_on_id, type, created_at, created_by)
		VALUES (?, ?, ?, ?, ?)`,
		dep.IssueID, dep.DependsOnID, string(dep.Type),
		formatTime(createdAt), createdBy)
	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		if err := appendEventTx(ctx, conn, now, "updated", dep.IssueID, map[string]any{
			"actor":         actor,
			"depends_on_id": dep.DependsOnID,
			"dep_type":      string(dep.Type),
		}); err != nil {
			return err
		}
	}

	return commit(ctx, conn)
}

// AppendEvent records an audit event in the store's trail.
func (s *Store) AppendEvent(ctx context.Context, event *events.Event) error {
	if !event.Type.IsValid() {
		return fmt.Errorf("invalid event type: %s", event.Type)
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, type, issue_id, data)
		VALUES (?, ?, ?, ?)`,
		formatTime(ts), string(event.Type), event.IssueID, string(payload)); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns the most recent events for an issue, newest first.
func (s *Store) GetEvents(ctx context.Context, issueID string, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, type, issue_id, data FROM events
		WHERE issue_id = ? ORDER BY id DESC LIMIT ?`, issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var ts, data string
		if err := rows.Scan(&ts, &e.Type, &e.IssueID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

// ExportJSONL snapshots the graph as issues.jsonl and deps.jsonl in dir,
// one JSON object per line, ordered by ID for stable diffs.
func (s *Store) ExportJSONL(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	g, err := s.LoadGraph(ctx)
	if err != nil {
		return err
	}

	var ids []string
	for id := range g.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	issueLines := make([]any, 0, len(ids))
	for _, id := range ids {
		issueLines = append(issueLines, g.Issues[id])
	}
	if err := writeJSONL(filepath.Join(dir, "issues.jsonl"), issueLines); err != nil {
		return err
	}

	depLines := make([]any, 0, len(g.Edges))
	for _, e := range g.Edges {
		depLines = append(depLines, e)
	}
	return writeJSONL(filepath.Join(dir, "deps.jsonl"), depLines)
}

func writeJSONL(path string, lines []any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to encode line for %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
