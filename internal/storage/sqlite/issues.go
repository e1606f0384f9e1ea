package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/dk/internal/types"
)

const issueColumns = `id, title, description, acceptance_criteria, tags, status,
	priority, risk, estimated_tokens, attempts, max_attempts, parent_id,
	tool_hint, forbidden_paths, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*types.Issue, error) {
	var iss types.Issue
	var criteria, tags, forbidden, createdAt, updatedAt string
	err := row.Scan(&iss.ID, &iss.Title, &iss.Description, &criteria, &tags,
		&iss.Status, &iss.Priority, &iss.Risk, &iss.EstimatedTokens,
		&iss.Attempts, &iss.MaxAttempts, &iss.ParentID, &iss.ToolHint,
		&forbidden, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	iss.AcceptanceCriteria = unmarshalList(criteria)
	iss.Tags = unmarshalList(tags)
	iss.ForbiddenPaths = unmarshalList(forbidden)
	iss.CreatedAt = parseTime(createdAt)
	iss.UpdatedAt = parseTime(updatedAt)
	return &iss, nil
}

// GetIssue retrieves a single issue by ID.
func (s *Store) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	iss, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return iss, nil
}

// CreateIssue stores a new issue and returns its final ID. When the
// issue arrives without an ID, the per-prefix counter hands out the next
// one (dk-1, dk-2, ...) inside the same transaction as the insert, so
// concurrent creators never collide.
func (s *Store) CreateIssue(ctx context.Context, issue *types.Issue, actor string) (string, error) {
	if issue.Status == "" {
		issue.Status = types.StatusOpen
	}
	if issue.Risk == "" {
		issue.Risk = types.RiskLow
	}
	if err := issue.Validate(); err != nil {
		return "", fmt.Errorf("invalid issue: %w", err)
	}

	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	conn, rollback, err := s.beginImmediate(ctx)
	if err != nil {
		return "", err
	}
	defer rollback()

	if issue.ID == "" {
		id, err := nextID(ctx, conn, s.issuePrefix)
		if err != nil {
			return "", err
		}
		issue.ID = id
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Title, issue.Description,
		marshalList(issue.AcceptanceCriteria), marshalList(issue.Tags),
		string(issue.Status), issue.Priority, string(issue.Risk),
		issue.EstimatedTokens, issue.Attempts, issue.MaxAttempts,
		issue.ParentID, issue.ToolHint, marshalList(issue.ForbiddenPaths),
		formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert issue %s: %w", issue.ID, err)
	}

	if err := appendEventTx(ctx, conn, now, "created", issue.ID, map[string]any{
		"actor": actor,
		"title": issue.Title,
	}); err != nil {
		return "", err
	}

	if err := commit(ctx, conn); err != nil {
		return "", err
	}
	return issue.ID, nil
}

// nextID bumps the counter for prefix and returns "<prefix>-<n>". Must
// run inside an IMMEDIATE transaction.
func nextID(ctx context.Context, conn *sql.Conn, prefix string) (string, error) {
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO issue_counters (prefix, last_id) VALUES (?, 0)
		ON CONFLICT(prefix) DO NOTHING`, prefix); err != nil {
		return "", fmt.Errorf("failed to seed counter for %s: %w", prefix, err)
	}
	var n int64
	err := conn.QueryRowContext(ctx, `
		UPDATE issue_counters SET last_id = last_id + 1
		WHERE prefix = ? RETURNING last_id`, prefix).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to bump counter for %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

// UpdateIssue atomically replaces fields on an issue record. The issue
// is read, all updates applied in memory, validated, and written back in
// one IMMEDIATE transaction; an unknown field name or invalid resulting
// issue aborts the whole update.
func (s *Store) UpdateIssue(ctx context.Context, id string, updates map[string]any, actor string) error {
	conn, rollback, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	row := conn.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	iss, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("issue not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read issue %s: %w", id, err)
	}

	for field, value := range updates {
		if err := applyUpdate(iss, field, value); err != nil {
			return fmt.Errorf("failed to update issue %s: %w", id, err)
		}
	}
	if err := iss.Validate(); err != nil {
		return fmt.Errorf("update leaves issue %s invalid: %w", id, err)
	}

	now := time.Now().UTC()
	iss.UpdatedAt = now

	_, err = conn.ExecContext(ctx, `
		UPDATE issues SET title = ?, description = ?, acceptance_criteria = ?,
			tags = ?, status = ?, priority = ?, risk = ?, estimated_tokens = ?,
			attempts = ?, max_attempts = ?, parent_id = ?, tool_hint = ?,
			forbidden_paths = ?, updated_at = ?
		WHERE id = ?`,
		iss.Title, iss.Description, marshalList(iss.AcceptanceCriteria),
		marshalList(iss.Tags), string(iss.Status), iss.Priority,
		string(iss.Risk), iss.EstimatedTokens, iss.Attempts, iss.MaxAttempts,
		iss.ParentID, iss.ToolHint, marshalList(iss.ForbiddenPaths),
		formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to write issue %s: %w", id, err)
	}

	data := map[string]any{"actor": actor}
	for field := range updates {
		data[field] = updates[field]
	}
	if err := appendEventTx(ctx, conn, now, "updated", id, data); err != nil {
		return err
	}

	return commit(ctx, conn)
}

func applyUpdate(iss *types.Issue, field string, value any) error {
	switch field {
	case "title":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		iss.Title = s
	case "description":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		iss.Description = s
	case "status":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		iss.Status = types.Status(s)
	case "risk":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		iss.Risk = types.Risk(s)
	case "priority":
		n, err := asInt(field, value)
		if err != nil {
			return err
		}
		iss.Priority = n
	case "estimated_tokens":
		n, err := asInt(field, value)
		if err != nil {
			return err
		}
		iss.EstimatedTokens = n
	case "attempts":
		n, err := asInt(field, value)
		if err != nil {
			return err
		}
		iss.Attempts = n
	case "max_attempts":
		n, err := asInt(field, value)
		if err != nil {
			return err
		}
		iss.MaxAttempts = n
	case "parent_id":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		iss.ParentID = s
	case "tool_hint":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		iss.ToolHint = s
	case "acceptance_criteria":
		l, err := asStringList(field, value)
		if err != nil {
			return err
		}
		iss.AcceptanceCriteria = l
	case "tags":
		l, err := asStringList(field, value)
		if err != nil {
			return err
		}
		iss.Tags = l
	case "forbidden_paths":
		l, err := asStringList(field, value)
		if err != nil {
			return err
		}
		iss.ForbiddenPaths = l
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	return nil
}

func asString(field string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case types.Status:
		return string(v), nil
	case types.Risk:
		return string(v), nil
	}
	return "", fmt.Errorf("field %s: expected string, got %T", field, value)
}

func asInt(field string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("field %s: expected int, got %T", field, value)
}

func asStringList(field string, value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field %s: expected string list, got %T element", field, item)
			}
			list = append(list, s)
		}
		return list, nil
	}
	return nil, fmt.Errorf("field %s: expected string list, got %T", field, value)
}

// appendEventTx records a store-level audit event inside an open
// transaction. Distinct from the runner's events.jsonl log: this trail
// lives in the database next to the data it describes.
func appendEventTx(ctx context.Context, conn *sql.Conn, now time.Time, eventType, issueID string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO events (timestamp, type, issue_id, data)
		VALUES (?, ?, ?, ?)`,
		formatTime(now), eventType, issueID, string(payload)); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
