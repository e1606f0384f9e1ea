// Package workcell manages isolated per-task working copies: git
// worktrees on dedicated branches, each with a logs subtree and slots
// for the manifest and proof documents.
package workcell

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/dk/internal/git"
	"github.com/steveyegge/dk/internal/proof"
)

// Workcell is one isolated working copy, alive from Create until the
// runner cleans it up.
type Workcell struct {
	// ID is wc-<issue>-<short>, where short is a ULID fragment or the
	// speculate candidate tag.
	ID         string
	IssueID    string
	Branch     string
	Path       string
	BaseCommit string
	CreatedAt  time.Time
}

// LogsDir is where the adapter and gate runners write their output.
func (w *Workcell) LogsDir() string {
	return filepath.Join(w.Path, "logs")
}

// Config holds workcell manager settings.
type Config struct {
	// RepoRoot is the parent repository workcells branch from.
	RepoRoot string
	// Root is the directory workcell worktrees are created under.
	Root string
	// ArchiveDir receives retained logs on cleanup.
	ArchiveDir string
}

// Manager creates and destroys workcells and tracks the live set.
type Manager struct {
	cfg Config
	git *git.Git

	mu     sync.RWMutex
	active map[string]*Workcell
}

// NewManager validates the parent repo and returns a manager.
func NewManager(ctx context.Context, cfg Config, g *git.Git) (*Manager, error) {
	if cfg.RepoRoot == "" {
		return nil, fmt.Errorf("repo root is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("workcell root is required")
	}
	if !g.IsRepo(ctx, cfg.RepoRoot) {
		return nil, fmt.Errorf("repo root is not a git repository: %s", cfg.RepoRoot)
	}
	return &Manager{
		cfg:    cfg,
		git:    g,
		active: make(map[string]*Workcell),
	}, nil
}

// shortID returns a lowercase fragment of a fresh ULID. ULIDs sort by
// creation time, so concurrent candidates still get distinct fragments.
func shortID() string {
	id := strings.ToLower(ulid.Make().String())
	return id[len(id)-8:]
}

// Create provisions a fresh workcell for an issue at the current main
// tip. speculateTag, when non-empty, names the candidate (the tag
// replaces the random fragment so candidate directories are readable).
func (m *Manager) Create(ctx context.Context, issueID, speculateTag string) (*Workcell, error) {
	if issueID == "" {
		return nil, fmt.Errorf("issue id is required")
	}

	short := speculateTag
	if short == "" {
		short = shortID()
	}
	id := fmt.Sprintf("wc-%s-%s", issueID, short)
	branch := fmt.Sprintf("wc/%s/%s", issueID, short)
	path := filepath.Join(m.cfg.Root, id)

	base, err := m.git.Head(ctx, m.cfg.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base commit: %w", err)
	}

	if err := m.git.CreateWorktree(ctx, m.cfg.RepoRoot, path, branch, base); err != nil {
		return nil, fmt.Errorf("failed to create workcell %s: %w", id, err)
	}

	if err := os.MkdirAll(filepath.Join(path, "logs"), 0755); err != nil {
		_ = m.git.RemoveWorktree(ctx, m.cfg.RepoRoot, path)
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	// Empty document slots; the dispatcher and adapter fill them.
	for _, name := range []string{proof.ManifestFile, proof.ProofFile} {
		if err := os.WriteFile(filepath.Join(path, name), nil, 0644); err != nil {
			_ = m.git.RemoveWorktree(ctx, m.cfg.RepoRoot, path)
			return nil, fmt.Errorf("failed to create %s slot: %w", name, err)
		}
	}

	wc := &Workcell{
		ID:         id,
		IssueID:    issueID,
		Branch:     branch,
		Path:       path,
		BaseCommit: base,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.active[id] = wc
	m.mu.Unlock()
	return wc, nil
}

// Get returns a live workcell by ID.
func (m *Manager) Get(id string) (*Workcell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wc, ok := m.active[id]
	return wc, ok
}

// Active returns the live workcells.
func (m *Manager) Active() []*Workcell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workcell, 0, len(m.active))
	for _, wc := range m.active {
		out = append(out, wc)
	}
	return out
}

// Cleanup removes a workcell's worktree and branch. With keepLogs, the
// logs subtree is archived under <archive>/<workcell-id>/ first.
func (m *Manager) Cleanup(ctx context.Context, wc *Workcell, keepLogs bool) error {
	if keepLogs && m.cfg.ArchiveDir != "" {
		if err := archiveLogs(wc.LogsDir(), filepath.Join(m.cfg.ArchiveDir, wc.ID)); err != nil {
			// Archive failure must not leak the worktree.
			fmt.Fprintf(os.Stderr, "Warning: failed to archive logs for %s: %v\n", wc.ID, err)
		}
	}

	if err := m.git.RemoveWorktree(ctx, m.cfg.RepoRoot, wc.Path); err != nil {
		return fmt.Errorf("failed to remove workcell %s: %w", wc.ID, err)
	}
	if m.git.BranchExists(ctx, m.cfg.RepoRoot, wc.Branch) {
		if err := m.git.DeleteBranch(ctx, m.cfg.RepoRoot, wc.Branch); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to delete branch %s: %v\n", wc.Branch, err)
		}
	}

	m.mu.Lock()
	delete(m.active, wc.ID)
	m.mu.Unlock()
	return nil
}

// CleanupStale removes workcell directories older than olderThan that
// no live workcell owns. Crashed runs leave these behind. Returns the
// number removed.
func (m *Manager) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read workcell root: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "wc-") {
			continue
		}
		if _, live := m.Get(entry.Name()); live {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.Root, entry.Name())
		if err := m.git.RemoveWorktree(ctx, m.cfg.RepoRoot, path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to remove stale workcell %s: %v\n", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ApplyPatch merges the workcell branch into the shared branch with a
// merge commit. Merges are serialized across processes by a lock file
// at the repo root; concurrent winners queue up rather than racing.
func (m *Manager) ApplyPatch(ctx context.Context, p *proof.Proof, wc *Workcell) (string, error) {
	if p.WorkcellID != wc.ID {
		return "", fmt.Errorf("proof workcell %s does not match %s", p.WorkcellID, wc.ID)
	}

	lock, err := git.AcquireMergeLock(m.cfg.RepoRoot, wc.ID, 2*time.Minute)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	message := fmt.Sprintf("%s: merge %s", wc.IssueID, wc.Branch)
	mergeCommit, err := m.git.Merge(ctx, m.cfg.RepoRoot, wc.Branch, message)
	if err != nil {
		return "", fmt.Errorf("failed to apply patch for %s: %w", wc.IssueID, err)
	}
	return mergeCommit, nil
}

// archiveLogs copies the logs tree into dst.
func archiveLogs(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
