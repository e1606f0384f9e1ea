// Package git wraps the git CLI for workcell lifecycle operations:
// worktree creation, diffing against the base commit, and patch merges.
package git

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Git runs git commands against trusted repository paths.
type Git struct {
	gitPath string
}

// New creates a Git instance, verifying git is available.
func New(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}
	return &Git{gitPath: gitPath}, nil
}

// run executes git -C repoPath args... and returns trimmed stdout.
// Command output is folded into the error on failure.
func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	full := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, g.gitPath, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed in %s: %w (output: %s)",
			args[0], repoPath, err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// Head returns the commit hash of HEAD.
func (g *Git) Head(ctx context.Context, repoPath string) (string, error) {
	return g.run(ctx, repoPath, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return g.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// MergeBase returns the best common ancestor of two revisions.
func (g *Git) MergeBase(ctx context.Context, repoPath, a, b string) (string, error) {
	return g.run(ctx, repoPath, "merge-base", a, b)
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := g.run(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// DiffStats summarizes a diff between two revisions.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// DiffStat computes numstat totals between base and head.
// Binary files count toward FilesChanged but not line totals.
func (g *Git) DiffStat(ctx context.Context, repoPath, base, head string) (*DiffStats, error) {
	out, err := g.run(ctx, repoPath, "diff", "--numstat", base+".."+head)
	if err != nil {
		return nil, err
	}
	stats := &DiffStats{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		// Binary files report "-" for both counts.
		if n, err := strconv.Atoi(fields[0]); err == nil {
			stats.Insertions += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			stats.Deletions += n
		}
	}
	return stats, nil
}

// DiffFiles lists the paths touched between base and head, relative to
// the repo root.
func (g *Git) DiffFiles(ctx context.Context, repoPath, base, head string) ([]string, error) {
	out, err := g.run(ctx, repoPath, "diff", "--name-only", base+".."+head)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	out, err := g.run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages everything and commits. Returns the new commit hash.
func (g *Git) CommitAll(ctx context.Context, repoPath, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	if _, err := g.run(ctx, repoPath, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, repoPath, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.Head(ctx, repoPath)
}

// CreateWorktree adds a worktree at path on a fresh branch cut from
// baseRev. The worktree is created detached first, then the branch is
// cut inside it, so a half-created branch never leaks into the parent
// repo on failure.
func (g *Git) CreateWorktree(ctx context.Context, repoPath, path, branch, baseRev string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("worktree path already exists: %s", path)
	}
	if g.BranchExists(ctx, repoPath, branch) {
		return fmt.Errorf("branch already exists: %s", branch)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent dir: %w", err)
	}
	if _, err := g.run(ctx, repoPath, "worktree", "add", "--detach", path, baseRev); err != nil {
		_ = os.RemoveAll(path)
		return err
	}
	if _, err := g.run(ctx, path, "checkout", "-b", branch, baseRev); err != nil {
		_ = g.RemoveWorktree(ctx, repoPath, path)
		return err
	}
	return nil
}

// RemoveWorktree removes a worktree and prunes the worktree list.
// Safe to call on an already-removed path.
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = g.run(ctx, repoPath, "worktree", "prune")
		return nil
	}
	if _, err := g.run(ctx, repoPath, "worktree", "remove", path, "--force"); err != nil {
		// Broken worktrees resist git removal; fall back to rm + prune.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		_, _ = g.run(ctx, repoPath, "worktree", "prune")
	}
	return nil
}

// DeleteBranch force-deletes a local branch. Used after a workcell's
// patch merges or its branch is abandoned.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := g.run(ctx, repoPath, "branch", "-D", branch)
	return err
}

// Merge merges branch into the current branch with --no-ff so the patch
// stays visible as a unit in history. On conflict the merge is aborted
// and an error returned; the caller's tree is left clean.
func (g *Git) Merge(ctx context.Context, repoPath, branch, message string) (string, error) {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	if _, err := g.run(ctx, repoPath, args...); err != nil {
		_, _ = g.run(ctx, repoPath, "merge", "--abort")
		return "", fmt.Errorf("merge of %s failed: %w", branch, err)
	}
	return g.Head(ctx, repoPath)
}

// IsRepo reports whether path is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, path string) bool {
	out, err := g.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}
