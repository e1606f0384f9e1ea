package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/git"
	"github.com/steveyegge/dk/internal/proof"
)

// PromptFile is written into the workcell before the agent launches.
const PromptFile = "PROMPT.md"

// cliAdapter drives one command-line coding agent. All concrete
// toolchains (claude, codex, opencode, blender-asset) are
// parameterizations of this type: binary path, model, extra args from
// the per-toolchain config. The agent is invoked in the workcell with
// the prompt file path as its final argument.
type cliAdapter struct {
	name           string
	binaryPath     string
	cfg            config.ToolchainConfig
	defaultTimeout time.Duration
	sensitivePaths []string
	limiter        *rate.Limiter
	git            *git.Git
}

func newCLIAdapter(name string, cfg config.ToolchainConfig, defaultTimeout time.Duration, sensitivePaths []string, limiter *rate.Limiter) *cliAdapter {
	binary := cfg.Binary
	if binary == "" {
		binary = name
	}
	g, err := git.New(context.Background())
	if err != nil {
		g = nil
	}
	return &cliAdapter{
		name:           name,
		binaryPath:     lookPath(binary),
		cfg:            cfg,
		defaultTimeout: defaultTimeout,
		sensitivePaths: sensitivePaths,
		limiter:        limiter,
		git:            g,
	}
}

func (a *cliAdapter) Name() string { return a.name }

func (a *cliAdapter) Available() bool { return a.binaryPath != "" }

func (a *cliAdapter) HealthCheck(ctx context.Context) error {
	if a.binaryPath == "" {
		return fmt.Errorf("binary not found for %s", a.name)
	}
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(hctx, a.binaryPath, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s --version failed: %w", a.name, err)
	}
	return nil
}

// ExecuteSync runs the agent to completion. Every failure mode comes
// back as a proof, never an error or panic.
func (a *cliAdapter) ExecuteSync(ctx context.Context, m *proof.Manifest, workcellPath string, timeout time.Duration) *proof.Proof {
	started := time.Now().UTC()

	fail := func(status proof.Status, msg string) *proof.Proof {
		p := proof.FailureProof(m.WorkcellID, m.Issue.ID, a.name, status, msg, started)
		p.Metadata.CompletedAt = time.Now().UTC()
		p.Metadata.DurationMS = time.Since(started).Milliseconds()
		if err := proof.WriteProof(p, workcellPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to persist proof for %s: %v\n", m.WorkcellID, err)
		}
		return p
	}

	if timeout <= 0 {
		timeout = a.cfg.Timeout(a.defaultTimeout)
	}
	if a.binaryPath == "" {
		return fail(proof.StatusError, fmt.Sprintf("adapter %s unavailable", a.name))
	}

	// Pace agent launches across the whole kernel.
	if err := a.limiter.Wait(ctx); err != nil {
		return fail(proof.StatusError, fmt.Sprintf("launch canceled: %v", err))
	}

	promptPath := filepath.Join(workcellPath, PromptFile)
	if err := os.WriteFile(promptPath, []byte(BuildPrompt(m)), 0644); err != nil {
		return fail(proof.StatusError, fmt.Sprintf("failed to write prompt: %v", err))
	}

	baseCommit := ""
	if a.git != nil {
		if head, err := a.git.Head(ctx, workcellPath); err == nil {
			baseCommit = head
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), a.cfg.ExtraArgs...)
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	args = append(args, PromptFile)

	cmd := exec.CommandContext(runCtx, a.binaryPath, args...)
	cmd.Dir = workcellPath

	logPath := filepath.Join(workcellPath, "logs", fmt.Sprintf("agent-%s.log", a.name))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fail(proof.StatusError, fmt.Sprintf("failed to open agent log: %v", err))
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()
	completed := time.Now().UTC()

	exitCode := 0
	status := proof.StatusSuccess
	errMsg := ""
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = proof.StatusTimeout
		exitCode = -1
		errMsg = fmt.Sprintf("agent exceeded %s timeout", timeout)
	case runErr != nil:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			status = proof.StatusFailed
			exitCode = exitErr.ExitCode()
			errMsg = fmt.Sprintf("agent exited %d", exitCode)
		} else {
			status = proof.StatusError
			exitCode = -1
			errMsg = fmt.Sprintf("agent launch failed: %v", runErr)
		}
	}

	// Agents may write their own proof (status, confidence, commands);
	// adopt it as the base when present and sane.
	p := a.loadAgentProof(m, workcellPath)
	if p == nil {
		p = &proof.Proof{
			SchemaVersion: proof.SchemaVersion,
			WorkcellID:    m.WorkcellID,
			IssueID:       m.Issue.ID,
			Status:        status,
			Confidence:    0.5,
		}
	}
	if status != proof.StatusSuccess {
		// The kernel's observation of the child outranks self-reporting.
		p.Status = status
	}

	p.Metadata.Toolchain = a.name
	p.Metadata.Model = a.cfg.Model
	p.Metadata.StartedAt = started
	p.Metadata.CompletedAt = completed
	p.Metadata.DurationMS = completed.Sub(started).Milliseconds()
	p.Metadata.ExitCode = exitCode
	if errMsg != "" {
		p.Metadata.Error = errMsg
	}
	p.Commands = append(p.Commands, strings.Join(append([]string{a.binaryPath}, args...), " "))

	a.collectPatch(ctx, p, m, workcellPath, baseCommit)
	p.ClampConfidence()

	if err := proof.WriteProof(p, workcellPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to persist proof for %s: %v\n", m.WorkcellID, err)
	}
	return p
}

// ExecuteAsync launches the agent and delivers the proof when done.
func (a *cliAdapter) ExecuteAsync(ctx context.Context, m *proof.Manifest, workcellPath string, timeout time.Duration) <-chan *proof.Proof {
	ch := make(chan *proof.Proof, 1)
	go func() {
		ch <- a.ExecuteSync(ctx, m, workcellPath, timeout)
	}()
	return ch
}

// EstimateCost guesses token consumption from the prompt size plus a
// working allowance, priced by model.
func (a *cliAdapter) EstimateCost(m *proof.Manifest) CostEstimate {
	promptTokens := len(BuildPrompt(m)) / 4
	tokens := 20000 + promptTokens*10
	return CostEstimate{
		Tokens:  tokens,
		Dollars: float64(tokens) / 1_000_000 * modelRate(a.cfg.Model),
		Model:   a.cfg.Model,
	}
}

// modelRate is dollars per million tokens, blended input/output.
func modelRate(model string) float64 {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return 30.0
	case strings.Contains(lower, "sonnet"):
		return 6.0
	case strings.Contains(lower, "haiku"):
		return 1.5
	case strings.Contains(lower, "gpt"), strings.Contains(lower, "codex"):
		return 10.0
	default:
		return 5.0
	}
}

// loadAgentProof reads an agent-written proof.json, discarding garbage.
func (a *cliAdapter) loadAgentProof(m *proof.Manifest, workcellPath string) *proof.Proof {
	info, err := os.Stat(filepath.Join(workcellPath, proof.ProofFile))
	if err != nil || info.Size() == 0 {
		return nil
	}
	p, err := proof.LoadProof(workcellPath)
	if err != nil {
		return nil
	}
	if p.WorkcellID == "" {
		p.WorkcellID = m.WorkcellID
	}
	if p.IssueID == "" {
		p.IssueID = m.Issue.ID
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = proof.SchemaVersion
	}
	if !p.Status.IsValid() {
		p.Status = proof.StatusFailed
	}
	if p.WorkcellID != m.WorkcellID || p.IssueID != m.Issue.ID {
		return nil
	}
	return p
}

// collectPatch fills the proof's patch block from the VCS and derives
// the risk classification.
func (a *cliAdapter) collectPatch(ctx context.Context, p *proof.Proof, m *proof.Manifest, workcellPath, baseCommit string) {
	p.Patch.Branch = m.Branch
	p.Patch.BaseCommit = baseCommit

	if a.git == nil || baseCommit == "" {
		p.Risk = ClassifyRisk(nil, nil, a.sensitivePaths, 0)
		return
	}

	head, err := a.git.Head(ctx, workcellPath)
	if err != nil {
		p.Risk = "low"
		return
	}
	p.Patch.HeadCommit = head

	if stats, err := a.git.DiffStat(ctx, workcellPath, baseCommit, head); err == nil {
		p.Patch.DiffStats = proof.DiffStats{
			FilesChanged: stats.FilesChanged,
			Insertions:   stats.Insertions,
			Deletions:    stats.Deletions,
		}
	}
	if files, err := a.git.DiffFiles(ctx, workcellPath, baseCommit, head); err == nil {
		p.Patch.FilesModified = files
	}

	p.Patch.ForbiddenPathViolations = MatchForbidden(p.Patch.FilesModified, m.Issue.ForbiddenPaths)
	p.Risk = ClassifyRisk(p.Patch.ForbiddenPathViolations, p.Patch.FilesModified,
		a.sensitivePaths, p.Patch.DiffStats.TotalLines())
}

// BuildPrompt renders the task prompt written to the workcell.
func BuildPrompt(m *proof.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", m.Issue.ID, m.Issue.Title)
	if m.Issue.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", m.Issue.Description)
	}
	if len(m.Issue.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for i, c := range m.Issue.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		b.WriteString("\n")
	}
	if len(m.Issue.ContextFiles) > 0 {
		b.WriteString("## Relevant files\n\n")
		for _, f := range m.Issue.ContextFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(m.Issue.ForbiddenPaths) > 0 {
		b.WriteString("## Do not modify\n\n")
		for _, f := range m.Issue.ForbiddenPaths {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	b.WriteString("Commit your work with a descriptive message when done.\n")
	return b.String()
}
