package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dk/internal/dispatcher"
	"github.com/steveyegge/dk/internal/events"
	"github.com/steveyegge/dk/internal/git"
	"github.com/steveyegge/dk/internal/runner"
	"github.com/steveyegge/dk/internal/toolchain"
	"github.com/steveyegge/dk/internal/verifier"
	"github.com/steveyegge/dk/internal/workcell"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kernel control loop",
	Long: `Start the kernel: load the issue graph, schedule ready work under
the concurrency budgets, dispatch coding agents into workcells, verify
their proofs through quality gates, and merge winning patches.

The loop exits when no lanes remain (or after one cycle with
--single-cycle). With --watch it keeps polling for new ready work.
Ctrl+C stops gracefully: in-flight work finishes first.`,
	Run: func(cmd *cobra.Command, args []string) {
		singleCycle, _ := cmd.Flags().GetBool("single-cycle")
		targetIssue, _ := cmd.Flags().GetString("issue")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		forceSpeculate, _ := cmd.Flags().GetBool("force-speculate")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		watch, _ := cmd.Flags().GetBool("watch")
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg := loadConfig()
		if maxConcurrent > 0 {
			cfg.MaxConcurrentWorkcells = maxConcurrent
		}
		if watch {
			cfg.Watch = true
		}
		if err := cfg.Validate(); err != nil {
			fatal(err)
		}

		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		instanceID := uuid.NewString()
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Str("instance", instanceID).Logger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := openStore(ctx, cfg)
		defer store.Close()

		g, err := git.New(ctx)
		if err != nil {
			fatal(err)
		}
		workcells, err := workcell.NewManager(ctx, workcell.Config{
			RepoRoot:   cfg.RepoRoot,
			Root:       cfg.WorkcellRoot,
			ArchiveDir: filepath.Join(cfg.LogsDir, "workcells"),
		}, g)
		if err != nil {
			fatal(err)
		}

		registry := toolchain.NewRegistry(cfg, cfg.SensitivePaths)
		if adapters := registry.AvailableInOrder(); len(adapters) == 0 && !dryRun {
			fmt.Fprintf(os.Stderr, "warning: no toolchain binaries found on PATH; dispatches will fail\n")
		}

		eventLog, err := events.OpenLog(cfg.LogsDir)
		if err != nil {
			fatal(err)
		}
		defer eventLog.Close()

		playbook, err := runner.LoadPlaybook(cfg.PlaybookPath)
		if err != nil {
			fatal(err)
		}

		kc := &runner.Context{
			Config:    cfg,
			Store:     store,
			Workcells: workcells,
			Dispatch:  dispatcher.New(cfg, registry, workcells, log),
			Verify:    verifier.New(verifier.Config{}, log),
			Events:    eventLog,
			Log:       log,
			Playbook:  playbook,
		}
		r := runner.New(kc, runner.Options{
			SingleCycle:    singleCycle,
			TargetIssue:    targetIssue,
			ForceSpeculate: forceSpeculate,
			Watch:          cfg.Watch,
			DryRun:         dryRun || cfg.DryRun,
		})

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s kernel started (instance %s)\n", green("✓"), instanceID)

		if err := r.Run(ctx); err != nil {
			fatal(err)
		}
	},
}

func init() {
	runCmd.Flags().Bool("single-cycle", false, "run exactly one scheduling cycle and exit")
	runCmd.Flags().String("issue", "", "restrict the run to one issue and its transitive blockers")
	runCmd.Flags().Int("max-concurrent", 0, "override max concurrent workcells")
	runCmd.Flags().Bool("force-speculate", false, "speculate on every dispatched issue")
	runCmd.Flags().Bool("dry-run", false, "print the schedule without dispatching")
	runCmd.Flags().Bool("watch", false, "keep polling for new ready work")
	runCmd.Flags().Bool("verbose", false, "debug logging")
	rootCmd.AddCommand(runCmd)
}
