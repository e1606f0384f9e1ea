package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dk/internal/git"
	"github.com/steveyegge/dk/internal/workcell"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale workcells left behind by crashed runs",
	Long: `Sweep the workcell root for directories no live kernel owns and
remove their worktrees and branches. A workcell is stale once it is
older than --older-than (default 24h).`,
	Run: func(cmd *cobra.Command, args []string) {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		ctx := context.Background()
		cfg := loadConfig()

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

		removed, err := workcells.CleanupStale(ctx, olderThan)
		if err != nil {
			fatal(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s removed %d stale workcell(s)\n", green("✓"), removed)
	},
}

func init() {
	cleanupCmd.Flags().Duration("older-than", 24*time.Hour, "age before a workcell counts as stale")
	rootCmd.AddCommand(cleanupCmd)
}
