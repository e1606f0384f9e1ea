package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dk/internal/types"
)

var depCmd = &cobra.Command{
	Use:   "dep <issue> <depends-on>",
	Short: "Add a dependency edge between two issues",
	Long: `Record that <issue> depends on <depends-on>. Edge types:

  blocks     <issue> cannot start until <depends-on> is done (default)
  related    informational link, no scheduling effect
  parent-of  lineage link for escalation and repair children`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		depType, _ := cmd.Flags().GetString("type")

		ctx := context.Background()
		cfg := loadConfig()
		store := openStore(ctx, cfg)
		defer store.Close()

		dep := &types.Dependency{
			IssueID:     args[0],
			DependsOnID: args[1],
			Type:        types.DependencyType(depType),
		}
		if err := store.AddEdge(ctx, dep, "cli"); err != nil {
			fatal(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s %s %s\n", green("✓"), args[0], depType, args[1])
	},
}

func init() {
	depCmd.Flags().String("type", "blocks", "edge type: blocks, related, parent-of")
	rootCmd.AddCommand(depCmd)
}
