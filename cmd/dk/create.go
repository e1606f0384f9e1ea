package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dk/internal/types"
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "File a new issue in the graph store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetInt("priority")
		risk, _ := cmd.Flags().GetString("risk")
		tokens, _ := cmd.Flags().GetInt("tokens")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		toolHint, _ := cmd.Flags().GetString("tool")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		acceptance, _ := cmd.Flags().GetStringSlice("acceptance")
		forbidden, _ := cmd.Flags().GetStringSlice("forbidden")
		parent, _ := cmd.Flags().GetString("parent")

		ctx := context.Background()
		cfg := loadConfig()
		store := openStore(ctx, cfg)
		defer store.Close()

		iss := &types.Issue{
			Title:              args[0],
			Description:        description,
			Priority:           priority,
			Risk:               types.Risk(risk),
			EstimatedTokens:    tokens,
			MaxAttempts:        maxAttempts,
			ToolHint:           toolHint,
			Tags:               tags,
			AcceptanceCriteria: acceptance,
			ForbiddenPaths:     forbidden,
			ParentID:           parent,
		}
		id, err := store.CreateIssue(ctx, iss, "cli")
		if err != nil {
			fatal(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s created %s\n", green("✓"), id)
	},
}

func init() {
	createCmd.Flags().StringP("description", "d", "", "issue description")
	createCmd.Flags().IntP("priority", "p", 2, "priority 0 (highest) to 3")
	createCmd.Flags().String("risk", "low", "risk: low, medium, high, critical")
	createCmd.Flags().Int("tokens", 0, "estimated token cost")
	createCmd.Flags().Int("max-attempts", 0, "attempt budget (0 uses the config default)")
	createCmd.Flags().String("tool", "", "preferred toolchain")
	createCmd.Flags().StringSlice("tags", nil, "tags (asset:<category>, gate:godot, ...)")
	createCmd.Flags().StringSlice("acceptance", nil, "acceptance criteria")
	createCmd.Flags().StringSlice("forbidden", nil, "forbidden path patterns")
	createCmd.Flags().String("parent", "", "parent issue ID")
	rootCmd.AddCommand(createCmd)
}
