package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dk/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the issue graph at a glance",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		store := openStore(ctx, cfg)
		defer store.Close()

		g, err := store.LoadGraph(ctx)
		if err != nil {
			fatal(err)
		}
		ready, err := store.GetReady(ctx)
		if err != nil {
			fatal(err)
		}

		counts := map[types.Status]int{}
		for _, iss := range g.Issues {
			counts[iss.Status]++
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %d issues, %d edges\n", bold("graph:"), len(g.Issues), len(g.Edges))
		for _, s := range []types.Status{
			types.StatusOpen, types.StatusReady, types.StatusRunning,
			types.StatusBlocked, types.StatusDone, types.StatusEscalated,
			types.StatusAbandoned,
		} {
			if counts[s] > 0 {
				fmt.Printf("  %-10s %d\n", s, counts[s])
			}
		}

		fmt.Printf("%s %d issues\n", bold("ready:"), len(ready))
		sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
		for _, iss := range ready {
			fmt.Printf("  %s  %s  %s\n", iss.ID, iss.PriorityLabel(), iss.Title)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
