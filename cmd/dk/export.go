package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Snapshot the graph store to JSONL files",
	Long: `Write issues.jsonl and deps.jsonl into <dir>, one record per line,
sorted by ID. Useful for backups and for diffing graph state in review.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := loadConfig()
		store := openStore(ctx, cfg)
		defer store.Close()

		if err := store.ExportJSONL(ctx, args[0]); err != nil {
			fatal(err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s exported issues.jsonl and deps.jsonl to %s\n", green("✓"), args[0])
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
