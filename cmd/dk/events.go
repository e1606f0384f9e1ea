package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events <issue>",
	Short: "Show the recent audit trail for an issue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		cfg := loadConfig()
		store := openStore(ctx, cfg)
		defer store.Close()

		evs, err := store.GetEvents(ctx, args[0], limit)
		if err != nil {
			fatal(err)
		}
		for _, e := range evs {
			line := fmt.Sprintf("%s  %-12s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type)
			if len(e.Data) > 0 {
				data, _ := json.Marshal(e.Data)
				line += "  " + string(data)
			}
			fmt.Println(line)
		}
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "maximum events to show")
	rootCmd.AddCommand(eventsCmd)
}
