package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/dk/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a kernel workspace in the current repository",
	Long: `Create the .dk directory, write a default config.yaml, and create
the graph store schema. Safe to re-run: existing files are left alone.`,
	Run: func(cmd *cobra.Command, args []string) {
		green := color.New(color.FgGreen).SprintFunc()

		if err := os.MkdirAll(".dk", 0755); err != nil {
			fatal(err)
		}

		cfgPath := filepath.Join(".dk", "config.yaml")
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				fatal(err)
			}
			if err := os.WriteFile(cfgPath, data, 0644); err != nil {
				fatal(err)
			}
			fmt.Printf("%s wrote %s\n", green("✓"), cfgPath)
		} else {
			fmt.Printf("  %s already exists, keeping it\n", cfgPath)
		}

		cfg := loadConfig()
		store := openStore(context.Background(), cfg)
		defer store.Close()
		fmt.Printf("%s graph store ready at %s\n", green("✓"), cfg.StorePath)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
