package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/storage"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "dk",
	Short: "Autonomous development kernel",
	Long: `dk drives an issue graph to completion: it schedules ready work,
spawns coding agents in isolated workcells, verifies their output
through quality gates, and merges what passes.

State lives in a SQLite graph store (default .dk/dk.db). Run "dk init"
once in a repository, file issues with "dk create", then start the
kernel with "dk run".`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .dk/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "graph store path (overrides config)")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig resolves the effective configuration: an explicit --config
// must load cleanly; otherwise .dk/config.yaml is used when present,
// falling back to defaults.
func loadConfig() *config.Config {
	path := configPath
	if path == "" {
		if _, err := os.Stat(".dk/config.yaml"); err == nil {
			path = ".dk/config.yaml"
		}
	}
	if path == "" {
		cfg := config.Default()
		if dbPath != "" {
			cfg.StorePath = dbPath
		}
		return cfg
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if dbPath != "" {
		cfg.StorePath = dbPath
	}
	return cfg
}

func openStore(ctx context.Context, cfg *config.Config) storage.GraphStore {
	store, err := storage.Open(ctx, &storage.Config{Path: cfg.StorePath})
	if err != nil {
		fatal(fmt.Errorf("failed to open graph store: %w", err))
	}
	return store
}
