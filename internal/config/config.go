// Package config loads and validates the kernel configuration file.
// Config errors are fatal at startup: the CLI prints the message and
// exits non-zero.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolchainConfig holds per-adapter settings.
type ToolchainConfig struct {
	// Binary overrides the executable name looked up on PATH.
	Binary string `yaml:"binary,omitempty"`
	// Model is passed through to the agent (e.g. --model).
	Model string `yaml:"model,omitempty"`
	// TimeoutSeconds bounds one execution. 0 means the global default.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	// ExtraArgs are appended to the agent command line.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// Timeout returns the per-toolchain timeout, falling back to def.
func (t ToolchainConfig) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	return def
}

// OnNoWinner selects runner behavior when speculate voting returns no
// winner above the threshold.
type OnNoWinner string

const (
	// NoWinnerFallback picks the highest-confidence passing candidate
	// anyway (default; the threshold is advisory).
	NoWinnerFallback OnNoWinner = "fallback"
	// NoWinnerFail treats the issue as a failed attempt.
	NoWinnerFail OnNoWinner = "fail"
)

// SpeculateConfig controls the run-N-candidates-and-vote path.
type SpeculateConfig struct {
	// VoteThreshold in [0,1]; a winner must score at least threshold*100.
	VoteThreshold float64 `yaml:"vote_threshold"`
	// Candidates is the target number of parallel candidates.
	Candidates int `yaml:"candidates"`
	// OnNoWinner: fallback | fail.
	OnNoWinner OnNoWinner `yaml:"on_no_winner"`
}

// Config is the top-level kernel configuration, loaded once at startup.
type Config struct {
	// RepoRoot is the version-controlled tree workcells branch from.
	RepoRoot string `yaml:"repo_root"`
	// StorePath is the graph store database location.
	StorePath string `yaml:"store_path"`
	// WorkcellRoot is where per-task working copies are created.
	WorkcellRoot string `yaml:"workcell_root"`
	// LogsDir holds events.jsonl and archived workcell logs.
	LogsDir string `yaml:"logs_dir"`

	MaxConcurrentWorkcells int `yaml:"max_concurrent_workcells"`
	MaxConcurrentTokens    int `yaml:"max_concurrent_tokens"`

	// ToolchainPriority is the routing order when an issue has no usable
	// tool hint. Names must have entries in Toolchains.
	ToolchainPriority []string                   `yaml:"toolchain_priority"`
	Toolchains        map[string]ToolchainConfig `yaml:"toolchains"`

	// DefaultTimeoutSeconds bounds an adapter execution when the
	// toolchain config doesn't set its own (default 30 minutes).
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`

	// LaunchPerMinute rate-limits agent process launches across the
	// whole kernel. 0 disables the limiter.
	LaunchPerMinute int `yaml:"launch_per_minute"`

	// DefaultCodeGates maps gate name to shell command, inherited by
	// every manifest unless the issue is tagged gate:asset-only.
	DefaultCodeGates map[string]string `yaml:"default_code_gates"`

	// SensitivePaths are glob patterns whose modification raises risk to
	// high (auth, payments, schema migrations, secrets).
	SensitivePaths []string `yaml:"sensitive_paths"`

	Speculate SpeculateConfig `yaml:"speculate"`

	// PlaybookPath points at the repair playbook (fail-code to
	// instruction template mapping). Optional.
	PlaybookPath string `yaml:"playbook_path,omitempty"`

	// DefaultMaxAttempts applies to issues with max_attempts unset.
	DefaultMaxAttempts int `yaml:"default_max_attempts"`

	// KeepWinnerLogs archives the winning workcell's logs on cleanup.
	KeepWinnerLogs bool `yaml:"keep_winner_logs"`

	// WatchIntervalSeconds is the sleep between cycles in watch mode.
	WatchIntervalSeconds int `yaml:"watch_interval_seconds"`

	Watch  bool `yaml:"watch"`
	DryRun bool `yaml:"dry_run"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		RepoRoot:               ".",
		StorePath:              ".dk/dk.db",
		WorkcellRoot:           ".workcells",
		LogsDir:                ".dk/logs",
		MaxConcurrentWorkcells: 4,
		MaxConcurrentTokens:    400000,
		ToolchainPriority:      []string{"claude", "codex", "opencode"},
		Toolchains: map[string]ToolchainConfig{
			"claude":   {},
			"codex":    {},
			"opencode": {},
		},
		DefaultTimeoutSeconds: int((30 * time.Minute).Seconds()),
		DefaultCodeGates: map[string]string{
			"test":      "go test ./...",
			"typecheck": "go vet ./...",
			"lint":      "golangci-lint run ./...",
		},
		SensitivePaths: []string{
			"**/auth/**",
			"**/payment*/**",
			"**/migrations/**",
			"**/*secret*",
			"**/*.pem",
		},
		Speculate: SpeculateConfig{
			VoteThreshold: 0.6,
			Candidates:    2,
			OnNoWinner:    NoWinnerFallback,
		},
		DefaultMaxAttempts:   3,
		KeepWinnerLogs:       true,
		WatchIntervalSeconds: 30,
	}
}

// Load reads a YAML config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.MaxConcurrentWorkcells < 1 {
		return fmt.Errorf("max_concurrent_workcells must be at least 1 (got %d)", c.MaxConcurrentWorkcells)
	}
	if c.MaxConcurrentTokens < 1 {
		return fmt.Errorf("max_concurrent_tokens must be at least 1 (got %d)", c.MaxConcurrentTokens)
	}
	if len(c.ToolchainPriority) == 0 {
		return fmt.Errorf("toolchain_priority cannot be empty")
	}
	for _, name := range c.ToolchainPriority {
		if _, ok := c.Toolchains[name]; !ok {
			return fmt.Errorf("toolchain_priority entry %q has no toolchains config", name)
		}
	}
	if c.Speculate.VoteThreshold < 0 || c.Speculate.VoteThreshold > 1 {
		return fmt.Errorf("speculate.vote_threshold must be in [0, 1] (got %g)", c.Speculate.VoteThreshold)
	}
	if c.Speculate.Candidates < 1 {
		return fmt.Errorf("speculate.candidates must be at least 1 (got %d)", c.Speculate.Candidates)
	}
	switch c.Speculate.OnNoWinner {
	case NoWinnerFallback, NoWinnerFail:
	default:
		return fmt.Errorf("speculate.on_no_winner must be fallback or fail (got %q)", c.Speculate.OnNoWinner)
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("default_max_attempts must be at least 1 (got %d)", c.DefaultMaxAttempts)
	}
	if c.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("default_timeout_seconds must be at least 1 (got %d)", c.DefaultTimeoutSeconds)
	}
	return nil
}

// DefaultTimeout returns the global per-task timeout.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// WatchInterval returns the watch-mode sleep duration.
func (c *Config) WatchInterval() time.Duration {
	if c.WatchIntervalSeconds < 1 {
		return 30 * time.Second
	}
	return time.Duration(c.WatchIntervalSeconds) * time.Second
}
