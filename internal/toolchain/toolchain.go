// Package toolchain defines the adapter contract over external coding
// agents and the registry that routes issues to them.
package toolchain

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/dk/internal/config"
	"github.com/steveyegge/dk/internal/proof"
)

// CostEstimate is a pre-dispatch guess at what a task will consume.
type CostEstimate struct {
	Tokens  int     `json:"tokens"`
	Dollars float64 `json:"dollars"`
	Model   string  `json:"model"`
}

// Adapter binds one external coding-agent binary to the kernel.
//
// Contract: ExecuteSync never panics and never returns a nil proof. On
// timeout or child crash it returns a proof with status timeout or
// error. The proof is persisted to the workcell before returning, its
// patch block reflects the VCS state, and confidence is clamped to
// [0, 1].
type Adapter interface {
	Name() string
	// Available reports whether the external binary was found at
	// startup. Unavailable adapters are silently routed around.
	Available() bool
	// HealthCheck verifies the binary actually runs.
	HealthCheck(ctx context.Context) error
	// ExecuteSync runs the agent to completion in the workcell.
	ExecuteSync(ctx context.Context, m *proof.Manifest, workcellPath string, timeout time.Duration) *proof.Proof
	// ExecuteAsync launches the agent and delivers the proof on the
	// returned channel when the child finishes.
	ExecuteAsync(ctx context.Context, m *proof.Manifest, workcellPath string, timeout time.Duration) <-chan *proof.Proof
	// EstimateCost guesses tokens and dollars for the task.
	EstimateCost(m *proof.Manifest) CostEstimate
}

// Registry holds the configured adapters and answers routing queries.
// Availability is discovered once at construction and cached.
type Registry struct {
	adapters map[string]Adapter
	priority []string
	limiter  *rate.Limiter

	mu     sync.RWMutex
	health map[string]error
}

// NewRegistry builds adapters from config. Every name in the priority
// order gets an adapter; missing binaries yield unavailable adapters
// rather than errors.
func NewRegistry(cfg *config.Config, sensitivePaths []string) *Registry {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.LaunchPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.LaunchPerMinute)/60.0), cfg.LaunchPerMinute)
	}

	r := &Registry{
		adapters: make(map[string]Adapter),
		priority: append([]string(nil), cfg.ToolchainPriority...),
		limiter:  limiter,
		health:   make(map[string]error),
	}
	for name, tc := range cfg.Toolchains {
		r.adapters[name] = newCLIAdapter(name, tc, cfg.DefaultTimeout(), sensitivePaths, limiter)
	}
	return r
}

// Register adds or replaces an adapter. Tests install fakes this way.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Route picks the adapter for an issue: the tool hint when that adapter
// is available, otherwise the first available adapter in priority
// order. Returns an error when nothing can run.
func (r *Registry) Route(toolHint string) (Adapter, error) {
	if toolHint != "" {
		if a, ok := r.Get(toolHint); ok && a.Available() {
			return a, nil
		}
	}
	for _, name := range r.priority {
		if a, ok := r.Get(name); ok && a.Available() {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no_adapter_available")
}

// AvailableInOrder returns available adapters in priority order,
// skipping exclude. Speculate candidate selection starts from this
// list.
func (r *Registry) AvailableInOrder() []Adapter {
	var out []Adapter
	for _, name := range r.priority {
		if a, ok := r.Get(name); ok && a.Available() {
			out = append(out, a)
		}
	}
	return out
}

// HealthCheck probes every available adapter, caching results.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	for _, a := range adapters {
		if !a.Available() {
			results[a.Name()] = fmt.Errorf("binary not found")
			continue
		}
		results[a.Name()] = a.HealthCheck(ctx)
	}

	r.mu.Lock()
	r.health = results
	r.mu.Unlock()
	return results
}

// lookPath resolves a binary, returning "" when missing.
func lookPath(binary string) string {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ""
	}
	return path
}
