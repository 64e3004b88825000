package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
)

// Envelope is the fixed JSON contract every repo-updater invocation
// returns on stdout (§6 "External adapter — repo updater").
type Envelope struct {
	GeneratedAt  time.Time       `json:"generated_at"`
	Version      string          `json:"version"`
	OutputFormat string          `json:"output_format"`
	Command      string          `json:"command"`
	Data         json.RawMessage `json:"data"`
	Meta         Meta            `json:"meta"`
}

// Meta carries the adapter's own report of how its invocation went.
type Meta struct {
	DurationSeconds float64 `json:"duration_seconds"`
	ExitCode        int     `json:"exit_code"`
}

// AdapterConfig configures the external repo-updater binary's command
// surface, host allowlist, and retry policy.
type AdapterConfig struct {
	BinPath      string
	AllowedHosts []string
	Timeout      time.Duration
	MaxRetries   int
}

// DefaultAdapterConfig matches the spec's suggested defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		BinPath:    "repo-updater",
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
	}
}

// Adapter drives the external repo-updater binary's read-only probes
// (idempotent) and its eventually-convergent sync apply.
type Adapter struct {
	cfg     AdapterConfig
	allowed map[string]struct{}
	logger  zerolog.Logger
}

// NewAdapter creates an Adapter from cfg.
func NewAdapter(cfg AdapterConfig) *Adapter {
	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed[h] = struct{}{}
	}
	return &Adapter{cfg: cfg, allowed: allowed, logger: log.WithComponent("repo-updater-adapter")}
}

// Plan runs a dry-run convergence plan for repos on host; it is a
// read-only probe and therefore idempotent and safe to retry.
func (a *Adapter) Plan(ctx context.Context, host string, repos []string) (Envelope, error) {
	return a.invoke(ctx, host, append([]string{"sync", "plan", "--host", host}, repos...), true)
}

// Apply makes the plan converge on host; eventually convergent, bounded
// by the adapter's global timeout.
func (a *Adapter) Apply(ctx context.Context, host string, repos []string) (Envelope, error) {
	return a.invoke(ctx, host, append([]string{"sync", "apply", "--host", host}, repos...), false)
}

func (a *Adapter) invoke(ctx context.Context, host string, args []string, idempotent bool) (Envelope, error) {
	if len(a.allowed) > 0 {
		if _, ok := a.allowed[host]; !ok {
			return Envelope{}, rcherr.New(rcherr.CodeWorkerTopologyFailed, "host is not on the repo-updater allowlist").
				WithContext("host", host)
		}
	}

	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	attempts := a.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	if !idempotent {
		attempts = 1 // never blindly retry a convergence-apply call
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Envelope{}, ctx.Err()
			}
		}

		env, err := a.run(ctx, timeout, args)
		if err == nil {
			return env, nil
		}
		lastErr = err
	}
	return Envelope{}, rcherr.Wrap(rcherr.CodeWorkerTopologyFailed, "repo-updater invocation failed", lastErr).
		WithContext("host", host).WithContext("args", fmt.Sprint(args))
}

func (a *Adapter) run(ctx context.Context, timeout time.Duration, args []string) (Envelope, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.cfg.BinPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var env Envelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return Envelope{}, rcherr.Wrap(rcherr.CodeInternal, "repo-updater produced an unparseable envelope", err).
			WithContext("stderr", stderr.String())
	}
	if runErr != nil || env.Meta.ExitCode != 0 {
		return env, rcherr.New(rcherr.CodeWorkerTopologyFailed, "repo-updater reported a non-zero exit code").
			WithContext("exit_code", fmt.Sprint(env.Meta.ExitCode)).WithContext("stderr", stderr.String())
	}
	return env, nil
}
