package preflight

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
)

// Config controls where the canonical project root and its alias live,
// and how long a topology check may take.
type Config struct {
	// CanonicalRoot is the directory every synced project lives under
	// (default "/data/projects").
	CanonicalRoot string
	// AliasPath is a symlink that must resolve to CanonicalRoot.
	AliasPath string
	Timeout   time.Duration
}

// DefaultConfig matches the spec's default canonical root.
func DefaultConfig() Config {
	return Config{
		CanonicalRoot: "/data/projects",
		AliasPath:     "/srv/projects",
		Timeout:       5 * time.Second,
	}
}

// Checker runs topology invariant checks against workers and remembers
// which ones are currently excluded.
type Checker struct {
	cap    transport.Capability
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	failed map[string]string // worker id -> failure reason
}

// NewChecker creates a Checker bound to cap.
func NewChecker(cap transport.Capability, cfg Config) *Checker {
	return &Checker{
		cap:    cap,
		cfg:    cfg,
		logger: log.WithComponent("preflight"),
		failed: make(map[string]string),
	}
}

// Check runs the topology invariant checks against one worker and
// updates its excluded/revalidated state accordingly.
func (c *Checker) Check(ctx context.Context, workerID string, ep transport.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	session, err := c.cap.Connect(ctx, ep)
	if err != nil {
		c.markFailed(workerID, "unreachable")
		return rcherr.Wrap(rcherr.CodeWorkerTopologyFailed, "failed to connect for topology check", err).
			WithContext("worker_id", workerID)
	}
	defer session.Close()

	script := fmt.Sprintf(
		`test -d %s && readlink -f %s`,
		shellQuote(c.cfg.CanonicalRoot), shellQuote(c.cfg.AliasPath),
	)
	var stdout strings.Builder
	result, err := session.Execute(ctx, []string{"sh", "-c", script}, "/", nil, &stdout, nil)
	if err != nil {
		c.markFailed(workerID, "check_failed")
		return rcherr.Wrap(rcherr.CodeWorkerTopologyFailed, "topology check did not complete", err).
			WithContext("worker_id", workerID)
	}
	if result.ExitCode != 0 {
		c.markFailed(workerID, "root_missing")
		return rcherr.New(rcherr.CodeWorkerTopologyFailed, "canonical project root is missing or not a directory").
			WithContext("worker_id", workerID)
	}
	resolved := strings.TrimSpace(stdout.String())
	if resolved != strings.TrimRight(c.cfg.CanonicalRoot, "/") {
		c.markFailed(workerID, "alias_mismatch")
		return rcherr.New(rcherr.CodeWorkerTopologyFailed, "alias symlink does not resolve to the canonical root").
			WithContext("worker_id", workerID).
			WithContext("resolved", resolved)
	}

	c.markOK(workerID)
	return nil
}

func (c *Checker) markFailed(workerID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[workerID] = reason
}

func (c *Checker) markOK(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failed, workerID)
}

// Failed returns the set of currently topology-excluded worker ids,
// suitable for passing straight to selector.Eligible.
func (c *Checker) Failed() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.failed))
	for id := range c.failed {
		out[id] = true
	}
	return out
}

// Reason reports why a worker is currently excluded, if it is.
func (c *Checker) Reason(workerID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reason, ok := c.failed[workerID]
	return reason, ok
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
