package health

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/metrics"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// Config controls probe cadence and thresholds.
type Config struct {
	// Interval is the nominal time between probes of one worker (default 15s).
	Interval time.Duration
	// Jitter is the fractional jitter applied to Interval, e.g. 0.2 for ±20%.
	Jitter float64
	// Timeout bounds a single probe (default 3s per spec §5).
	Timeout time.Duration
	// DegradedLatency marks a successful-but-slow probe as Degraded.
	DegradedLatency time.Duration
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Second,
		Jitter:          0.2,
		Timeout:         3 * time.Second,
		DegradedLatency: 1500 * time.Millisecond,
	}
}

// Prober runs one goroutine per worker, probing on a jittered interval.
type Prober struct {
	cfg        Config
	reg        *registry.Registry
	cap        transport.Capability
	logger     zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Prober bound to reg and using cap to reach workers.
func New(cfg Config, reg *registry.Registry, cap transport.Capability) *Prober {
	return &Prober{
		cfg:     cfg,
		reg:     reg,
		cap:     cap,
		logger:  log.WithComponent("health"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start begins probing worker ep under id. Calling Start twice for the
// same id replaces the previous loop.
func (p *Prober) Start(id string, ep transport.Endpoint) {
	p.mu.Lock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, id, ep)
}

// Stop cancels every outstanding probe loop and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = make(map[string]context.CancelFunc)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, id string, ep transport.Endpoint) {
	defer p.wg.Done()

	// Jitter the very first probe too, so a fleet of N workers doesn't
	// all probe in lockstep at startup.
	timer := time.NewTimer(p.jittered())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.probeOnce(ctx, id, ep)
			timer.Reset(p.jittered())
		}
	}
}

func (p *Prober) jittered() time.Duration {
	frac := 1.0 + (rand.Float64()*2-1)*p.cfg.Jitter
	return time.Duration(float64(p.cfg.Interval) * frac)
}

func (p *Prober) probeOnce(ctx context.Context, id string, ep transport.Endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	status, errMsg := p.run(probeCtx, ep)
	duration := time.Since(start)

	outcome := "success"
	if status == types.Unreachable {
		outcome = "failure"
	} else if status == types.Degraded {
		outcome = "degraded"
	}
	metrics.ProbesTotal.WithLabelValues(id, outcome).Inc()

	if err := p.reg.UpdateStatus(id, status, errMsg, time.Now()); err != nil {
		p.logger.Warn().Err(err).Str("worker_id", id).Msg("failed to record probe outcome")
	}
	p.logger.Debug().
		Str("worker_id", id).
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("health probe completed")
}

// run performs the actual SSH round-trip: connect, then a cheap version
// query. It never blocks past probeCtx's deadline.
func (p *Prober) run(ctx context.Context, ep transport.Endpoint) (types.HealthStatus, string) {
	start := time.Now()
	session, err := p.cap.Connect(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			return types.Unreachable, "probe timed out"
		}
		return types.Unreachable, err.Error()
	}
	defer session.Close()

	result, err := session.Execute(ctx, []string{"echo", "rch-worker", "version"}, "/", nil, nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return types.Unreachable, "probe timed out"
		}
		return types.Unreachable, err.Error()
	}
	if result.ExitCode != 0 {
		return types.Unreachable, "version query exited non-zero"
	}

	if time.Since(start) > p.cfg.DegradedLatency {
		return types.Degraded, ""
	}
	return types.Healthy, ""
}
