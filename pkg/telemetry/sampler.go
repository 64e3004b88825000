// Package telemetry derives each worker's SpeedScore (C2) from observed
// build durations and decays it toward neutral once it goes stale, the
// way health.Prober turns periodic probes into liveness state for the
// circuit breaker.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/metrics"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// neutralScore is where a stale score decays toward and where an
// unbenchmarked worker starts, matching registry.Register's default.
const neutralScore = 50

// Config controls the sweep cadence and staleness/drift thresholds (§3
// "Monotonic decay when samples age past a staleness threshold; triggers
// re-benchmark when stale or drifted beyond a configured delta").
type Config struct {
	// SweepInterval is how often the staleness sweep runs. Sourced from
	// config.toml's telemetry.interval_seconds.
	SweepInterval time.Duration
	// StaleAfter marks a score stale once this long has passed since its
	// last sample.
	StaleAfter time.Duration
	// DecayPerSweep is the fraction of the gap to neutralScore a stale
	// score closes on every sweep.
	DecayPerSweep float64
	// DriftDelta is how many score points a fresh sample may differ from
	// the previously applied one before it's logged as drift.
	DriftDelta int
	// EMAAlpha weights a fresh build-duration sample against the running
	// average; higher reacts faster, lower smooths more.
	EMAAlpha float64
}

// DefaultConfig matches a 15s telemetry interval with a generous
// staleness window so a quiet worker isn't penalized after one idle tick.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 15 * time.Second,
		StaleAfter:    10 * time.Minute,
		DecayPerSweep: 0.25,
		DriftDelta:    20,
		EMAAlpha:      0.3,
	}
}

// sample is one worker's rolling build-duration estimate.
type sample struct {
	ema              float64 // seconds
	sampleCount      int
	needsFreshSample bool // set by a staleness sweep; cleared by the next organic sample
}

// Sampler turns completed-build durations into a 0-100 SpeedScore ranked
// against the fastest worker currently known, and ages that score out
// when a worker stops producing fresh samples. It holds no network
// dependency of its own: the only signal it consumes is wall-clock time
// the coordinator already measures for every build.
type Sampler struct {
	cfg    Config
	reg    *registry.Registry
	logger zerolog.Logger

	mu          sync.Mutex
	samples     map[string]*sample
	lastApplied map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Sampler writing scores into reg.
func New(cfg Config, reg *registry.Registry) *Sampler {
	return &Sampler{
		cfg:         cfg,
		reg:         reg,
		logger:      log.WithComponent("telemetry"),
		samples:     make(map[string]*sample),
		lastApplied: make(map[string]int),
	}
}

// Start begins the background staleness sweep. Calling Start twice
// replaces the previous loop.
func (s *Sampler) Start() {
	s.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the sweep and waits for it to exit. Safe to call on a
// Sampler that was never started.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
}

func (s *Sampler) loop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep decays every worker whose last sample has aged past StaleAfter,
// and flags it so the next organic sample replaces its ema outright
// instead of blending with a reading that may no longer be accurate.
func (s *Sampler) sweep(now time.Time) {
	for _, view := range s.reg.Snapshot() {
		s.decayIfStale(view.Worker.ID, view.Speed, now)
	}
}

func (s *Sampler) decayIfStale(id string, score types.SpeedScore, now time.Time) {
	if score.SampleCount == 0 || score.SampledAt.IsZero() {
		return
	}
	if now.Sub(score.SampledAt) <= s.cfg.StaleAfter {
		return
	}

	s.mu.Lock()
	if sm := s.samples[id]; sm != nil {
		sm.needsFreshSample = true
	}
	s.mu.Unlock()

	next := score.Value + int(float64(neutralScore-score.Value)*s.cfg.DecayPerSweep)
	if next == score.Value {
		return
	}
	s.logger.Debug().Str("worker_id", id).Int("previous", score.Value).Int("decayed", next).
		Msg("speed score decayed toward neutral after going stale; next build re-benchmarks")
	decayed := types.SpeedScore{Value: next, SampledAt: score.SampledAt, SampleCount: score.SampleCount}
	s.reg.SetSpeedScore(id, decayed)
	metrics.WorkerSpeedScore.WithLabelValues(id).Set(float64(next))
}

// RecordBuildDuration feeds one completed build's wall-clock duration
// into workerID's rolling estimate and immediately recomputes its
// SpeedScore. Called from the coordinator as each build finishes, so a
// worker's ranking reacts to real traffic rather than waiting on the
// next sweep.
func (s *Sampler) RecordBuildDuration(workerID string, d time.Duration, now time.Time) {
	if workerID == "" || d <= 0 {
		return
	}

	s.mu.Lock()
	sm, ok := s.samples[workerID]
	switch {
	case !ok:
		sm = &sample{ema: d.Seconds()}
		s.samples[workerID] = sm
	case sm.needsFreshSample:
		sm.ema = d.Seconds()
		sm.needsFreshSample = false
	default:
		alpha := s.cfg.EMAAlpha
		if alpha <= 0 || alpha > 1 {
			alpha = 0.3
		}
		sm.ema = alpha*d.Seconds() + (1-alpha)*sm.ema
	}
	sm.sampleCount++
	score := s.scoreForLocked(workerID, sm)
	prev, hadPrev := s.lastApplied[workerID]
	s.lastApplied[workerID] = score
	s.mu.Unlock()

	if hadPrev && abs(score-prev) >= s.cfg.DriftDelta {
		s.logger.Info().Str("worker_id", workerID).Int("previous", prev).Int("current", score).
			Msg("worker speed score drifted beyond configured delta")
	}

	s.reg.SetSpeedScore(workerID, types.SpeedScore{Value: score, SampledAt: now, SampleCount: sm.sampleCount})
	metrics.WorkerSpeedScore.WithLabelValues(workerID).Set(float64(score))
}

// scoreForLocked ranks workerID's ema against the fastest ema currently
// known, so 100 always means "fleet-fastest observed" rather than an
// absolute unit. Must be called with s.mu held.
func (s *Sampler) scoreForLocked(workerID string, sm *sample) int {
	if sm.ema <= 0 {
		return neutralScore
	}
	fastest := sm.ema
	for id, other := range s.samples {
		if id == workerID || other.ema <= 0 {
			continue
		}
		if other.ema < fastest {
			fastest = other.ema
		}
	}
	score := int((fastest / sm.ema) * 100)
	if score > 100 {
		score = 100
	}
	if score < 1 {
		score = 1
	}
	return score
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
