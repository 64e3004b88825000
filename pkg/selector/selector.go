package selector

import (
	"sort"
	"time"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
)

// Name identifies one of the five fixed strategies.
type Name string

const (
	Priority      Name = "priority"
	Fastest       Name = "fastest"
	Balanced      Name = "balanced"
	CacheAffinity Name = "cache_affinity"
	FairFastest   Name = "fair_fastest"
)

// Strategy is the sum-type contract every variant implements.
type Strategy interface {
	// Pick returns the chosen worker's id from candidates, or "" if none
	// qualify. candidates must already be filtered to eligible workers
	// (admin-enabled, Healthy|Degraded, circuit not Open, free slot > 0).
	Pick(candidates []registry.WorkerView, fingerprint string, now time.Time) string
}

// FairFastestConfig weights speed vs. free-slot fraction for FairFastest.
type FairFastestConfig struct {
	SpeedWeight     float64
	FreeSlotWeight  float64
	StarvationFloor float64 // minimum free-slot fraction to be eligible
}

// DefaultFairFastestConfig matches the spec defaults (0.6/0.4).
func DefaultFairFastestConfig() FairFastestConfig {
	return FairFastestConfig{SpeedWeight: 0.6, FreeSlotWeight: 0.4, StarvationFloor: 0.1}
}

// CacheAffinityConfig bounds how recent a project's last build must be.
type CacheAffinityConfig struct {
	FreshnessWindow time.Duration
}

// DefaultCacheAffinityConfig matches a reasonable default freshness window.
func DefaultCacheAffinityConfig() CacheAffinityConfig {
	return CacheAffinityConfig{FreshnessWindow: 30 * time.Minute}
}

// New resolves a Name to its Strategy implementation.
func New(name Name, fairCfg FairFastestConfig, cacheCfg CacheAffinityConfig) Strategy {
	switch name {
	case Fastest:
		return fastestStrategy{}
	case Balanced:
		return balancedStrategy{}
	case CacheAffinity:
		return cacheAffinityStrategy{cfg: cacheCfg, fallback: balancedStrategy{}}
	case FairFastest:
		return fairFastestStrategy{cfg: fairCfg}
	default:
		return priorityStrategy{}
	}
}

func sortedByID(views []registry.WorkerView) []registry.WorkerView {
	out := make([]registry.WorkerView, len(views))
	copy(out, views)
	sort.Slice(out, func(i, j int) bool { return out[i].Worker.ID < out[j].Worker.ID })
	return out
}

// priorityStrategy prefers highest worker.Priority, then most free slots,
// then lowest worker id.
type priorityStrategy struct{}

func (priorityStrategy) Pick(candidates []registry.WorkerView, _ string, _ time.Time) string {
	views := sortedByID(candidates)
	if len(views) == 0 {
		return ""
	}
	best := views[0]
	for _, v := range views[1:] {
		if v.Worker.Priority > best.Worker.Priority ||
			(v.Worker.Priority == best.Worker.Priority && v.FreeSlots > best.FreeSlots) {
			best = v
		}
	}
	return best.Worker.ID
}

// fastestStrategy prefers highest speed score, then most free slots.
type fastestStrategy struct{}

func (fastestStrategy) Pick(candidates []registry.WorkerView, _ string, _ time.Time) string {
	views := sortedByID(candidates)
	if len(views) == 0 {
		return ""
	}
	best := views[0]
	for _, v := range views[1:] {
		if v.Speed.Value > best.Speed.Value ||
			(v.Speed.Value == best.Speed.Value && v.FreeSlots > best.FreeSlots) {
			best = v
		}
	}
	return best.Worker.ID
}

// balancedStrategy prefers the largest free_slots / total_slots ratio.
type balancedStrategy struct{}

func (balancedStrategy) Pick(candidates []registry.WorkerView, _ string, _ time.Time) string {
	views := sortedByID(candidates)
	if len(views) == 0 {
		return ""
	}
	best := views[0]
	bestRatio := freeRatio(best)
	for _, v := range views[1:] {
		r := freeRatio(v)
		if r > bestRatio {
			best, bestRatio = v, r
		}
	}
	return best.Worker.ID
}

func freeRatio(v registry.WorkerView) float64 {
	if v.Worker.TotalSlots == 0 {
		return 0
	}
	return float64(v.FreeSlots) / float64(v.Worker.TotalSlots)
}

// cacheAffinityStrategy prefers the worker whose most recent successful
// build for this project fingerprint is within the freshness window;
// falls back to Balanced otherwise.
type cacheAffinityStrategy struct {
	cfg      CacheAffinityConfig
	fallback Strategy
}

func (s cacheAffinityStrategy) Pick(candidates []registry.WorkerView, fingerprint string, now time.Time) string {
	if fingerprint == "" {
		return s.fallback.Pick(candidates, fingerprint, now)
	}
	views := sortedByID(candidates)
	var best registry.WorkerView
	var bestAt time.Time
	found := false
	for _, v := range views {
		ts, ok := v.LastBuildAt[fingerprint]
		if !ok || now.Sub(ts) > s.cfg.FreshnessWindow {
			continue
		}
		if !found || ts.After(bestAt) {
			best, bestAt, found = v, ts, true
		}
	}
	if found {
		return best.Worker.ID
	}
	return s.fallback.Pick(candidates, fingerprint, now)
}

// fairFastestStrategy combines speed score and free-slot fraction under
// configurable weights, excluding workers below a starvation floor.
type fairFastestStrategy struct {
	cfg FairFastestConfig
}

func (s fairFastestStrategy) Pick(candidates []registry.WorkerView, _ string, _ time.Time) string {
	views := sortedByID(candidates)
	var best registry.WorkerView
	var bestScore float64
	found := false
	for _, v := range views {
		ratio := freeRatio(v)
		if ratio < s.cfg.StarvationFloor {
			continue
		}
		score := s.cfg.SpeedWeight*(float64(v.Speed.Value)/100.0) + s.cfg.FreeSlotWeight*ratio
		if !found || score > bestScore {
			best, bestScore, found = v, score, true
		}
	}
	if !found {
		return ""
	}
	return best.Worker.ID
}
