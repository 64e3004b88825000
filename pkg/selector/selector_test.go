package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

func view(id string, priority, total, used int, speed int) registry.WorkerView {
	return registry.WorkerView{
		Worker:    types.Worker{ID: id, Priority: priority, TotalSlots: total},
		Speed:     types.SpeedScore{Value: speed},
		UsedSlots: used,
		FreeSlots: total - used,
	}
}

func TestPriorityStrategy_HighestPriorityWins(t *testing.T) {
	s := New(Priority, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 1, 4, 0, 50),
		view("w2", 5, 4, 0, 50),
		view("w3", 3, 4, 0, 50),
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestPriorityStrategy_TiesBrokenByFreeSlotsThenID(t *testing.T) {
	s := New(Priority, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w2", 1, 4, 3, 50), // 1 free
		view("w1", 1, 4, 0, 50), // 4 free
	}
	assert.Equal(t, "w1", s.Pick(candidates, "", time.Now()))
}

func TestPriorityStrategy_NoCandidatesReturnsEmpty(t *testing.T) {
	s := New(Priority, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	assert.Equal(t, "", s.Pick(nil, "", time.Now()))
}

func TestFastestStrategy_HighestSpeedWins(t *testing.T) {
	s := New(Fastest, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 4, 0, 30),
		view("w2", 0, 4, 0, 90),
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestFastestStrategy_TiesBrokenByFreeSlots(t *testing.T) {
	s := New(Fastest, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 4, 2, 90), // 2 free
		view("w2", 0, 4, 0, 90), // 4 free
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestBalancedStrategy_PrefersLargestFreeRatio(t *testing.T) {
	s := New(Balanced, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 10, 8, 50), // 20% free
		view("w2", 0, 4, 1, 50),  // 75% free
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestBalancedStrategy_ZeroTotalSlotsIsZeroRatio(t *testing.T) {
	s := New(Balanced, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 0, 0, 50),
		view("w2", 0, 4, 3, 50), // 25% free, beats w1's 0%
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestCacheAffinityStrategy_PrefersFreshestMatchingBuild(t *testing.T) {
	s := New(CacheAffinity, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	now := time.Now()

	w1 := view("w1", 0, 4, 0, 50)
	w1.LastBuildAt = map[string]time.Time{"fp": now.Add(-20 * time.Minute)}
	w2 := view("w2", 0, 4, 0, 50)
	w2.LastBuildAt = map[string]time.Time{"fp": now.Add(-5 * time.Minute)}

	assert.Equal(t, "w2", s.Pick([]registry.WorkerView{w1, w2}, "fp", now))
}

func TestCacheAffinityStrategy_StaleEntriesAreIgnored(t *testing.T) {
	cfg := DefaultCacheAffinityConfig()
	s := New(CacheAffinity, DefaultFairFastestConfig(), cfg)
	now := time.Now()

	w1 := view("w1", 0, 10, 8, 50) // 20% free
	w1.LastBuildAt = map[string]time.Time{"fp": now.Add(-2 * cfg.FreshnessWindow)}
	w2 := view("w2", 0, 4, 1, 50) // 75% free — wins fallback-to-Balanced
	w2.LastBuildAt = map[string]time.Time{"fp": now.Add(-2 * cfg.FreshnessWindow)}

	assert.Equal(t, "w2", s.Pick([]registry.WorkerView{w1, w2}, "fp", now))
}

func TestCacheAffinityStrategy_NoFingerprintFallsBackToBalanced(t *testing.T) {
	s := New(CacheAffinity, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 10, 8, 50), // 20% free
		view("w2", 0, 4, 1, 50),  // 75% free
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestCacheAffinityStrategy_NoMatchingEntryFallsBackToBalanced(t *testing.T) {
	s := New(CacheAffinity, DefaultFairFastestConfig(), DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 10, 8, 50),
		view("w2", 0, 4, 1, 50),
	}
	assert.Equal(t, "w2", s.Pick(candidates, "other-fp", time.Now()))
}

func TestFairFastestStrategy_WeightsSpeedAndFreeSlots(t *testing.T) {
	cfg := FairFastestConfig{SpeedWeight: 0.6, FreeSlotWeight: 0.4, StarvationFloor: 0.1}
	s := New(FairFastest, cfg, DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 4, 0, 40), // speed 0.4*0.6=0.24, free 1.0*0.4=0.4 -> 0.64
		view("w2", 0, 4, 0, 90), // speed 0.9*0.6=0.54, free 1.0*0.4=0.4 -> 0.94
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestFairFastestStrategy_StarvationFloorExcludesLowFreeSlotWorkers(t *testing.T) {
	cfg := FairFastestConfig{SpeedWeight: 0.6, FreeSlotWeight: 0.4, StarvationFloor: 0.5}
	s := New(FairFastest, cfg, DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 10, 9, 99), // 10% free, below floor despite huge speed edge
		view("w2", 0, 10, 4, 50), // 60% free, admitted
	}
	assert.Equal(t, "w2", s.Pick(candidates, "", time.Now()))
}

func TestFairFastestStrategy_AllBelowFloorReturnsEmpty(t *testing.T) {
	cfg := FairFastestConfig{SpeedWeight: 0.6, FreeSlotWeight: 0.4, StarvationFloor: 0.9}
	s := New(FairFastest, cfg, DefaultCacheAffinityConfig())
	candidates := []registry.WorkerView{
		view("w1", 0, 10, 9, 99),
		view("w2", 0, 10, 4, 50),
	}
	assert.Equal(t, "", s.Pick(candidates, "", time.Now()))
}

func TestEligible_FiltersByAdminHealthCircuitAndSlots(t *testing.T) {
	healthy := view("w1", 0, 4, 0, 50)
	healthy.Worker.Admin = types.AdminEnabled
	healthy.Health.Status = types.Healthy

	disabled := view("w2", 0, 4, 0, 50)
	disabled.Worker.Admin = types.AdminDisabled
	disabled.Health.Status = types.Healthy

	openCircuit := view("w3", 0, 4, 0, 50)
	openCircuit.Worker.Admin = types.AdminEnabled
	openCircuit.Health.Status = types.Healthy
	openCircuit.Circuit.Phase = types.CircuitOpen

	full := view("w4", 0, 2, 2, 50)
	full.Worker.Admin = types.AdminEnabled
	full.Health.Status = types.Healthy

	got := Eligible([]registry.WorkerView{healthy, disabled, openCircuit, full}, nil)
	assert.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].Worker.ID)
}

func TestEligible_TopologyFailedExcludesWorker(t *testing.T) {
	w1 := view("w1", 0, 4, 0, 50)
	w1.Health.Status = types.Healthy
	w2 := view("w2", 0, 4, 0, 50)
	w2.Health.Status = types.Healthy

	got := Eligible([]registry.WorkerView{w1, w2}, map[string]bool{"w1": true})
	assert.Len(t, got, 1)
	assert.Equal(t, "w2", got[0].Worker.ID)
}
