package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

func TestRecordBuildDuration_FasterWorkerScoresHigherThanSlower(t *testing.T) {
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "fast", TotalSlots: 1, Admin: types.AdminEnabled}))
	require.NoError(t, reg.Register(types.Worker{ID: "slow", TotalSlots: 1, Admin: types.AdminEnabled}))

	s := New(DefaultConfig(), reg)
	now := time.Now()
	s.RecordBuildDuration("fast", 10*time.Second, now)
	s.RecordBuildDuration("slow", 40*time.Second, now)

	fastView, _ := reg.Get("fast")
	slowView, _ := reg.Get("slow")

	assert.Equal(t, 100, fastView.Speed.Value, "the fastest worker observed ranks at 100")
	assert.Less(t, slowView.Speed.Value, fastView.Speed.Value)
	assert.Equal(t, 1, slowView.Speed.SampleCount)
}

func TestRecordBuildDuration_SmoothsRepeatedSamplesWithEMA(t *testing.T) {
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "w1", TotalSlots: 1, Admin: types.AdminEnabled}))

	cfg := DefaultConfig()
	cfg.EMAAlpha = 0.5
	s := New(cfg, reg)
	now := time.Now()
	s.RecordBuildDuration("w1", 10*time.Second, now)
	s.RecordBuildDuration("w1", 20*time.Second, now.Add(time.Minute))

	s.mu.Lock()
	ema := s.samples["w1"].ema
	s.mu.Unlock()
	assert.InDelta(t, 15.0, ema, 0.001, "EMA with alpha 0.5 averages the two samples")

	view, _ := reg.Get("w1")
	assert.Equal(t, 2, view.Speed.SampleCount)
}

func TestRecordBuildDuration_IgnoresZeroOrNegativeDurations(t *testing.T) {
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "w1", TotalSlots: 1, Admin: types.AdminEnabled}))

	s := New(DefaultConfig(), reg)
	s.RecordBuildDuration("w1", 0, time.Now())
	s.RecordBuildDuration("w1", -time.Second, time.Now())

	view, _ := reg.Get("w1")
	assert.Equal(t, 0, view.Speed.SampleCount)
	assert.Equal(t, 50, view.Speed.Value, "an unsampled worker keeps registry's neutral default")
}

func TestSweep_DecaysStaleScoreTowardNeutralAndFlagsForFreshSample(t *testing.T) {
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "w1", TotalSlots: 1, Admin: types.AdminEnabled}))

	cfg := DefaultConfig()
	cfg.StaleAfter = time.Minute
	cfg.DecayPerSweep = 0.5
	s := New(cfg, reg)

	staleAt := time.Now().Add(-time.Hour)
	s.RecordBuildDuration("w1", 5*time.Second, staleAt)
	before, _ := reg.Get("w1")
	require.Equal(t, 100, before.Speed.Value)

	s.sweep(staleAt.Add(2 * time.Hour))

	after, _ := reg.Get("w1")
	assert.Less(t, after.Speed.Value, before.Speed.Value)
	assert.Greater(t, after.Speed.Value, 50-1)

	// The next organic sample replaces the ema outright instead of
	// blending with the stale reading.
	s.RecordBuildDuration("w1", 5*time.Second, time.Now())
	s.mu.Lock()
	sm := s.samples["w1"]
	s.mu.Unlock()
	assert.Equal(t, 5.0, sm.ema)
}

func TestSweep_LeavesFreshScoresUntouched(t *testing.T) {
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "w1", TotalSlots: 1, Admin: types.AdminEnabled}))

	s := New(DefaultConfig(), reg)
	now := time.Now()
	s.RecordBuildDuration("w1", 5*time.Second, now)
	before, _ := reg.Get("w1")

	s.sweep(now.Add(time.Second))

	after, _ := reg.Get("w1")
	assert.Equal(t, before.Speed, after.Speed)
}

func TestStartStop_RunsAndHaltsCleanly(t *testing.T) {
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "w1", TotalSlots: 1, Admin: types.AdminEnabled}))

	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	s := New(cfg, reg)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
