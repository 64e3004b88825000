package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/history"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/hookproto"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// newTestDaemon wires a Daemon against a mock transport and an on-disk
// history store, with one worker registered and marked healthy so
// selection succeeds without waiting on a real probe cycle.
func newTestDaemon(t *testing.T) (*Daemon, *transport.MockCapability) {
	t.Helper()

	hist, err := history.Open(t.TempDir(), 30)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	cap := transport.NewMockCapability()
	reg := registry.New(registry.DefaultCircuitConfig())

	cfg := DefaultConfig()
	cfg.Health.Interval = time.Hour // disable the background probe cadence for deterministic tests
	cfg.QueueDeadline = 200 * time.Millisecond

	d := New(cfg, cap, reg, hist)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	worker := types.Worker{ID: "w1", Host: "10.0.0.1", User: "build", TotalSlots: 2, Priority: 10}
	ep := transport.Endpoint{Host: worker.Host, User: worker.User}
	require.NoError(t, d.RegisterWorkers(context.Background(), []types.Worker{worker}, map[string]transport.Endpoint{"w1": ep}))
	require.NoError(t, reg.UpdateStatus("w1", types.Healthy, "", time.Now()))

	return d, cap
}

// cargoProject returns a temporary project directory holding a Cargo.toml,
// so cargo commands run there pass the classifier's manifest check and
// are intercepted rather than passed through.
func cargoProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]\nname = \"app\"\n"), 0o644))
	return dir
}

func TestDecide_PassThroughSkipsSelection(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "ls -la",
		Cwd:     "/home/dev/project",
	})
	require.NoError(t, err)
	assert.Equal(t, hookproto.PassThrough, resp.Kind)
	assert.Empty(t, resp.PostActionToken)
}

func TestDecide_RejectLocalCarriesReason(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "rustc --version | less",
		Cwd:     "/home/dev/project",
	})
	require.NoError(t, err)
	if resp.Kind == hookproto.RejectLocal {
		assert.NotEmpty(t, resp.Reason)
	}
}

func TestDecide_InterceptReservesAndStartsBuild(t *testing.T) {
	d, cap := newTestDaemon(t)
	cap.Results["cargo build --release"] = transport.MockResult{ExitCode: 0, Stdout: "Compiling app\n"}

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "cargo build --release",
		Cwd:     cargoProject(t),
	})
	require.NoError(t, err)
	require.Equal(t, hookproto.AllowWithRewrite, resp.Kind)
	require.NotEmpty(t, resp.PostActionToken)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exitCode, err := d.Stream(ctx, resp.PostActionToken, &buf)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)

	completeResp, err := d.Complete(context.Background(), hookproto.CompleteRequest{
		PostActionToken: resp.PostActionToken,
		ExitCode:        exitCode,
	})
	require.NoError(t, err)
	assert.True(t, completeResp.OK)
}

func TestDecide_FailsOpenWhenNoEligibleWorkerAndQueueTimesOut(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, d.SetWorkerAdmin("w1", types.AdminDisabled))

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "cargo build --release",
		Cwd:     cargoProject(t),
	})
	require.NoError(t, err)
	assert.Equal(t, hookproto.AllowLocal, resp.Kind)
	assert.NotEmpty(t, resp.Reason)
}

func TestComplete_UnknownTokenIsIdempotentNoOp(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp, err := d.Complete(context.Background(), hookproto.CompleteRequest{PostActionToken: "does-not-exist"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestCancel_UnknownTokenReportsFailure(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp, err := d.Cancel(context.Background(), hookproto.CancelRequest{PostActionToken: "does-not-exist"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
}

func TestCancel_TornDownBuildUnblocksStream(t *testing.T) {
	d, cap := newTestDaemon(t)
	cap.Results["cargo build --release"] = transport.MockResult{ExitCode: 0}

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "cargo build --release",
		Cwd:     cargoProject(t),
	})
	require.NoError(t, err)
	require.Equal(t, hookproto.AllowWithRewrite, resp.Kind)

	cancelResp, err := d.Cancel(context.Background(), hookproto.CancelRequest{PostActionToken: resp.PostActionToken})
	require.NoError(t, err)
	assert.True(t, cancelResp.OK)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.Stream(ctx, resp.PostActionToken, &buf)
	assert.Error(t, err)
}

func TestSelectWorker_ReportsEligibleCandidateWithoutReserving(t *testing.T) {
	d, _ := newTestDaemon(t)

	before := d.Snapshot()
	require.Len(t, before, 1)
	freeBefore := before[0].FreeSlots

	view, ok := d.SelectWorker("some-fingerprint")
	require.True(t, ok)
	assert.Equal(t, "w1", view.Worker.ID)

	after := d.Snapshot()
	assert.Equal(t, freeBefore, after[0].FreeSlots, "a dry-run selection must not consume a slot")
}

func TestInFlightBuilds_TracksRunningThenClearsOnComplete(t *testing.T) {
	d, cap := newTestDaemon(t)
	cap.Results["cargo build --release"] = transport.MockResult{ExitCode: 0}

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "cargo build --release",
		Cwd:     cargoProject(t),
	})
	require.NoError(t, err)

	inFlight := d.InFlightBuilds()
	require.Len(t, inFlight, 1)
	assert.Equal(t, resp.PostActionToken, inFlight[0].Token)
	assert.Equal(t, "w1", inFlight[0].WorkerID)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.Stream(ctx, resp.PostActionToken, &buf)
	require.NoError(t, err)

	_, err = d.Complete(context.Background(), hookproto.CompleteRequest{PostActionToken: resp.PostActionToken})
	require.NoError(t, err)
	assert.Empty(t, d.InFlightBuilds())
}

func TestAdminReleaseWorker_BypassesCoordinator(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.Equal(t, 0, d.Snapshot()[0].UsedSlots)

	_, token, err := d.selectAndReserve(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Snapshot()[0].UsedSlots)

	require.NoError(t, d.AdminReleaseWorker(token))
	assert.Equal(t, 0, d.Snapshot()[0].UsedSlots)
}

func TestDecide_ChainedCommandRunsEachSubCommandAndAggregatesExitCode(t *testing.T) {
	d, cap := newTestDaemon(t)
	cap.Results["cargo build"] = transport.MockResult{ExitCode: 0, Stdout: "Compiling app\n"}
	cap.Results["cargo test"] = transport.MockResult{ExitCode: 3, Stdout: "1 failed\n"}

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "cargo build && cargo test",
		Cwd:     cargoProject(t),
	})
	require.NoError(t, err)
	require.Equal(t, hookproto.AllowWithRewrite, resp.Kind)
	require.NotEmpty(t, resp.PostActionToken)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exitCode, err := d.Stream(ctx, resp.PostActionToken, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, exitCode, "aggregate exit code is the max across sub-commands")

	executed := cap.Invocations()
	var execArgv [][]string
	for _, inv := range executed {
		if inv.Kind == "execute" {
			execArgv = append(execArgv, inv.Argv)
		}
	}
	require.Len(t, execArgv, 2, "each sub-command runs its own Coordinator pipeline")
	assert.Equal(t, []string{"cargo", "build"}, execArgv[0])
	assert.Equal(t, []string{"cargo", "test"}, execArgv[1])

	// Both sub-builds reserved and released a slot; no slot is left held.
	assert.Equal(t, 0, d.Snapshot()[0].UsedSlots)
}

func TestShutdown_CancelsBuildsStillRunningAfterGrace(t *testing.T) {
	hist, err := history.Open(t.TempDir(), 30)
	require.NoError(t, err)

	cap := transport.NewMockCapability()
	reg := registry.New(registry.DefaultCircuitConfig())

	cfg := DefaultConfig()
	cfg.Health.Interval = time.Hour
	cfg.GracefulShutdownGrace = 50 * time.Millisecond
	cfg.Coordinator.MaxSyncRetries = 0

	d := New(cfg, cap, reg, hist)

	worker := types.Worker{ID: "w1", Host: "10.0.0.1", User: "build", TotalSlots: 2, Priority: 10}
	ep := transport.Endpoint{Host: worker.Host, User: worker.User}
	require.NoError(t, d.RegisterWorkers(context.Background(), []types.Worker{worker}, map[string]transport.Endpoint{"w1": ep}))
	require.NoError(t, reg.UpdateStatus("w1", types.Healthy, "", time.Now()))

	cap.ExecuteLatency = 2 * time.Second
	cap.Results["cargo build --release"] = transport.MockResult{ExitCode: 0, Latency: 2 * time.Second}

	resp, err := d.Decide(context.Background(), hookproto.DecideRequest{
		Tool:    "shell",
		Command: "cargo build --release",
		Cwd:     cargoProject(t),
	})
	require.NoError(t, err)
	require.Equal(t, hookproto.AllowWithRewrite, resp.Kind)

	done := make(chan error, 1)
	go func() { done <- d.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after its grace window elapsed")
	}
}
