package coordinator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/history"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

func newHarness(t *testing.T) (*registry.Registry, *history.Store, string) {
	t.Helper()
	reg := registry.New(registry.DefaultCircuitConfig())
	require.NoError(t, reg.Register(types.Worker{ID: "w1", TotalSlots: 1, Admin: types.AdminEnabled}))
	require.NoError(t, reg.UpdateStatus("w1", types.Healthy, "", time.Now()))
	token, err := reg.Reserve("w1", "fp1", time.Now())
	require.NoError(t, err)

	hist, err := history.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	return reg, hist, token
}

func TestCoordinator_SuccessfulBuildReleasesAndRecordsHistory(t *testing.T) {
	reg, hist, token := newHarness(t)
	mock := transport.NewMockCapability()
	co := New(mock, DefaultConfig(), reg, hist)

	var stdout, stderr bytes.Buffer
	build, err := co.Run(context.Background(), Request{
		ReservationToken:   token,
		WorkerID:           "w1",
		Endpoint:           transport.Endpoint{Host: "10.0.0.1"},
		ProjectFingerprint: "fp1",
		LocalRoot:          t.TempDir(),
		Argv:               []string{"cargo", "build", "--release"},
		Stdout:             &stdout,
		Stderr:             &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, types.BuildSuccess, build.Outcome)
	assert.Equal(t, 0, reg.UsedSlots("w1"))

	recent, err := hist.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, types.BuildSuccess, recent[0].Outcome)
}

func TestCoordinator_NonZeroExitIsFailureButNotCircuitTripping(t *testing.T) {
	reg, hist, token := newHarness(t)
	mock := transport.NewMockCapability()
	mock.Results["cargo build"] = transport.MockResult{ExitCode: 101}
	co := New(mock, DefaultConfig(), reg, hist)

	build, err := co.Run(context.Background(), Request{
		ReservationToken:   token,
		WorkerID:           "w1",
		Endpoint:           transport.Endpoint{Host: "10.0.0.1"},
		ProjectFingerprint: "fp1",
		LocalRoot:          t.TempDir(),
		Argv:               []string{"cargo", "build"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailureRemote, build.Outcome)
	assert.Equal(t, 101, build.ExitCode)

	view, ok := reg.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.CircuitClosed, view.Circuit.Phase, "a non-zero exit code is not an infra fault")
}

func TestCoordinator_TransientSyncErrorRetriesThenSucceeds(t *testing.T) {
	reg, hist, token := newHarness(t)
	mock := transport.NewMockCapability()
	mock.FailTransferUpAttempts = 2
	mock.TransferUpErr = rcherr.New(rcherr.CodeNetworkUnreachable, "transient dial failure")
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	co := New(mock, cfg, reg, hist)

	build, err := co.Run(context.Background(), Request{
		ReservationToken:   token,
		WorkerID:           "w1",
		Endpoint:           transport.Endpoint{Host: "10.0.0.1"},
		ProjectFingerprint: "fp1",
		LocalRoot:          t.TempDir(),
		Argv:               []string{"cargo", "build"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.BuildSuccess, build.Outcome)
}

func TestCoordinator_PermanentSyncErrorDoesNotRetry(t *testing.T) {
	reg, hist, token := newHarness(t)
	mock := transport.NewMockCapability()
	mock.FailTransferUpAttempts = 100
	mock.TransferUpErr = rcherr.New(rcherr.CodeNetworkAuthFailed, "bad key")
	co := New(mock, DefaultConfig(), reg, hist)

	_, err := co.Run(context.Background(), Request{
		ReservationToken:   token,
		WorkerID:           "w1",
		Endpoint:           transport.Endpoint{Host: "10.0.0.1"},
		ProjectFingerprint: "fp1",
		LocalRoot:          t.TempDir(),
		Argv:               []string{"cargo", "build"},
	})
	require.Error(t, err)

	invocations := mock.Invocations()
	transferUps := 0
	for _, inv := range invocations {
		if inv.Kind == "transfer-up" {
			transferUps++
		}
	}
	assert.Equal(t, 1, transferUps, "a permanent error must not be retried")

	view, ok := reg.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 0, view.UsedSlots)
}

func TestCoordinator_CancellationDrainsQuarantineAndMarksCanceled(t *testing.T) {
	reg, hist, token := newHarness(t)
	mock := transport.NewMockCapability()
	mock.Results["cargo build"] = transport.MockResult{Latency: 100 * time.Millisecond}
	co := New(mock, DefaultConfig(), reg, hist)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	build, err := co.Run(ctx, Request{
		ReservationToken:   token,
		WorkerID:           "w1",
		Endpoint:           transport.Endpoint{Host: "10.0.0.1"},
		ProjectFingerprint: "fp1",
		LocalRoot:          t.TempDir(),
		Argv:               []string{"cargo", "build"},
	})
	require.Error(t, err)
	assert.Equal(t, types.BuildCanceled, build.Outcome)

	var sawCancel bool
	for _, inv := range mock.Invocations() {
		if inv.Kind == "cancel" {
			sawCancel = true
		}
	}
	assert.True(t, sawCancel, "canceled builds must signal the remote process group")
}
