package preflight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
)

func TestChecker_PassingTopologyClearsFailure(t *testing.T) {
	mock := transport.NewMockCapability()
	cfg := DefaultConfig()
	mock.Results["sh -c test -d '/data/projects' && readlink -f '/srv/projects'"] = transport.MockResult{
		ExitCode: 0, Stdout: "/data/projects\n",
	}
	c := NewChecker(mock, cfg)

	require.NoError(t, c.Check(context.Background(), "w1", transport.Endpoint{Host: "10.0.0.1"}))
	_, failed := c.Reason("w1")
	assert.False(t, failed)
	assert.Empty(t, c.Failed())
}

func TestChecker_MissingRootMarksWorkerFailed(t *testing.T) {
	mock := transport.NewMockCapability()
	cfg := DefaultConfig()
	mock.Results["sh -c test -d '/data/projects' && readlink -f '/srv/projects'"] = transport.MockResult{
		ExitCode: 1,
	}
	c := NewChecker(mock, cfg)

	err := c.Check(context.Background(), "w1", transport.Endpoint{Host: "10.0.0.1"})
	require.Error(t, err)

	reason, failed := c.Reason("w1")
	assert.True(t, failed)
	assert.Equal(t, "root_missing", reason)
	assert.True(t, c.Failed()["w1"])
}

func TestChecker_AliasMismatchMarksWorkerFailed(t *testing.T) {
	mock := transport.NewMockCapability()
	cfg := DefaultConfig()
	mock.Results["sh -c test -d '/data/projects' && readlink -f '/srv/projects'"] = transport.MockResult{
		ExitCode: 0, Stdout: "/somewhere/else\n",
	}
	c := NewChecker(mock, cfg)

	err := c.Check(context.Background(), "w1", transport.Endpoint{Host: "10.0.0.1"})
	require.Error(t, err)
	reason, _ := c.Reason("w1")
	assert.Equal(t, "alias_mismatch", reason)
}

func TestChecker_RevalidationClearsPriorFailure(t *testing.T) {
	mock := transport.NewMockCapability()
	cfg := DefaultConfig()
	key := "sh -c test -d '/data/projects' && readlink -f '/srv/projects'"
	mock.Results[key] = transport.MockResult{ExitCode: 1}
	c := NewChecker(mock, cfg)

	require.Error(t, c.Check(context.Background(), "w1", transport.Endpoint{Host: "10.0.0.1"}))
	assert.True(t, c.Failed()["w1"])

	mock.Results[key] = transport.MockResult{ExitCode: 0, Stdout: "/data/projects\n"}
	require.NoError(t, c.Check(context.Background(), "w1", transport.Endpoint{Host: "10.0.0.1"}))
	assert.False(t, c.Failed()["w1"])
}
