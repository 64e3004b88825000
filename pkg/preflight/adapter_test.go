package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo-updater")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestAdapter_PlanParsesEnvelope(t *testing.T) {
	script := writeScript(t, `cat <<'EOF'
{"generated_at":"2026-01-01T00:00:00Z","version":"1.0","output_format":"json","command":"sync plan","data":{},"meta":{"duration_seconds":0.1,"exit_code":0}}
EOF`)
	a := NewAdapter(AdapterConfig{BinPath: script, Timeout: 2 * time.Second, MaxRetries: 1})

	env, err := a.Plan(context.Background(), "worker1", []string{"core", "proto"})
	require.NoError(t, err)
	assert.Equal(t, "1.0", env.Version)
	assert.Equal(t, 0, env.Meta.ExitCode)
}

func TestAdapter_HostNotOnAllowlistIsRejectedWithoutExec(t *testing.T) {
	counterFile := filepath.Join(t.TempDir(), "count")
	script := writeScript(t, fmt.Sprintf(`echo x >> %s
echo '{"meta":{"exit_code":0}}'`, counterFile))
	a := NewAdapter(AdapterConfig{BinPath: script, AllowedHosts: []string{"worker2"}, Timeout: time.Second})

	_, err := a.Plan(context.Background(), "worker1", nil)
	require.Error(t, err)

	_, statErr := os.Stat(counterFile)
	assert.True(t, os.IsNotExist(statErr), "adapter must not exec when the host is not allowlisted")
}

func TestAdapter_NonZeroExitCodeInEnvelopeIsAnError(t *testing.T) {
	script := writeScript(t, `echo '{"version":"1.0","meta":{"exit_code":1}}'`)
	a := NewAdapter(AdapterConfig{BinPath: script, Timeout: 2 * time.Second, MaxRetries: 2})

	_, err := a.Plan(context.Background(), "worker1", nil)
	assert.Error(t, err)
}

func TestAdapter_ApplyNeverRetriesEvenOnFailure(t *testing.T) {
	counterFile := filepath.Join(t.TempDir(), "count")
	script := writeScript(t, fmt.Sprintf(`echo x >> %s
echo '{"version":"1.0","meta":{"exit_code":1}}'`, counterFile))
	a := NewAdapter(AdapterConfig{BinPath: script, Timeout: 2 * time.Second, MaxRetries: 5})

	_, err := a.Apply(context.Background(), "worker1", []string{"core"})
	assert.Error(t, err)

	data, readErr := os.ReadFile(counterFile)
	require.NoError(t, readErr)
	assert.Len(t, splitLines(string(data)), 1, "apply must invoke the adapter exactly once regardless of MaxRetries")
}

func splitLines(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
