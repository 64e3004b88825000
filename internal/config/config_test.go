package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWorkers_ParsesValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "workers.toml", `
[[workers]]
id = "w1"
host = "10.0.0.1"
user = "build"
identity_file = "/home/build/.ssh/id_ed25519"
total_slots = 8
priority = 10
tags = ["rust", "linux-x86_64"]

[[workers]]
id = "w2"
host = "10.0.0.2"
total_slots = 4
priority = 5
`)
	workers, err := LoadWorkers(path)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].ID)
	assert.True(t, workers[0].ToWorker().HasTag("rust"))
	assert.Equal(t, 4, workers[1].TotalSlots)
}

func TestLoadWorkers_RejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "workers.toml", `
[[workers]]
id = "w1"
host = "10.0.0.1"
total_slots = 1

[[workers]]
id = "w1"
host = "10.0.0.2"
total_slots = 1
`)
	_, err := LoadWorkers(path)
	require.Error(t, err)
	code, ok := rcherr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, rcherr.CodeConfigInvalidWorker, code)
}

func TestLoadWorkers_RejectsZeroSlots(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "workers.toml", `
[[workers]]
id = "w1"
host = "10.0.0.1"
total_slots = 0
`)
	_, err := LoadWorkers(path)
	assert.Error(t, err)
}

func TestLoadWorkers_MissingFileIsAnError(t *testing.T) {
	_, err := LoadWorkers(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_OverridesMergeOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[selection]
strategy = "fastest"

[limits]
probe_timeout_ms = 1000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "fastest", cfg.Selection.Strategy)
	assert.Equal(t, 1000, cfg.Limits.ProbeTimeoutMs)
	assert.Equal(t, 6, cfg.Transfer.CompressionLevel, "unset table should keep its default")
}

func TestLoadConfig_RejectsInvalidStrategy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[selection]
strategy = "round_robin"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsOutOfRangeCompressionLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[transfer]
compression_level = 12
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadEnvFlags_DefaultsWhenUnset(t *testing.T) {
	for _, k := range []string{"RCH_ENABLED", "RCH_LOG", "RCH_DRY_RUN", "RCH_JSON", "RCH_MOCK_SSH", "RCH_VERBOSE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	flags := LoadEnvFlags()
	assert.True(t, flags.Enabled)
	assert.Equal(t, "info", flags.LogLevel)
	assert.False(t, flags.DryRun)
}

func TestLoadEnvFlags_ReadsOverrides(t *testing.T) {
	t.Setenv("RCH_ENABLED", "false")
	t.Setenv("RCH_LOG", "debug")
	t.Setenv("RCH_DRY_RUN", "1")
	flags := LoadEnvFlags()
	assert.False(t, flags.Enabled)
	assert.Equal(t, "debug", flags.LogLevel)
	assert.True(t, flags.DryRun)
}

func TestLoadIgnore_MatchesDefaultAndProjectPatterns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".rchignore", "node_modules/\n*.log\n")
	set, err := LoadIgnore(path, []string{"target/"})
	require.NoError(t, err)
	assert.True(t, set.Excludes("target/debug/build"))
	assert.True(t, set.Excludes("node_modules/foo"))
	assert.True(t, set.Excludes("build.log"))
	assert.False(t, set.Excludes("src/main.rs"))
}

func TestLoadIgnore_MissingFileStillAppliesDefaults(t *testing.T) {
	set, err := LoadIgnore(filepath.Join(t.TempDir(), ".rchignore"), []string{"target/"})
	require.NoError(t, err)
	assert.True(t, set.Excludes("target/release/app"))
}
