package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// WorkerConfig is one [[workers]] table in workers.toml.
type WorkerConfig struct {
	ID           string   `toml:"id"`
	Host         string   `toml:"host"`
	User         string   `toml:"user"`
	IdentityFile string   `toml:"identity_file"`
	TotalSlots   int      `toml:"total_slots"`
	Priority     int      `toml:"priority"`
	Tags         []string `toml:"tags,omitempty"`
}

// ToWorker converts a parsed WorkerConfig into the Registry's domain type.
func (w WorkerConfig) ToWorker() types.Worker {
	tags := make(map[string]struct{}, len(w.Tags))
	for _, t := range w.Tags {
		tags[t] = struct{}{}
	}
	return types.Worker{
		ID: w.ID, Host: w.Host, User: w.User, IdentityFile: w.IdentityFile,
		TotalSlots: w.TotalSlots, Priority: w.Priority, Tags: tags, Admin: types.AdminEnabled,
	}
}

type workersFile struct {
	Workers []WorkerConfig `toml:"workers"`
}

// LoadWorkers parses workers.toml at path.
func LoadWorkers(path string) ([]WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeConfigUnparseable, "failed to read workers file", err).
			WithContext("path", path)
	}
	var wf workersFile
	if err := toml.Unmarshal(data, &wf); err != nil {
		return nil, rcherr.Wrap(rcherr.CodeConfigUnparseable, "failed to parse workers.toml", err).
			WithContext("path", path)
	}
	if err := validateWorkers(wf.Workers); err != nil {
		return nil, err
	}
	return wf.Workers, nil
}

func validateWorkers(workers []WorkerConfig) error {
	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		if w.ID == "" {
			return rcherr.New(rcherr.CodeConfigMissingField, "worker entry is missing id")
		}
		if _, dup := seen[w.ID]; dup {
			return rcherr.New(rcherr.CodeConfigInvalidWorker, "duplicate worker id").WithContext("worker_id", w.ID)
		}
		seen[w.ID] = struct{}{}
		if w.Host == "" {
			return rcherr.New(rcherr.CodeConfigMissingField, "worker is missing host").WithContext("worker_id", w.ID)
		}
		if w.TotalSlots <= 0 {
			return rcherr.New(rcherr.CodeConfigInvalidWorker, "total_slots must be > 0").WithContext("worker_id", w.ID)
		}
	}
	return nil
}

// TransferConfig is config.toml's [transfer] table.
type TransferConfig struct {
	ExcludePatterns  []string `toml:"exclude_patterns"`
	CompressionLevel int      `toml:"compression_level"`
	IncludeArtifacts []string `toml:"include_artifacts"`
}

// SelectionConfig is config.toml's [selection] table.
type SelectionConfig struct {
	Strategy string `toml:"strategy"`
}

// LimitsConfig is config.toml's [limits] table, in milliseconds on disk.
type LimitsConfig struct {
	ProbeTimeoutMs      int `toml:"probe_timeout_ms"`
	DecideTimeoutMs     int `toml:"decide_timeout_ms"`
	SyncTimeoutMs       int `toml:"sync_timeout_ms"`
	RemoteExecTimeoutMs int `toml:"remote_exec_timeout_ms"`
	RetrieveTimeoutMs   int `toml:"retrieve_timeout_ms"`
}

// TelemetryConfig is config.toml's [telemetry] table.
type TelemetryConfig struct {
	Endpoint        string `toml:"endpoint"`
	IntervalSeconds int    `toml:"interval_seconds"`
}

// Config is the fully parsed config.toml.
type Config struct {
	Transfer  TransferConfig  `toml:"transfer"`
	Selection SelectionConfig `toml:"selection"`
	Limits    LimitsConfig    `toml:"limits"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// DefaultConfig matches the timeout defaults from §5.
func DefaultConfig() Config {
	return Config{
		Transfer: TransferConfig{
			ExcludePatterns:  []string{"target/", ".git/objects/"},
			CompressionLevel: 6,
		},
		Selection: SelectionConfig{Strategy: "priority"},
		Limits: LimitsConfig{
			ProbeTimeoutMs:      3000,
			DecideTimeoutMs:     50,
			SyncTimeoutMs:       600000,
			RemoteExecTimeoutMs: 3600000,
			RetrieveTimeoutMs:   600000,
		},
		Telemetry: TelemetryConfig{IntervalSeconds: 15},
	}
}

// LoadConfig parses config.toml at path, filling any missing table with
// its documented defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, rcherr.Wrap(rcherr.CodeConfigUnparseable, "failed to read config file", err).
			WithContext("path", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, rcherr.Wrap(rcherr.CodeConfigUnparseable, "failed to parse config.toml", err).
			WithContext("path", path)
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Transfer.CompressionLevel < 1 || cfg.Transfer.CompressionLevel > 9 {
		return rcherr.New(rcherr.CodeConfigInvalidWorker, "transfer.compression_level must be in 1..9").
			WithContext("compression_level", itoa(cfg.Transfer.CompressionLevel))
	}
	switch cfg.Selection.Strategy {
	case "priority", "fastest", "balanced", "cache_affinity", "fair_fastest":
	default:
		return rcherr.New(rcherr.CodeConfigInvalidWorker, "selection.strategy is not one of the five known strategies").
			WithContext("strategy", cfg.Selection.Strategy)
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
