package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvFlags are the RCH_* environment settings returned by LoadEnvFlags.
// They are kept apart from Config and override no file-based setting.
type EnvFlags struct {
	Enabled  bool
	LogLevel string
	DryRun   bool
	JSON     bool
	MockSSH  bool
	Verbose  bool
}

// LoadEnvFlags reads the RCH_* namespace from the process environment.
func LoadEnvFlags() EnvFlags {
	return EnvFlags{
		Enabled:  envBool("RCH_ENABLED", true),
		LogLevel: envString("RCH_LOG", "info"),
		DryRun:   envBool("RCH_DRY_RUN", false),
		JSON:     envBool("RCH_JSON", false),
		MockSSH:  envBool("RCH_MOCK_SSH", false),
		Verbose:  envBool("RCH_VERBOSE", false),
	}
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return fallback
}
