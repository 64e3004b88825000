/*
Package config loads the daemon's on-disk configuration: workers.toml
(the fleet roster), config.toml (transfer/selection/limits/telemetry
settings), and a project's .rchignore file. Environment variables in
the RCH_* namespace are read separately by LoadEnvFlags into EnvFlags;
they are not merged into, and override no field of, the file-based
settings.
*/
package config
