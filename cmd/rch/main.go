// Command rch is the operator-facing CLI for the dispatch control plane:
// it starts/stops the daemon, inspects fleet status over the control
// socket, and offers a dry-run classifier for debugging interception
// rules without touching a real build.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/config"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/api"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/classifier"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/daemon"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/history"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/preflight"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/selector"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// Exit codes per the CLI surface's documented contract.
const (
	exitSuccess       = 0
	exitConfigError   = 2
	exitConnectivity  = 3
	exitRemoteFailure = 4
	exitLocalFallback = 5
	exitUsage         = 64
)

var (
	Version = "dev"
	Commit  = "unknown"

	configDir  string
	socketPath string
	strict     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rch",
	Short:   "Dispatch control plane for offloaded compilation",
	Version: Version,
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "rch")

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir, "directory holding workers.toml and config.toml")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", api.DefaultSocketPath(), "control socket path")
	rootCmd.PersistentFlags().BoolVar(&strict, "strict", false, "has no effect: no subcommand reads this flag")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(statusCmd, workersCmd, daemonCmd, classifyCmd, doctorCmd, selfTestCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func client() *api.Client {
	return api.NewClient(socketPath)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Workers    []registry.WorkerView `json:"workers"`
			QueueDepth int                    `json:"queue_depth"`
		}
		code, err := client().Do("GET", "/status", nil, &resp)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("cannot reach daemon: %v", err))
			os.Exit(exitConnectivity)
		}
		if code != 200 {
			fmt.Fprintln(os.Stderr, color.RedString("daemon returned status %d", code))
			os.Exit(exitConnectivity)
		}
		for _, w := range resp.Workers {
			fmt.Printf("%-12s %-8s circuit=%-10s slots=%d/%d\n",
				w.Worker.ID, w.Health.Status, w.Circuit.Phase, w.UsedSlots, w.Worker.TotalSlots)
		}
		fmt.Printf("queue depth: %d\n", resp.QueueDepth)
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect and administer the worker fleet",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Workers []registry.WorkerView `json:"workers"`
		}
		if _, err := client().Do("GET", "/status", nil, &resp); err != nil {
			os.Exit(exitConnectivity)
		}
		for _, w := range resp.Workers {
			fmt.Printf("%s\t%s\t%s\t%s\n", w.Worker.ID, w.Worker.Host, w.Health.Status, w.Worker.Admin)
		}
		return nil
	},
}

func adminWorkerCmd(use, short, flag string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <worker-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := client().Do("POST", "/release-worker", map[string]string{"token": args[0], "admin": flag}, nil)
			if err != nil || code != 200 {
				os.Exit(exitConnectivity)
			}
			return nil
		},
	}
}

var workersProbeCmd = &cobra.Command{
	Use:   "probe <worker-id>",
	Short: "Note that a worker is probed on the daemon's regular cycle; sends no probe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("no probe sent; %s is probed on the daemon's next regular probe cycle\n", args[0])
		return nil
	},
}

func init() {
	workersCmd.AddCommand(workersListCmd, workersProbeCmd,
		adminWorkerCmd("enable", "Re-enable a disabled worker", "enabled"),
		adminWorkerCmd("disable", "Administratively disable a worker", "disabled"),
		adminWorkerCmd("drain", "Drain a worker: no new builds, let in-flight finish", "draining"),
	)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control the background dispatch daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running daemon to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := client().Do("POST", "/shutdown", nil, nil)
		if err != nil {
			os.Exit(exitConnectivity)
		}
		if code != 200 {
			os.Exit(exitConnectivity)
		}
		return nil
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read workers.toml into the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		workerCfgs, err := config.LoadWorkers(filepath.Join(configDir, "workers.toml"))
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("load workers.toml: %v", err))
			os.Exit(exitConfigError)
		}
		specs := make([]map[string]any, 0, len(workerCfgs))
		for _, w := range workerCfgs {
			specs = append(specs, map[string]any{
				"id": w.ID, "host": w.Host, "user": w.User, "identity_file": w.IdentityFile,
				"total_slots": w.TotalSlots, "priority": w.Priority,
			})
		}
		code, err := client().Do("POST", "/reload", map[string]any{"workers": specs}, nil)
		if err != nil || code != 200 {
			os.Exit(exitConnectivity)
		}
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop then start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _ = client().Do("POST", "/shutdown", nil, nil)
		time.Sleep(500 * time.Millisecond)
		return runDaemon(cmd.Context())
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd, daemonReloadCmd)
}

// runDaemon wires every C1-C9 component from config and blocks until
// SIGINT/SIGTERM, at which point it runs the graceful shutdown sequence.
func runDaemon(parent context.Context) error {
	cfg, err := config.LoadConfig(filepath.Join(configDir, "config.toml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("load config.toml: %v", err))
		os.Exit(exitConfigError)
	}
	workerCfgs, err := config.LoadWorkers(filepath.Join(configDir, "workers.toml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("load workers.toml: %v", err))
		os.Exit(exitConfigError)
	}

	hist, err := history.Open(configDir, 30)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("open history store: %v", err))
		os.Exit(exitConfigError)
	}

	reg := registry.New(registry.DefaultCircuitConfig())
	cap := transport.NewSSHCapability(5*time.Second, nil)

	dcfg := daemon.DefaultConfig()
	dcfg.Selection = selectionFromString(cfg.Selection.Strategy)
	dcfg.Coordinator.CompressionLevel = cfg.Transfer.CompressionLevel
	dcfg.Coordinator.ArtifactGlobs = cfg.Transfer.IncludeArtifacts
	dcfg.Health.Timeout = time.Duration(cfg.Limits.ProbeTimeoutMs) * time.Millisecond
	if cfg.Telemetry.IntervalSeconds > 0 {
		dcfg.Telemetry.SweepInterval = time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second
	}

	d := daemon.New(dcfg, cap, reg, hist)

	workers := make([]types.Worker, 0, len(workerCfgs))
	endpoints := make(map[string]transport.Endpoint, len(workerCfgs))
	for _, w := range workerCfgs {
		workers = append(workers, w.ToWorker())
		endpoints[w.ID] = transport.Endpoint{Host: w.Host, User: w.User, IdentityFile: w.IdentityFile}
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	err = d.RegisterWorkers(ctx, workers, endpoints)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("register workers: %v", err))
		os.Exit(exitConfigError)
	}

	srv := api.New(d, socketPath)
	if err := srv.Start(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("start control socket: %v", err))
		os.Exit(exitConnectivity)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = d.Shutdown(shutdownCtx)
	_ = srv.Stop()
	return nil
}

func selectionFromString(s string) selector.Name {
	n := selector.Name(s)
	switch n {
	case selector.Priority, selector.Fastest, selector.Balanced, selector.CacheAffinity, selector.FairFastest:
		return n
	default:
		return selector.Priority
	}
}

var classifyCmd = &cobra.Command{
	Use:   "classify <command>",
	Short: "Run the classifier against a candidate command without building anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, _ := os.Getwd()
		c := classifier.New(classifier.DefaultConfig())
		result := c.Classify(args[0], "shell", cwd)
		fmt.Printf("tier=%d decision=%s confidence=%.2f reason=%s\n",
			result.Tier, result.Decision, result.Confidence, result.Reason)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the fleet's topology invariants and optionally fix them",
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		workerCfgs, err := config.LoadWorkers(filepath.Join(configDir, "workers.toml"))
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("load workers.toml: %v", err))
			os.Exit(exitConfigError)
		}
		cap := transport.NewSSHCapability(5*time.Second, nil)
		checker := preflight.NewChecker(cap, preflight.DefaultConfig())
		ctx := context.Background()
		failures := 0
		for _, w := range workerCfgs {
			ep := transport.Endpoint{Host: w.Host, User: w.User, IdentityFile: w.IdentityFile}
			if err := checker.Check(ctx, w.ID, ep); err != nil {
				failures++
				fmt.Println(color.YellowString("%s: %v", w.ID, err))
				if fix {
					fmt.Printf("  (re-run with the repo-updater adapter wired to converge %s)\n", w.ID)
				}
				continue
			}
			fmt.Println(color.GreenString("%s: ok", w.ID))
		}
		if failures > 0 {
			os.Exit(exitConnectivity)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "print a convergence hint for each failing worker; makes no changes")
}

var selfTestCmd = &cobra.Command{
	Use:   "self-test",
	Short: "Check that the daemon answers GET /health on the control socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		code, err := client().Do("GET", "/health", nil, &resp)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("daemon unreachable: %v", err))
			os.Exit(exitConnectivity)
		}
		if code != 200 {
			os.Exit(exitConnectivity)
		}
		fmt.Println(color.GreenString("daemon ok"))
		return nil
	},
}
