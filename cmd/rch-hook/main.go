// Command rch-hook is invoked in place of the real toolchain binary (via
// a shell alias or PATH shim). It asks the daemon whether the command
// should run locally or be redirected to a worker, relays output either
// way, and always falls back to local execution if the daemon cannot be
// reached.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/api"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/hookproto"
)

const (
	exitSuccess       = 0
	exitRemoteFailure = 4
	exitLocalFallback = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	tool := filepath.Base(os.Args[0])
	argv := os.Args[1:]
	cwd, err := os.Getwd()
	if err != nil {
		return runLocal(tool, argv)
	}

	c := api.NewClient("")
	c.Timeout = 2 * time.Second

	var decision hookproto.DecideResponse
	code, err := c.Do("POST", "/decide", decideRequest(argv, cwd), &decision)
	if err != nil || code != 200 {
		// Daemon unreachable or erroring: fail open to the real local
		// toolchain rather than block a developer's build.
		return runLocal(tool, argv)
	}

	switch decision.Kind {
	case hookproto.PassThrough, hookproto.AllowLocal:
		return runLocal(tool, argv)
	case hookproto.RejectLocal:
		fmt.Fprintf(os.Stderr, "rch: %s\n", decision.Reason)
		return exitLocalFallback
	case hookproto.AllowWithRewrite:
		return runRemote(c, decision)
	default:
		return runLocal(tool, argv)
	}
}

// decideRequest builds the /decide payload for a shimmed invocation. The
// classifier's "tool" field identifies the class of invocation this hook
// stands in for — a shell/Bash-style tool call — never this shim's own
// argv[0]; reporting "cargo" or "bun" there would trip the classifier's
// own non_shell_tool guard and pass every real invocation straight
// through to local execution.
func decideRequest(argv []string, cwd string) hookproto.DecideRequest {
	return hookproto.DecideRequest{
		Tool:    "shell",
		Command: shellquote.Join(argv...),
		Cwd:     cwd,
	}
}

// runRemote dials the streaming /run endpoint, relays output as it
// arrives, parses the trailing {"done":true,...} line for the exit code,
// then reports the outcome via /complete. The daemon releases the worker
// slot and records history when the build pipeline returns, not on
// /complete.
func runRemote(c *api.Client, decision hookproto.DecideResponse) int {
	start := time.Now()
	exitCode := exitRemoteFailure
	var runErr error

	err := c.Stream("POST", "/run", map[string]string{"token": decision.PostActionToken}, func(line []byte) {
		trimmed := strings.TrimSpace(string(line))
		if strings.HasPrefix(trimmed, "{") {
			var done struct {
				Done     bool   `json:"done"`
				ExitCode int    `json:"exit_code"`
				Error    string `json:"error"`
			}
			if json.Unmarshal(line, &done) == nil && done.Done {
				if done.Error != "" {
					runErr = fmt.Errorf("%s", done.Error)
				} else {
					exitCode = done.ExitCode
				}
				return
			}
		}
		fmt.Fprint(os.Stdout, string(line))
	})
	if err != nil {
		runErr = err
	}

	completeReq := hookproto.CompleteRequest{
		PostActionToken: decision.PostActionToken,
		ExitCode:        exitCode,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	_, _ = c.Do("POST", "/complete", completeReq, nil)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "rch: remote build failed: %v\n", runErr)
		return exitRemoteFailure
	}
	return exitCode
}

// runLocal execs the real underlying toolchain found later in PATH,
// skipping this shim so it isn't invoked recursively.
func runLocal(tool string, argv []string) int {
	path, err := findRealBinary(tool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rch: cannot locate real %s: %v\n", tool, err)
		return exitLocalFallback
	}
	cmd := exec.CommandContext(context.Background(), path, argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return exitLocalFallback
	}
	return exitSuccess
}

// findRealBinary walks PATH looking for an executable named tool that is
// not this hook binary itself, so the shim doesn't call itself forever.
func findRealBinary(tool string) (string, error) {
	self, _ := os.Executable()
	for _, dir := range strings.Split(os.Getenv("PATH"), ":") {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + tool
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if candidate == self {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%s not found in PATH", tool)
}
