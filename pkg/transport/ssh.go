package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
)

// SSHCapability opens real SSH sessions and shells out to rsync for file
// transfer, the way a build worker is actually reached in production.
type SSHCapability struct {
	// ConnectTimeout bounds the initial TCP+handshake.
	ConnectTimeout time.Duration
	// HostKeyCallback is pluggable so deployments can pin known_hosts.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHCapability returns a Capability using the given connect timeout.
// A nil/zero timeout defaults to 10s. Host key verification defaults to
// InsecureIgnoreHostKey only when callback is nil and must be overridden
// by callers who want strict verification against a known_hosts file.
func NewSSHCapability(connectTimeout time.Duration, callback ssh.HostKeyCallback) *SSHCapability {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if callback == nil {
		callback = ssh.InsecureIgnoreHostKey()
	}
	return &SSHCapability{ConnectTimeout: connectTimeout, HostKeyCallback: callback}
}

func (c *SSHCapability) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	key, err := os.ReadFile(ep.IdentityFile)
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeNetworkAuthFailed, "failed to read identity file", err).
			WithContext("host", ep.Host)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeNetworkAuthFailed, "failed to parse identity file", err).
			WithContext("host", ep.Host)
	}

	cfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: c.HostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addrWithDefaultPort(ep.Host))
	if err != nil {
		return nil, rcherr.Wrap(rcherr.CodeNetworkUnreachable, "dial failed", err).WithContext("host", ep.Host)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, ep.Host, cfg)
	if err != nil {
		conn.Close()
		return nil, rcherr.Wrap(rcherr.CodeNetworkUnreachable, "ssh handshake failed", err).WithContext("host", ep.Host)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	return &sshSession{client: client, ep: ep}, nil
}

type sshSession struct {
	client *ssh.Client
	ep     Endpoint
}

func (s *sshSession) Execute(ctx context.Context, argv []string, dir string, env map[string]string, stdout, stderr io.Writer) (ExecResult, error) {
	start := time.Now()
	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, rcherr.Wrap(rcherr.CodeNetworkUnreachable, "failed to open ssh session", err)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return ExecResult{}, rcherr.Wrap(rcherr.CodeInternal, "failed to attach stdout", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return ExecResult{}, rcherr.Wrap(rcherr.CodeInternal, "failed to attach stderr", err)
	}

	cmd := buildRemoteCommand(dir, env, argv)
	if err := session.Start(cmd); err != nil {
		return ExecResult{}, rcherr.Wrap(rcherr.CodeNetworkUnreachable, "failed to start remote command", err)
	}

	done := make(chan struct{})
	go streamLines(stdoutPipe, stdout, done)
	go streamLines(stderrPipe, stderr, nil)

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-waitErr
		return ExecResult{Duration: time.Since(start)}, ctx.Err()
	case err := <-waitErr:
		<-done
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{Duration: time.Since(start)}, rcherr.Wrap(rcherr.CodeNetworkUnreachable, "remote command failed to complete", err)
			}
		}
		return ExecResult{ExitCode: exitCode, Duration: time.Since(start)}, nil
	}
}

func streamLines(r io.Reader, w io.Writer, done chan struct{}) {
	if done != nil {
		defer close(done)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if w != nil {
			fmt.Fprintln(w, scanner.Text())
		}
	}
}

func (s *sshSession) TransferUp(ctx context.Context, localRoot, remoteRoot string, opts TransferOptions) (TransferResult, error) {
	return s.rsync(ctx, localRoot+"/", fmt.Sprintf("%s@%s:%s/", s.ep.User, s.ep.Host, remoteRoot), opts, true)
}

func (s *sshSession) TransferDown(ctx context.Context, remoteRoot, localRoot string, opts TransferOptions) (TransferResult, error) {
	return s.rsync(ctx, fmt.Sprintf("%s@%s:%s/", s.ep.User, s.ep.Host, remoteRoot), localRoot+"/", opts, false)
}

// rsync shells out to the rsync binary, the way a production sync tool
// would rather than reimplementing rsync's delta algorithm in Go.
func (s *sshSession) rsync(ctx context.Context, src, dst string, opts TransferOptions, up bool) (TransferResult, error) {
	start := time.Now()
	args := []string{"-az", "--stats", "-e", fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new", s.ep.IdentityFile)}
	if opts.CompressionLevel > 0 {
		args = append(args, fmt.Sprintf("--compress-level=%d", opts.CompressionLevel))
	}
	excludes := sortedUnique(opts.Excludes)
	for _, ex := range excludes {
		args = append(args, "--exclude", ex)
	}
	if !up {
		for _, inc := range opts.Includes {
			args = append(args, "--include", inc)
		}
		if len(opts.Includes) > 0 {
			args = append(args, "--exclude", "*")
		}
	}
	args = append(args, src, dst)

	cmd := exec.CommandContext(ctx, "rsync", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return TransferResult{}, rcherr.Wrap(rcherr.CodeNetworkUnreachable, "rsync failed: "+string(output), err)
	}

	bytes, files := parseRsyncStats(string(output))
	return TransferResult{BytesTransferred: bytes, FilesTransferred: files, Duration: time.Since(start)}, nil
}

func (s *sshSession) Cancel(ctx context.Context, tag string) error {
	if tag == "" {
		return nil
	}
	session, err := s.client.NewSession()
	if err != nil {
		return rcherr.Wrap(rcherr.CodeNetworkUnreachable, "failed to open cancel session", err)
	}
	defer session.Close()

	pidFile := remotePidFile(tag)
	// pidFile holds the setsid leader's pid, which doubles as its process
	// group id (buildRemoteCommand starts it that way); signaling the
	// negative pid reaches every process the build spawned, not just the
	// one process Execute's own channel happens to still be attached to.
	script := fmt.Sprintf(
		"p=$(cat %s 2>/dev/null); if [ -n \"$p\" ]; then kill -TERM -- -\"$p\" 2>/dev/null; fi; rm -f %s",
		shellQuote(pidFile), shellQuote(pidFile),
	)
	return session.Run(script)
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// buildRemoteCommand bakes env directly into the remote command line
// instead of relying solely on session.Setenv (which a production sshd
// commonly refuses to honor under its AcceptEnv policy), and — when the
// caller supplied a build tag — wraps argv in setsid so it runs as its
// own process group leader, recording that leader's pid to a tag-scoped
// sentinel file a later Cancel(ctx, tag) call can read back and signal.
func buildRemoteCommand(dir string, env map[string]string, argv []string) string {
	var prefix strings.Builder
	for _, k := range sortedEnvKeys(env) {
		fmt.Fprintf(&prefix, "%s=%s ", k, shellQuote(env[k]))
	}
	payload := prefix.String() + strings.Join(quoteArgv(argv), " ")

	tag := env["RCH_BUILD_TAG"]
	if tag == "" {
		return fmt.Sprintf("cd %s && %s", shellQuote(dir), payload)
	}

	script := fmt.Sprintf("echo $$ > %s; exec %s", shellQuote(remotePidFile(tag)), payload)
	return fmt.Sprintf("cd %s && exec setsid sh -c %s", shellQuote(dir), shellQuote(script))
}

func remotePidFile(tag string) string {
	return "/tmp/rch-build-" + tag + ".pid"
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func addrWithDefaultPort(host string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return host + ":22"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteArgv(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = shellQuote(a)
	}
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// parseRsyncStats extracts byte/file counts from `rsync --stats` output.
// Best-effort: a parse miss returns zeros rather than failing the transfer.
func parseRsyncStats(output string) (bytes int64, files int) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Total transferred file size:") {
			fmt.Sscanf(strings.TrimPrefix(line, "Total transferred file size:"), "%d", &bytes)
		}
		if strings.HasPrefix(line, "Number of regular files transferred:") {
			fmt.Sscanf(strings.TrimPrefix(line, "Number of regular files transferred:"), "%d", &files)
		}
	}
	return
}
