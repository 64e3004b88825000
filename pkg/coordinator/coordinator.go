package coordinator

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/history"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/metrics"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// EventPublisher is the narrow slice of the event bus the coordinator
// depends on; satisfied by *events.Broker.
type EventPublisher interface {
	Publish(kind string, fields map[string]any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any) {}

// QueueNotifier is the narrow slice of the build queue the coordinator
// depends on; satisfied by *queue.Queue. Released here rather than having
// the queue poll the registry, so a waiter dequeues as soon as a slot
// actually frees instead of at its next deadline (§4.6).
type QueueNotifier interface {
	NotifyRelease()
}

type nopNotifier struct{}

func (nopNotifier) NotifyRelease() {}

// SpeedRecorder is the narrow slice of the telemetry sampler the
// coordinator depends on; satisfied by *telemetry.Sampler. Fed with each
// build's observed wall-clock duration so SpeedScore (C2) reflects real
// traffic instead of staying pinned at its registered default (§3).
type SpeedRecorder interface {
	RecordBuildDuration(workerID string, d time.Duration, now time.Time)
}

type nopRecorder struct{}

func (nopRecorder) RecordBuildDuration(string, time.Duration, time.Time) {}

// Config controls sync/retry/retrieval behavior (§4.7).
type Config struct {
	// RemoteProjectsRoot is the canonical per-worker parent directory
	// projects are synced under (default "/data/projects").
	RemoteProjectsRoot string
	// ArtifactGlobs are retrieved by default in addition to any
	// project-configured includes.
	ArtifactGlobs []string
	// EnvAllowList restricts which caller-supplied env vars reach the
	// remote command.
	EnvAllowList []string
	// MaxSyncRetries bounds transient sync-up retries (§4.7: "≤3 attempts").
	MaxSyncRetries int
	RetryBaseDelay time.Duration
	// QuarantineDir receives partial artifacts drained on cancellation.
	QuarantineDir    string
	CompressionLevel int
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		RemoteProjectsRoot: "/data/projects",
		ArtifactGlobs:      []string{"target/debug/*", "target/release/*"},
		EnvAllowList:       []string{"PATH", "CARGO_TERM_COLOR", "RUSTFLAGS", "CC", "CXX"},
		MaxSyncRetries:     3,
		RetryBaseDelay:     500 * time.Millisecond,
		QuarantineDir:      "/data/quarantine",
		CompressionLevel:   6,
	}
}

// Request describes one build to run through the pipeline.
type Request struct {
	ReservationToken   string
	WorkerID           string
	Endpoint           transport.Endpoint
	ProjectFingerprint string
	LocalRoot          string
	Argv               []string
	Env                map[string]string
	ExcludePatterns    []string
	IncludeGlobs       []string
	// ManifestRelPath, if set, names a file under the artifact root whose
	// content is a "<hex-sha256>  <relpath>" manifest to verify retrieved
	// artifacts against.
	ManifestRelPath string
	Stdout          io.Writer
	Stderr          io.Writer
}

// Coordinator drives the sync/execute/retrieve/release pipeline for one
// reservation at a time; callers run concurrent builds by holding one
// Coordinator per in-flight reservation or sharing a stateless instance.
type Coordinator struct {
	cap    transport.Capability
	cfg    Config
	reg    *registry.Registry
	hist   *history.Store
	events EventPublisher
	queue  QueueNotifier
	speed  SpeedRecorder
	logger zerolog.Logger
}

// New creates a Coordinator.
func New(cap transport.Capability, cfg Config, reg *registry.Registry, hist *history.Store) *Coordinator {
	return &Coordinator{
		cap:    cap,
		cfg:    cfg,
		reg:    reg,
		hist:   hist,
		events: nopPublisher{},
		queue:  nopNotifier{},
		speed:  nopRecorder{},
		logger: log.WithComponent("coordinator"),
	}
}

// SetEventPublisher wires a bus to receive build lifecycle events.
func (c *Coordinator) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = nopPublisher{}
	}
	c.events = p
}

// SetQueueNotifier wires the build queue so a released reservation wakes
// the head of its highest-priority lane immediately instead of parking
// until the waiter's own deadline.
func (c *Coordinator) SetQueueNotifier(q QueueNotifier) {
	if q == nil {
		q = nopNotifier{}
	}
	c.queue = q
}

// SetSpeedRecorder wires the telemetry sampler so every completed build's
// duration feeds that worker's SpeedScore.
func (c *Coordinator) SetSpeedRecorder(s SpeedRecorder) {
	if s == nil {
		s = nopRecorder{}
	}
	c.speed = s
}

func (c *Coordinator) remoteRoot(fingerprint string) string {
	return path.Join(c.cfg.RemoteProjectsRoot, fingerprint)
}

// Run executes the full pipeline for req and always releases the
// reservation and records a history entry before returning, regardless
// of outcome.
func (c *Coordinator) Run(ctx context.Context, req Request) (types.Build, error) {
	build := types.Build{
		ID:            uuid.NewString(),
		ReservationID: req.ReservationToken,
		WorkerID:      req.WorkerID,
		Command:       shellquote.Join(req.Argv...),
		ProjectRoot:   req.LocalRoot,
		StartedAt:     time.Now(),
	}

	session, err := c.cap.Connect(ctx, req.Endpoint)
	if err != nil {
		return c.finish(build, false, types.BuildFailureRemote, req.ProjectFingerprint, err)
	}
	defer session.Close()

	remoteRoot := c.remoteRoot(req.ProjectFingerprint)
	transferOpts := transport.TransferOptions{
		Excludes:         sortedExcludes(req.ExcludePatterns),
		CompressionLevel: c.cfg.CompressionLevel,
	}

	if err := c.syncUpWithRetry(ctx, session, req.LocalRoot, remoteRoot, transferOpts); err != nil {
		return c.finish(build, false, types.BuildFailureRemote, req.ProjectFingerprint, err)
	}

	if err := c.reg.MarkRunning(req.ReservationToken); err != nil {
		c.logger.Warn().Err(err).Str("reservation_id", req.ReservationToken).Msg("failed to mark reservation running")
	}
	c.events.Publish(string(eventBuildStarted), map[string]any{
		"build_id": build.ID, "worker_id": req.WorkerID, "command": build.Command,
	})

	tag := uuid.NewString()
	env := filterEnv(req.Env, c.cfg.EnvAllowList)
	env["RCH_BUILD_TAG"] = tag

	execResult, execErr := session.Execute(ctx, req.Argv, remoteRoot, env, req.Stdout, req.Stderr)
	build.ExitCode = execResult.ExitCode
	build.FinishedAt = time.Now()

	if ctx.Err() != nil {
		c.drainQuarantine(context.Background(), session, remoteRoot, req.ProjectFingerprint)
		_ = session.Cancel(context.Background(), tag)
		return c.finish(build, true, types.BuildCanceled, req.ProjectFingerprint, ctx.Err())
	}
	if execErr != nil {
		return c.finish(build, false, types.BuildFailureRemote, req.ProjectFingerprint, execErr)
	}

	retrieveOpts := transport.TransferOptions{
		Includes:         append(append([]string{}, c.cfg.ArtifactGlobs...), req.IncludeGlobs...),
		CompressionLevel: c.cfg.CompressionLevel,
	}
	transferResult, err := session.TransferDown(ctx, remoteRoot, req.LocalRoot, retrieveOpts)
	if err != nil {
		return c.finish(build, false, types.BuildFailureRemote, req.ProjectFingerprint, err)
	}
	build.BytesTransferred = transferResult.BytesTransferred

	if req.ManifestRelPath != "" {
		if err := verifyManifest(req.LocalRoot, req.ManifestRelPath); err != nil {
			return c.finish(build, true, types.BuildFailureRemote, req.ProjectFingerprint, err)
		}
	}

	outcome := types.BuildSuccess
	if build.ExitCode != 0 {
		outcome = types.BuildFailureRemote
	}
	return c.finish(build, true, outcome, req.ProjectFingerprint, nil)
}

// finish releases the reservation, records history, publishes the
// completion event, and returns build/err to the caller. infraSuccess
// governs the circuit breaker and cache-affinity timestamp; it is
// independent of the build's own exit code.
func (c *Coordinator) finish(build types.Build, infraSuccess bool, outcome types.BuildOutcome, fingerprint string, cause error) (types.Build, error) {
	if build.FinishedAt.IsZero() {
		build.FinishedAt = time.Now()
	}
	build.Outcome = outcome

	if err := c.reg.Release(build.ReservationID, infraSuccess, time.Now()); err != nil {
		c.logger.Warn().Err(err).Str("reservation_id", build.ReservationID).Msg("failed to release reservation")
	} else {
		c.queue.NotifyRelease()
	}
	if err := c.hist.Record(build); err != nil {
		c.logger.Warn().Err(err).Str("build_id", build.ID).Msg("failed to record build history")
	}

	metrics.BuildsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.BuildDuration.WithLabelValues(build.WorkerID).Observe(build.FinishedAt.Sub(build.StartedAt).Seconds())

	// Only a build whose remote command actually ran to completion is a
	// meaningful speed sample; a connect/sync failure or a cancellation
	// mid-execution measures how long the worker took to fail or to be
	// killed, not how fast it builds.
	if outcome == types.BuildSuccess || (outcome == types.BuildFailureRemote && infraSuccess) {
		c.speed.RecordBuildDuration(build.WorkerID, build.FinishedAt.Sub(build.StartedAt), time.Now())
	}

	c.events.Publish(string(eventBuildCompleted), map[string]any{
		"build_id": build.ID, "worker_id": build.WorkerID, "outcome": string(outcome), "exit_code": build.ExitCode,
	})
	c.events.Publish(string(eventWorkerReleased), map[string]any{
		"worker_id": build.WorkerID, "reservation_id": build.ReservationID,
	})

	if cause != nil {
		return build, rcherr.Wrap(rcherr.CodeBuildFailedRemote, "build did not complete successfully", cause).
			WithContext("build_id", build.ID).WithContext("fingerprint", fingerprint)
	}
	return build, nil
}

// syncUpWithRetry retries transient transport errors with exponential
// backoff and jitter, up to cfg.MaxSyncRetries attempts; permanent
// errors (auth, disk full, topology invariant failure) are not retried.
func (c *Coordinator) syncUpWithRetry(ctx context.Context, session transport.Session, localRoot, remoteRoot string, opts transport.TransferOptions) error {
	attempts := c.cfg.MaxSyncRetries
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := session.TransferUp(ctx, localRoot, remoteRoot, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanentTransferError(err) {
			return err
		}
	}
	return lastErr
}

func isPermanentTransferError(err error) bool {
	code, ok := rcherr.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case rcherr.CodeNetworkAuthFailed, rcherr.CodeNetworkDiskFull, rcherr.CodeWorkerTopologyFailed:
		return true
	default:
		return false
	}
}

// drainQuarantine best-effort copies whatever artifacts exist at
// cancellation time to a quarantine directory before the session is
// torn down, so a canceled build's partial output is inspectable.
func (c *Coordinator) drainQuarantine(ctx context.Context, session transport.Session, remoteRoot, fingerprint string) {
	quarantinePath := path.Join(c.cfg.QuarantineDir, fingerprint)
	opts := transport.TransferOptions{Includes: []string{"**/*"}}
	if _, err := session.TransferDown(ctx, remoteRoot, quarantinePath, opts); err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("failed to drain partial artifacts to quarantine")
	}
}

func filterEnv(env map[string]string, allow []string) map[string]string {
	allowed := make(map[string]struct{}, len(allow))
	for _, k := range allow {
		allowed[k] = struct{}{}
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

func sortedExcludes(patterns []string) []string {
	defaults := []string{"target/", ".git/objects/"}
	seen := make(map[string]struct{}, len(patterns)+len(defaults))
	var merged []string
	for _, p := range append(defaults, patterns...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		merged = append(merged, p)
	}
	sort.Strings(merged)
	return merged
}

type eventKind string

const (
	eventBuildStarted   eventKind = "build:started"
	eventBuildCompleted eventKind = "build:completed"
	eventWorkerReleased eventKind = "worker:released"
)

// errf is a tiny convenience used where a one-line sentinel is clearer
// than threading another rcherr.Code through call sites that never
// inspect it.
func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
