package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/classifier"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/coordinator"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/events"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/health"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/history"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/hookproto"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/preflight"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/queue"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/selector"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/telemetry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// Config controls the daemon's runtime behavior, distinct from the
// per-worker fleet roster which is supplied separately via RegisterWorkers.
type Config struct {
	Classifier          classifier.Config
	Selection           selector.Name
	FairFastest         selector.FairFastestConfig
	CacheAffinity       selector.CacheAffinityConfig
	Health              health.Config
	Coordinator         coordinator.Config
	Preflight           preflight.Config
	Telemetry           telemetry.Config
	// QueueDeadline bounds how long a decide caller's request may wait in
	// the queue before the daemon fails open with queue_timeout.
	QueueDeadline time.Duration
	// MaxConcurrentBuilds bounds how many Coordinator pipelines may run at
	// once across the whole fleet, independent of per-worker slot counts
	// (local CPU/network budget for concurrent sync/retrieve transfers).
	MaxConcurrentBuilds int64
	// GracefulShutdownGrace bounds how long Shutdown waits for in-flight
	// builds to finish before canceling them (default 5s per spec §5).
	GracefulShutdownGrace time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Classifier:            classifier.DefaultConfig(),
		Selection:             selector.Priority,
		FairFastest:           selector.DefaultFairFastestConfig(),
		CacheAffinity:         selector.DefaultCacheAffinityConfig(),
		Health:                health.DefaultConfig(),
		Coordinator:           coordinator.DefaultConfig(),
		Preflight:             preflight.DefaultConfig(),
		Telemetry:             telemetry.DefaultConfig(),
		QueueDeadline:         2 * time.Minute,
		MaxConcurrentBuilds:   8,
		GracefulShutdownGrace: 5 * time.Second,
	}
}

// pendingBuild tracks one in-flight Coordinator.Run invocation started from
// Decide, addressable by the hook's post-action token.
type pendingBuild struct {
	build      types.Build
	err        error
	done       chan struct{}
	writer     *io.PipeWriter
	reader     *io.PipeReader
	cancel     context.CancelFunc
	workerID   string
	reservation string
}

// Daemon owns every piece of mutable control-plane state: the worker
// registry, health prober, build queue, and in-flight builds. Per the
// design notes, it is the single owner; the CLI and the hook are clients.
type Daemon struct {
	cfg Config

	classifier *classifier.Classifier
	registry   *registry.Registry
	strategy   selector.Strategy
	queue      *queue.Queue
	coordinator *coordinator.Coordinator
	preflight  *preflight.Checker
	repoAdapter *preflight.Adapter
	prober     *health.Prober
	speed      *telemetry.Sampler
	events     *events.Broker
	history    *history.Store
	buildSem   *semaphore.Weighted

	logger zerolog.Logger

	mu          sync.Mutex
	endpoints   map[string]transport.Endpoint
	pending     map[string]*pendingBuild
	shuttingDown bool
}

// New assembles a Daemon from already-constructed subsystems so callers
// (cmd/rch's daemon-start path, or tests) control lifecycle and wiring of
// the registry/history stores explicitly.
func New(cfg Config, cap transport.Capability, reg *registry.Registry, hist *history.Store) *Daemon {
	bus := events.NewBroker()
	strat := selector.New(cfg.Selection, cfg.FairFastest, cfg.CacheAffinity)

	reg.SetEventPublisher(bus)

	q := queue.New(reg, strat)
	q.SetEventPublisher(bus)

	speed := telemetry.New(cfg.Telemetry, reg)

	coord := coordinator.New(cap, cfg.Coordinator, reg, hist)
	coord.SetEventPublisher(bus)
	coord.SetQueueNotifier(q)
	coord.SetSpeedRecorder(speed)

	d := &Daemon{
		cfg:         cfg,
		classifier:  classifier.New(cfg.Classifier),
		registry:    reg,
		strategy:    strat,
		queue:       q,
		coordinator: coord,
		preflight:   preflight.NewChecker(cap, cfg.Preflight),
		repoAdapter: preflight.NewAdapter(preflight.DefaultAdapterConfig()),
		prober:      health.New(cfg.Health, reg, cap),
		speed:       speed,
		events:      bus,
		history:     hist,
		buildSem:    semaphore.NewWeighted(maxInt64(cfg.MaxConcurrentBuilds, 1)),
		logger:      log.WithComponent("daemon"),
		endpoints:   make(map[string]transport.Endpoint),
		pending:     make(map[string]*pendingBuild),
	}
	bus.Start()
	speed.Start()
	return d
}

func maxInt64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

// RegisterWorkers validates topology invariants for every worker
// concurrently, registers the ones that pass into the Registry, and starts
// health probing for all of them regardless of topology outcome (a
// topology failure excludes a worker from Selection, not from probing, so
// it can recover once revalidated).
func (d *Daemon) RegisterWorkers(ctx context.Context, workers []types.Worker, endpoints map[string]transport.Endpoint) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		ep, ok := endpoints[w.ID]
		if !ok {
			return rcherr.New(rcherr.CodeConfigMissingField, "no endpoint configured for worker").WithContext("worker_id", w.ID)
		}
		group.Go(func() error {
			if err := d.preflight.Check(groupCtx, w.ID, ep); err != nil {
				d.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("worker failed topology preflight; excluded from selection until revalidated")
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range workers {
		if err := d.registry.Register(w); err != nil {
			return err
		}
		ep := endpoints[w.ID]
		d.endpoints[w.ID] = ep
		d.prober.Start(w.ID, ep)
	}
	return nil
}

// ConvergeDependencies plans and applies sibling-repository convergence on
// workerID for a project's transitive local path-dependency closure,
// via the external repo-updater adapter (§4.10). Nothing in this module
// calls it: neither doctor --fix nor RegisterWorkers invokes it.
func (d *Daemon) ConvergeDependencies(ctx context.Context, workerID, rootRepo string, graph preflight.DependencyGraph) (preflight.Envelope, error) {
	repos := preflight.TransitiveClosure(graph, rootRepo)
	if _, err := d.repoAdapter.Plan(ctx, workerID, repos); err != nil {
		return preflight.Envelope{}, err
	}
	return d.repoAdapter.Apply(ctx, workerID, repos)
}

// fingerprint computes a stable per-project key from its canonicalized
// working directory, used for queue affinity and CacheAffinity selection.
func fingerprint(cwd string) string {
	clean := filepath.Clean(cwd)
	sum := sha256.Sum256([]byte(clean))
	return hex.EncodeToString(sum[:])[:16]
}

// Decide runs classification, selection, and reservation (or enqueueing)
// for one candidate command. It never blocks on a remote build: on
// Intercept it starts the Coordinator pipeline in the background and
// returns immediately with a token the hook uses to Stream the result.
func (d *Daemon) Decide(ctx context.Context, req hookproto.DecideRequest) (hookproto.DecideResponse, error) {
	class := d.classifier.Classify(req.Command, req.Tool, req.Cwd)

	switch class.Decision {
	case types.DecisionPassThrough:
		return hookproto.DecideResponse{Kind: hookproto.PassThrough}, nil
	case types.DecisionReject:
		return hookproto.DecideResponse{Kind: hookproto.RejectLocal, Reason: class.Reason}, nil
	}

	fp := fingerprint(req.Cwd)
	workerID, reservation, err := d.selectAndReserve(ctx, fp)
	if err != nil {
		d.logger.Warn().Err(err).Str("cwd", req.Cwd).Msg("failed to admit build; failing open")
		return hookproto.DecideResponse{Kind: hookproto.AllowLocal, Reason: reasonFor(err)}, nil
	}

	token := uuid.NewString()
	d.startBuild(token, workerID, reservation, fp, subCommandArgvs(class), req.Cwd)

	return hookproto.DecideResponse{
		Kind:            hookproto.AllowWithRewrite,
		Argv:            class.Tokens,
		PostActionToken: token,
	}, nil
}

// subCommandArgvs flattens a classification into the ordered list of argvs
// Decide must dispatch: one entry for a single command, or one entry per
// intercepted segment of a chained command (`cargo build && cargo test`).
func subCommandArgvs(class types.CommandClassification) [][]string {
	if len(class.SubCommands) == 0 {
		return [][]string{class.Tokens}
	}
	out := make([][]string, len(class.SubCommands))
	for i, sc := range class.SubCommands {
		out[i] = sc.Tokens
	}
	return out
}

func reasonFor(err error) string {
	if code, ok := rcherr.CodeOf(err); ok {
		return fmt.Sprintf("code_%d", code)
	}
	return "internal_error"
}

// selectAndReserve picks an eligible worker and reserves a slot, parking
// in the queue if every eligible worker is currently full.
func (d *Daemon) selectAndReserve(ctx context.Context, fp string) (workerID, token string, err error) {
	views := d.registry.Snapshot()
	eligible := selector.Eligible(views, d.preflight.Failed())
	if len(eligible) > 0 {
		id := d.strategy.Pick(eligible, fp, time.Now())
		if id != "" {
			if tok, rerr := d.registry.Reserve(id, fp, time.Now()); rerr == nil {
				return id, tok, nil
			}
		}
	}

	deadline := time.Now().Add(d.cfg.QueueDeadline)
	tok, id, werr := d.queue.Wait(ctx, fp, 0, deadline)
	return id, tok, werr
}

// startBuild launches one Coordinator pipeline per entry of argvList, in
// sequence, behind token; its aggregate stdout/stderr are piped so a later
// Stream call can relay them to the hook as they're produced. A chained
// command (`cargo build && cargo test`) yields len(argvList) > 1: the
// first entry runs against the worker/reservation Decide already granted,
// each later entry acquires its own reservation rather than reusing one a
// prior sub-build has already released (Coordinator.Run always releases
// on return). The reported build's ExitCode is the max across every
// sub-build, per §8's chained-command scenario.
func (d *Daemon) startBuild(token, workerID, reservation, fingerprint string, argvList [][]string, localRoot string) {
	stdoutR, stdoutW := io.Pipe()

	buildCtx, cancel := context.WithCancel(context.Background())
	pb := &pendingBuild{
		done:        make(chan struct{}),
		writer:      stdoutW,
		reader:      stdoutR,
		cancel:      cancel,
		workerID:    workerID,
		reservation: reservation,
	}

	d.mu.Lock()
	d.pending[token] = pb
	d.mu.Unlock()

	go func() {
		defer close(pb.done)
		defer stdoutW.Close()

		if err := d.buildSem.Acquire(buildCtx, 1); err != nil {
			pb.err = err
			return
		}
		defer d.buildSem.Release(1)

		curWorker, curReservation := workerID, reservation
		maxExit := 0
		for i, argv := range argvList {
			if i > 0 {
				var rerr error
				curWorker, curReservation, rerr = d.selectAndReserve(buildCtx, fingerprint)
				if rerr != nil {
					pb.err = rerr
					return
				}
			}

			d.mu.Lock()
			ep := d.endpoints[curWorker]
			d.mu.Unlock()

			req := coordinator.Request{
				ReservationToken:   curReservation,
				WorkerID:           curWorker,
				Endpoint:           ep,
				ProjectFingerprint: fingerprint,
				LocalRoot:          localRoot,
				Argv:               argv,
				Env:                map[string]string{},
				Stdout:             stdoutW,
				Stderr:             stdoutW,
			}

			build, err := d.coordinator.Run(buildCtx, req)
			pb.build = build
			if build.ExitCode > maxExit {
				maxExit = build.ExitCode
			}
			if err != nil {
				// An infra-level failure (connect/sync/exec error), not a
				// non-zero exit: later sub-commands can't meaningfully run
				// without this worker, so the chain stops here.
				pb.err = err
				return
			}
		}
		pb.build.ExitCode = maxExit
	}()
}

// Stream blocks until the build behind token completes, copying its
// captured stdout/stderr to w as it arrives, and returns the remote exit
// code once the pipeline finishes.
func (d *Daemon) Stream(ctx context.Context, token string, w io.Writer) (int, error) {
	d.mu.Lock()
	pb, ok := d.pending[token]
	d.mu.Unlock()
	if !ok {
		return 0, rcherr.New(rcherr.CodeInternal, "unknown build token").WithContext("token", token)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(w, pb.reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		pb.cancel()
		<-pb.done
		return 0, ctx.Err()
	case <-pb.done:
	}
	<-copyDone

	if pb.err != nil {
		return pb.build.ExitCode, pb.err
	}
	return pb.build.ExitCode, nil
}

// Complete records the hook's own close-out report. Because the
// Coordinator goroutine already released the reservation and recorded
// history when its Run call returned, this is a confirmation rather than
// a second trigger: it never calls Registry.Release. It forgets the token
// and, if the pipeline is still running, cancels it and waits for it.
func (d *Daemon) Complete(ctx context.Context, req hookproto.CompleteRequest) (hookproto.CompleteResponse, error) {
	d.mu.Lock()
	pb, ok := d.pending[req.PostActionToken]
	if ok {
		delete(d.pending, req.PostActionToken)
	}
	d.mu.Unlock()

	if !ok {
		return hookproto.CompleteResponse{OK: true}, nil
	}

	select {
	case <-pb.done:
	default:
		// The hook reported completion before Stream observed it (e.g. it
		// ran the rewritten command itself out of band); cancel and let
		// the pipeline unwind.
		pb.cancel()
		<-pb.done
	}
	return hookproto.CompleteResponse{OK: true}, nil
}

// Cancel asks the daemon to tear down an in-flight build identified by
// token, used when the hook's parent process was interrupted.
func (d *Daemon) Cancel(ctx context.Context, req hookproto.CancelRequest) (hookproto.CancelResponse, error) {
	d.mu.Lock()
	pb, ok := d.pending[req.PostActionToken]
	d.mu.Unlock()
	if !ok {
		return hookproto.CancelResponse{OK: false, Error: "unknown token"}, nil
	}
	pb.cancel()
	<-pb.done
	return hookproto.CancelResponse{OK: true}, nil
}

// Reload re-reads the worker roster (POST /reload): newly added workers are
// registered and probed, and every worker still listed has its static
// config (tags, slots, priority) refreshed in place via RegisterWorkers'
// idempotent Register call. It does not touch workers that have been
// removed from the roster — operators drain and then admin-disable those
// explicitly rather than have a reload silently evict in-flight builds.
func (d *Daemon) Reload(ctx context.Context, workers []types.Worker, endpoints map[string]transport.Endpoint) error {
	return d.RegisterWorkers(ctx, workers, endpoints)
}

// AdminReleaseWorker force-releases a stuck reservation administratively,
// bypassing the Coordinator pipeline (POST /release-worker).
func (d *Daemon) AdminReleaseWorker(token string) error {
	if err := d.registry.Release(token, false, time.Now()); err != nil {
		return err
	}
	d.queue.NotifyRelease()
	return nil
}

// SetWorkerAdmin enables, disables, or drains a worker administratively.
func (d *Daemon) SetWorkerAdmin(id string, flag types.AdminFlag) error {
	if flag == types.AdminDraining {
		return d.registry.Drain(id)
	}
	return d.registry.SetAdmin(id, flag)
}

// Snapshot returns a consistent view of the fleet for GET /status.
func (d *Daemon) Snapshot() []registry.WorkerView {
	return d.registry.Snapshot()
}

// InFlightBuild is one build currently running under the Coordinator,
// reported by GET /status alongside the fleet snapshot.
type InFlightBuild struct {
	Token         string
	WorkerID      string
	ReservationID string
}

// InFlightBuilds lists every build whose Coordinator pipeline has not yet
// returned.
func (d *Daemon) InFlightBuilds() []InFlightBuild {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]InFlightBuild, 0, len(d.pending))
	for token, pb := range d.pending {
		out = append(out, InFlightBuild{Token: token, WorkerID: pb.workerID, ReservationID: pb.reservation})
	}
	return out
}

// SelectWorker reports which worker Selection would currently pick for a
// given project fingerprint, without reserving a slot (GET /select-worker,
// a read-only dry-run query).
func (d *Daemon) SelectWorker(fp string) (registry.WorkerView, bool) {
	views := d.registry.Snapshot()
	eligible := selector.Eligible(views, d.preflight.Failed())
	id := d.strategy.Pick(eligible, fp, time.Now())
	if id == "" {
		return registry.WorkerView{}, false
	}
	return d.registry.Get(id)
}

// Events exposes the bus so the API layer can serve GET /events.
func (d *Daemon) Events() *events.Broker {
	return d.events
}

// RecentHistory returns the most recent n recorded builds.
func (d *Daemon) RecentHistory(n int) ([]types.Build, error) {
	return d.history.Recent(n)
}

// QueueDepth reports the number of waiters currently parked in the queue.
func (d *Daemon) QueueDepth() int {
	return d.queue.Depth()
}

// Budget reports the daemon's global concurrency budget for GET /budget.
type Budget struct {
	MaxConcurrentBuilds int64
	QueueDepth          int
}

// Budget reports how much of the global build-concurrency budget is
// available right now.
func (d *Daemon) Budget() Budget {
	return Budget{
		MaxConcurrentBuilds: d.cfg.MaxConcurrentBuilds,
		QueueDepth:          d.queue.Depth(),
	}
}

// Shutdown stops health probing and the event bus, canceling any builds
// still running after GracefulShutdownGrace elapses.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shuttingDown = true
	pending := make([]*pendingBuild, 0, len(d.pending))
	for _, pb := range d.pending {
		pending = append(pending, pb)
	}
	d.mu.Unlock()

	d.prober.Stop()
	d.speed.Stop()

	grace := d.cfg.GracefulShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	waitAll := make(chan struct{})
	go func() {
		for _, pb := range pending {
			<-pb.done
		}
		close(waitAll)
	}()

	select {
	case <-waitAll:
	case <-timer.C:
		for _, pb := range pending {
			pb.cancel()
		}
		<-waitAll
	case <-ctx.Done():
		for _, pb := range pending {
			pb.cancel()
		}
	}

	d.events.Stop()
	return d.history.Close()
}
