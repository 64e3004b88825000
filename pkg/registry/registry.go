package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/internal/rcherr"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/metrics"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// entry is the Registry's private bookkeeping for one worker. The exported
// snapshot types never alias this struct directly.
type entry struct {
	worker      types.Worker
	health      types.WorkerHealth
	circuit     types.CircuitState
	speed       types.SpeedScore
	usedSlots   int
	lastBuildAt map[string]time.Time // project fingerprint -> last successful build
}

// EventPublisher is the narrow slice of the event bus the registry depends
// on; satisfied by *events.Broker.
type EventPublisher interface {
	Publish(kind string, fields map[string]any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any) {}

// Registry owns all mutable worker state: config, health, circuit, slots.
type Registry struct {
	mu         sync.RWMutex
	workers    map[string]*entry
	circuitCfg CircuitConfig
	logger     zerolog.Logger
	events     EventPublisher

	// tokens maps an opaque reservation token to its reservation record.
	tokens map[string]*types.Reservation
}

// New creates an empty Registry.
func New(circuitCfg CircuitConfig) *Registry {
	return &Registry{
		workers:    make(map[string]*entry),
		circuitCfg: circuitCfg,
		logger:     log.WithComponent("registry"),
		events:     nopPublisher{},
		tokens:     make(map[string]*types.Reservation),
	}
}

// SetEventPublisher wires a bus to receive health:changed and
// circuit:changed events. Not required; a Registry with no publisher set
// simply doesn't emit them.
func (r *Registry) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = nopPublisher{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = p
}

// Register adds or replaces a worker's static configuration. Total slots
// are immutable once a worker has in-flight reservations.
func (r *Registry) Register(w types.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[w.ID]; ok && existing.usedSlots > 0 && existing.worker.TotalSlots != w.TotalSlots {
		return rcherr.New(rcherr.CodeConfigInvalidWorker, "cannot change total_slots on a worker with in-flight reservations").
			WithContext("worker_id", w.ID)
	}

	if w.Admin == "" {
		w.Admin = types.AdminEnabled
	}
	if existing, ok := r.workers[w.ID]; ok {
		existing.worker = w
		return nil
	}
	r.workers[w.ID] = &entry{
		worker:      w,
		health:      types.WorkerHealth{Status: types.Unknown},
		circuit:     newCircuit(),
		speed:       types.SpeedScore{Value: 50},
		lastBuildAt: make(map[string]time.Time),
	}
	return nil
}

// UpdateStatus applies a health-probe outcome to a worker (driven by C3).
func (r *Registry) UpdateStatus(id string, status types.HealthStatus, errMsg string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return rcherr.New(rcherr.CodeWorkerUnknown, "unknown worker").WithContext("worker_id", id)
	}

	prevStatus := e.health.Status
	prevPhase := e.circuit.Phase

	switch status {
	case types.Healthy:
		e.circuit = recordSuccess(e.circuit)
	case types.Unreachable:
		e.circuit = recordFailure(e.circuit, r.circuitCfg, now)
	}

	e.health.Status = status
	e.health.LastProbeAt = now
	e.health.LastError = errMsg
	if status == types.Unreachable {
		e.health.ConsecutiveFailures++
	} else {
		e.health.ConsecutiveFailures = 0
	}

	metrics.CircuitState.WithLabelValues(id).Set(circuitMetricValue(e.circuit.Phase))
	if status != prevStatus {
		r.events.Publish("health:changed", map[string]any{"worker_id": id, "status": string(status)})
	}
	if e.circuit.Phase != prevPhase {
		r.events.Publish("circuit:changed", map[string]any{"worker_id": id, "phase": string(e.circuit.Phase)})
	}
	return nil
}

// RecordBuildOutcome feeds a build's success/failure into the circuit,
// independent of health probes (§4.3: "driven by C3 and C6").
func (r *Registry) RecordBuildOutcome(id string, success bool, projectFingerprint string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return
	}
	prevPhase := e.circuit.Phase
	if success {
		e.circuit = recordSuccess(e.circuit)
		if projectFingerprint != "" {
			e.lastBuildAt[projectFingerprint] = now
		}
	} else {
		e.circuit = recordFailure(e.circuit, r.circuitCfg, now)
	}
	metrics.CircuitState.WithLabelValues(id).Set(circuitMetricValue(e.circuit.Phase))
	if e.circuit.Phase != prevPhase {
		r.events.Publish("circuit:changed", map[string]any{"worker_id": id, "phase": string(e.circuit.Phase)})
	}
}

func circuitMetricValue(p types.CircuitPhase) float64 {
	switch p {
	case types.CircuitHalfOpen:
		return 1
	case types.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// FullError is returned by Reserve when no slot can be admitted on this worker.
type FullError struct {
	WorkerID string
	Reason   string
}

func (e *FullError) Error() string {
	return "worker " + e.WorkerID + " has no free slot: " + e.Reason
}

// Reserve attempts to claim one slot on worker id, returning an opaque
// token on success. Admission requires Healthy|Degraded status, a
// non-Open circuit, admin-enabled, and a free slot (§4.2 invariant ii).
func (r *Registry) Reserve(id, projectFingerprint string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return "", rcherr.New(rcherr.CodeWorkerUnknown, "unknown worker").WithContext("worker_id", id)
	}
	if e.worker.Admin != types.AdminEnabled {
		return "", &FullError{WorkerID: id, Reason: "admin_" + string(e.worker.Admin)}
	}
	if e.health.Status != types.Healthy && e.health.Status != types.Degraded {
		return "", &FullError{WorkerID: id, Reason: "unhealthy"}
	}

	newCircuit, admitted := admitsReservation(e.circuit, now)
	e.circuit = newCircuit
	if !admitted {
		metrics.CircuitState.WithLabelValues(id).Set(circuitMetricValue(e.circuit.Phase))
		return "", &FullError{WorkerID: id, Reason: "circuit_open"}
	}
	if e.usedSlots >= e.worker.TotalSlots {
		// Undo the HalfOpen admission flag we just set; we never got to use it.
		if e.circuit.Phase == types.CircuitHalfOpen {
			e.circuit.HalfOpenInFlight = false
		}
		return "", &FullError{WorkerID: id, Reason: "no_free_slot"}
	}

	e.usedSlots++
	token := uuid.NewString()
	r.tokens[token] = &types.Reservation{
		ID:                 token,
		WorkerID:           id,
		ProjectFingerprint: projectFingerprint,
		CreatedAt:          now,
		State:              types.ReservationHeld,
	}
	metrics.SlotsInUse.WithLabelValues(id).Set(float64(e.usedSlots))
	return token, nil
}

// MarkRunning transitions a Held reservation to Running (C6 has begun).
func (r *Registry) MarkRunning(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.tokens[token]
	if !ok {
		return rcherr.New(rcherr.CodeInternal, "unknown reservation token")
	}
	res.State = types.ReservationRunning
	return nil
}

// Release frees the slot held by token. Double-release is a no-op;
// releasing an unknown token returns an error without corrupting counts.
func (r *Registry) Release(token string, success bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.tokens[token]
	if !ok {
		return rcherr.New(rcherr.CodeInternal, "release of unknown reservation token")
	}
	if res.State == types.ReservationReleased {
		return nil // double-release is a no-op
	}

	e, ok := r.workers[res.WorkerID]
	if ok {
		prevPhase := e.circuit.Phase
		if e.usedSlots > 0 {
			e.usedSlots--
		}
		if e.circuit.Phase == types.CircuitHalfOpen {
			e.circuit.HalfOpenInFlight = false
		}
		if success {
			e.circuit = recordSuccess(e.circuit)
			if res.ProjectFingerprint != "" {
				e.lastBuildAt[res.ProjectFingerprint] = now
			}
		} else {
			e.circuit = recordFailure(e.circuit, r.circuitCfg, now)
		}
		metrics.SlotsInUse.WithLabelValues(res.WorkerID).Set(float64(e.usedSlots))
		metrics.CircuitState.WithLabelValues(res.WorkerID).Set(circuitMetricValue(e.circuit.Phase))
		if e.circuit.Phase != prevPhase {
			r.events.Publish("circuit:changed", map[string]any{"worker_id": res.WorkerID, "phase": string(e.circuit.Phase)})
		}
	}

	res.State = types.ReservationReleased
	return nil
}

// Drain marks a worker as draining: no new reservations admitted, but
// in-flight ones may complete. The caller should poll UsedSlots to learn
// when the worker has reached zero and can be considered Drained.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return rcherr.New(rcherr.CodeWorkerUnknown, "unknown worker").WithContext("worker_id", id)
	}
	e.worker.Admin = types.AdminDraining
	if e.usedSlots == 0 {
		e.health.Status = types.Drained
	} else {
		e.health.Status = types.Draining
	}
	return nil
}

// SetAdmin enables or disables a worker administratively.
func (r *Registry) SetAdmin(id string, flag types.AdminFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return rcherr.New(rcherr.CodeWorkerUnknown, "unknown worker").WithContext("worker_id", id)
	}
	e.worker.Admin = flag
	return nil
}

// WorkerView is a read-only snapshot of one worker's full state.
type WorkerView struct {
	Worker       types.Worker
	Health       types.WorkerHealth
	Circuit      types.CircuitState
	Speed        types.SpeedScore
	UsedSlots    int
	FreeSlots    int
	LastBuildAt  map[string]time.Time
}

// Snapshot returns a consistent point-in-time view of every worker,
// taken under a single read lock.
func (r *Registry) Snapshot() []WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerView, 0, len(r.workers))
	for _, e := range r.workers {
		lastBuild := make(map[string]time.Time, len(e.lastBuildAt))
		for k, v := range e.lastBuildAt {
			lastBuild[k] = v
		}
		out = append(out, WorkerView{
			Worker:      e.worker,
			Health:      e.health,
			Circuit:     e.circuit,
			Speed:       e.speed,
			UsedSlots:   e.usedSlots,
			FreeSlots:   e.worker.TotalSlots - e.usedSlots,
			LastBuildAt: lastBuild,
		})
	}
	return out
}

// Get returns a single worker's view.
func (r *Registry) Get(id string) (WorkerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return WorkerView{}, false
	}
	return WorkerView{
		Worker: e.worker, Health: e.health, Circuit: e.circuit,
		Speed: e.speed, UsedSlots: e.usedSlots, FreeSlots: e.worker.TotalSlots - e.usedSlots,
	}, true
}

// SetSpeedScore updates a worker's telemetry-derived speed score.
func (r *Registry) SetSpeedScore(id string, score types.SpeedScore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		e.speed = score
	}
}

// UsedSlots reports a single worker's current reservation count.
func (r *Registry) UsedSlots(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.workers[id]; ok {
		return e.usedSlots
	}
	return 0
}
