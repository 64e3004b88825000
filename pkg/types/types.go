// Package types holds the shared data model for the dispatch control
// plane: workers, their health and circuit state, reservations, builds,
// and command classifications. Registry, Selector, Queue, Coordinator,
// and Events all operate on these shapes rather than owning private
// copies of them.
package types

import "time"

// AdminFlag is the administrative state of a worker.
type AdminFlag string

const (
	AdminEnabled  AdminFlag = "enabled"
	AdminDisabled AdminFlag = "disabled"
	AdminDraining AdminFlag = "draining"
)

// Worker is the static configuration of one remote build worker.
type Worker struct {
	ID           string
	Host         string
	User         string
	IdentityFile string
	TotalSlots   int
	Priority     int
	Tags         map[string]struct{}
	Admin        AdminFlag
}

// HasTag reports whether the worker carries the given capability tag.
func (w *Worker) HasTag(tag string) bool {
	_, ok := w.Tags[tag]
	return ok
}

// HealthStatus is one of the lifecycle states a worker's health can be in.
type HealthStatus string

const (
	Healthy     HealthStatus = "healthy"
	Degraded    HealthStatus = "degraded"
	Unreachable HealthStatus = "unreachable"
	Unknown     HealthStatus = "unknown"
	Draining    HealthStatus = "draining"
	Drained     HealthStatus = "drained"
	Disabled    HealthStatus = "disabled"
)

// WorkerHealth is the Prober's view of one worker.
type WorkerHealth struct {
	Status              HealthStatus
	LastProbeAt         time.Time
	ConsecutiveFailures int
	LastError           string
}

// CircuitPhase is one state of the per-worker circuit breaker.
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitHalfOpen CircuitPhase = "half_open"
	CircuitOpen     CircuitPhase = "open"
)

// CircuitState tracks the breaker for one worker.
type CircuitState struct {
	Phase          CircuitPhase
	FailureCount   int
	OpenSince      time.Time
	CooldownUntil  time.Time
	Retries        int
	HalfOpenInFlight bool
}

// SpeedScore is a 0-100 telemetry-derived ranking for a worker.
type SpeedScore struct {
	Value       int
	SampledAt   time.Time
	SampleCount int
}

// ReservationState is the lifecycle of a reservation.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationRunning  ReservationState = "running"
	ReservationReleased ReservationState = "released"
)

// Reservation is an ephemeral claim on one slot of one worker.
type Reservation struct {
	ID                string
	WorkerID          string
	ProjectFingerprint string
	CreatedAt         time.Time
	State             ReservationState
}

// BuildOutcome is the terminal state of a Build.
type BuildOutcome string

const (
	BuildSuccess            BuildOutcome = "success"
	BuildFailureRemote      BuildOutcome = "failure_remote"
	BuildFailureLocalFallback BuildOutcome = "failure_local_fallback"
	BuildCanceled           BuildOutcome = "canceled"
)

// Build is one append-only build history record.
type Build struct {
	ID            string
	ReservationID string
	WorkerID      string
	Command       string
	ProjectRoot   string
	StartedAt     time.Time
	FinishedAt    time.Time
	ExitCode      int
	BytesTransferred int64
	Outcome       BuildOutcome
}

// Decision is the classifier's verdict for a command.
type Decision string

const (
	DecisionPassThrough        Decision = "pass_through"
	DecisionReject             Decision = "reject"
	DecisionIntercept          Decision = "intercept"
	DecisionInterceptRewritten Decision = "intercept_rewritten"
)

// SubCommand is one independently classified segment of a chained command
// (split on &&, ||, ;) that the classifier decided to intercept. Each
// sub-command is dispatched as its own build rather than being merged into
// a single remote argv.
type SubCommand struct {
	Tokens []string
}

// CommandClassification is the classifier's output for one candidate command.
//
// For a chained command (`a && b`), Tokens is left empty and SubCommands
// carries one entry per intercepted segment, in the order they appeared;
// callers must run each independently. For a single command, SubCommands
// is empty and Tokens carries the one argv to run.
type CommandClassification struct {
	Tier        int
	Decision    Decision
	Confidence  float64
	Reason      string
	Tokens      []string
	SubCommands []SubCommand
}
