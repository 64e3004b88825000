package registry

import (
	"math/rand"
	"time"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// CircuitConfig controls the breaker thresholds (§4.3).
type CircuitConfig struct {
	// FailureThreshold is N consecutive failures before Closed -> Open.
	FailureThreshold int
	// BaseCooldown is the cooldown for the first trip.
	BaseCooldown time.Duration
	// MaxCooldown caps the exponential backoff.
	MaxCooldown time.Duration
	// Jitter is the fractional jitter applied to cooldown, e.g. 0.2 for ±20%.
	Jitter float64
}

// DefaultCircuitConfig matches the spec defaults: N=3, jitter in [0.8x, 1.2x].
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 3,
		BaseCooldown:     10 * time.Second,
		MaxCooldown:      5 * time.Minute,
		Jitter:           0.2,
	}
}

// newCircuit returns a breaker starting Closed.
func newCircuit() types.CircuitState {
	return types.CircuitState{Phase: types.CircuitClosed}
}

// recordFailure applies one failure tick to the circuit and returns the
// updated state. now is threaded explicitly so tests can control time.
func recordFailure(cs types.CircuitState, cfg CircuitConfig, now time.Time) types.CircuitState {
	switch cs.Phase {
	case types.CircuitHalfOpen:
		// HalfOpen -> Open on next failure; doubles the cooldown up to the ceiling.
		cs.Retries++
		cs.Phase = types.CircuitOpen
		cs.OpenSince = now
		cs.CooldownUntil = now.Add(backoff(cfg, cs.Retries))
		cs.HalfOpenInFlight = false
		cs.FailureCount++
		return cs
	case types.CircuitOpen:
		cs.FailureCount++
		return cs
	default: // Closed
		cs.FailureCount++
		if cs.FailureCount >= cfg.FailureThreshold {
			cs.Phase = types.CircuitOpen
			cs.OpenSince = now
			cs.Retries = 1
			cs.CooldownUntil = now.Add(backoff(cfg, cs.Retries))
		}
		return cs
	}
}

// recordSuccess applies one success to the circuit.
func recordSuccess(cs types.CircuitState) types.CircuitState {
	switch cs.Phase {
	case types.CircuitHalfOpen:
		return newCircuit() // HalfOpen -> Closed
	case types.CircuitOpen:
		return cs // a success while Open (e.g. a probe) leaves it Open; Reserve advances it after the cooldown
	default:
		cs.FailureCount = 0
		return cs
	}
}

// admitsReservation reports whether the circuit allows a new reservation,
// advancing Open -> HalfOpen first if the cooldown has elapsed. It returns
// the (possibly advanced) state and whether admission is allowed.
func admitsReservation(cs types.CircuitState, now time.Time) (types.CircuitState, bool) {
	switch cs.Phase {
	case types.CircuitClosed:
		return cs, true
	case types.CircuitOpen:
		if !now.Before(cs.CooldownUntil) {
			cs.Phase = types.CircuitHalfOpen
			cs.HalfOpenInFlight = true // this admission is the one HalfOpen allows
			return cs, true
		}
		return cs, false
	case types.CircuitHalfOpen:
		if cs.HalfOpenInFlight {
			return cs, false // at most one concurrent reservation while HalfOpen
		}
		cs.HalfOpenInFlight = true
		return cs, true
	default:
		return cs, false
	}
}

func backoff(cfg CircuitConfig, retries int) time.Duration {
	d := cfg.BaseCooldown
	for i := 1; i < retries; i++ {
		d *= 2
		if d > cfg.MaxCooldown {
			d = cfg.MaxCooldown
			break
		}
	}
	jitterFrac := 1.0 + (rand.Float64()*2-1)*cfg.Jitter // in [1-j, 1+j]
	return time.Duration(float64(d) * jitterFrac)
}
