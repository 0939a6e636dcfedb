// Package resilience protects the kiosk's request/response collaborators
// (language models, the synthesis provider's HTTP endpoints) from transient
// and persistent failures.
//
// Three primitives are provided:
//
//   - [Retry] re-runs an idempotent call a fixed number of times with a
//     fixed delay. It is used only for non-streaming HTTP calls; a streaming
//     synthesis session is never retried.
//   - [CircuitBreaker] is a closed → open → half-open breaker that stops
//     hammering a backend that keeps failing.
//   - [FallbackGroup] tries a primary and its fallbacks in order, each behind
//     its own breaker. [LLMFallback] applies it to language models.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a breaker. Zero config fields take defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker allows it. Errors caused by ctx being
// cancelled are returned but not counted as backend failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(probe)
		return err
	}
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeSuccesses = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, nil
}

// release returns an unused probe slot.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && probe:
		cb.open()
	case err != nil:
		cb.consecutiveFail++
		if cb.state == StateClosed && cb.consecutiveFail >= cb.cfg.MaxFailures {
			cb.open()
		}
	case probe:
		cb.probeSuccesses++
		if cb.state == StateHalfOpen && cb.probeSuccesses >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
		}
	default:
		cb.consecutiveFail = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// open trips the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.probes = 0
	cb.probeSuccesses = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	slog.Info("circuit breaker state change", "name", cb.cfg.Name, "from", from, "to", to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
