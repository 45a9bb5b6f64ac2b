// Package resilience keeps failing backends from dragging every turn down
// with them.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [Breakers] keeps one breaker per LLM provider kind and gates the chat
// router with it, so an open provider is skipped in favour of the next
// applicable one. [FallbackGroup] composes several instances of the same
// backend type, which the voiceover worker uses for its TTS providers.
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
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker, one failure opens it again.
	StateHalfOpen
)

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

// CircuitBreakerConfig holds the tuning knobs of a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// Ignore reports errors that are returned to the caller without counting
	// as a failure. By default context cancellation is ignored: a turn the
	// player cancelled says nothing about the backend's health.
	Ignore func(error) bool

	// OnStateChange, when set, is called after every transition with the
	// breaker's mutex released.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now.
	Now func() time.Time
}

func ignoreCancellation(err error) bool { return errors.Is(err, context.Canceled) }

// CircuitBreaker implements the three-state breaker.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	ignore        func(error) bool
	onStateChange func(string, State, State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker returns a closed breaker. Zero fields of cfg take their
// defaults.
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
	if cfg.Ignore == nil {
		cfg.Ignore = ignoreCancellation
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		ignore:        cfg.Ignore,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call with
// [ErrCircuitOpen]. The error of fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, from, changed, err := cb.admit()
	if changed {
		cb.notify(from, StateHalfOpen)
	}
	if err != nil {
		return err
	}

	err = fn()

	if err != nil && cb.ignore(err) {
		cb.mu.Lock()
		if probe {
			cb.probes--
		}
		cb.mu.Unlock()
		return err
	}

	cb.mu.Lock()
	before := cb.state
	if err != nil {
		cb.recordFailure(probe)
	} else {
		cb.recordSuccess(probe)
	}
	after := cb.state
	cb.mu.Unlock()

	if before != after {
		cb.notify(before, after)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, from State, changed bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, cb.state, false, ErrCircuitOpen
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeSuccesses = 0
		slog.Info("resilience: circuit breaker half-open", "name", cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, cb.state, false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, from, changed, nil
	}
	return false, from, changed, nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	cb.lastFailure = cb.now()

	if probe {
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("resilience: circuit breaker re-opened by failed probe", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("resilience: circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if !probe {
		cb.consecutiveFail = 0
		return
	}
	cb.probeSuccesses++
	if cb.probeSuccesses >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.consecutiveFail = 0
		cb.probes = 0
		cb.probeSuccesses = 0
		slog.Info("resilience: circuit breaker closed after successful probes", "name", cb.name)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Allows reports whether a call made now would be admitted.
func (cb *CircuitBreaker) Allows() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.lastFailure) >= cb.resetTimeout
	case StateHalfOpen:
		return cb.probes < cb.halfOpenMax
	}
	return true
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
	slog.Info("resilience: circuit breaker reset", "name", cb.name)
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
