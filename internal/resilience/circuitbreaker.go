// Package resilience provides the circuit breaker guarding the bridge's
// outbound dependencies: the realtime WebSocket dial and the telephony REST
// API. When a dependency keeps failing, new calls fail fast with
// [ErrCircuitOpen] instead of each waiting for its own timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without trying
// it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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
	// Name is used in log messages and wrapped errors (e.g. "realtime-dial").
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close again.
	// Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the dependency.
	// Default: every error except context cancellation, which means the
	// caller gave up rather than the dependency failing.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
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
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it and records the outcome.
// Rejected calls return an error wrapping [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(trial, err)
	return err
}

// Call is [CircuitBreaker.Execute] for functions that also return a value.
func Call[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// allow decides whether a call may proceed and reports whether it is a
// half-open trial.
func (cb *CircuitBreaker) allow() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		fallthrough

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(from, cb.State())
			return false, fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.halfOpenCalls++
		to := cb.state
		cb.mu.Unlock()
		cb.notify(from, to)
		return true, nil
	}

	cb.mu.Unlock()
	return false, nil
}

// record applies the outcome of a call that allow let through.
func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	failed := err != nil && cb.isFailure(err)

	switch {
	case trial && failed:
		cb.trip()
	case trial && err == nil:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax && cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.consecutiveFail = 0
		}
	case trial:
		// Ignored error during a trial: release the trial slot.
		cb.halfOpenCalls--
	case failed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
			cb.trip()
		}
	case err == nil:
		cb.consecutiveFail = 0
	}

	to := cb.state
	fails := cb.consecutiveFail
	cb.mu.Unlock()

	if from != to {
		switch to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", fails, "err", err)
		case StateClosed:
			slog.Info("circuit breaker closed after successful trials", "name", cb.name)
		}
	}
	cb.notify(from, to)
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.consecutiveFail = cb.maxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify(from, StateClosed)
}
