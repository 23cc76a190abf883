// Package resilience holds the failure handling shared by the index layer:
// retried scope writes, a breaker in front of optional dependencies and a
// deadline wrapper for queries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling a dependency the breaker
// considers down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
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

// CircuitBreakerConfig tunes a CircuitBreaker. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Default 5.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before letting a trial call through.
	// Default 30s.
	ResetTimeout time.Duration
	// HalfOpenCalls is how many calls may run while half-open. Default 1.
	HalfOpenCalls int
	// Trips decides whether an error counts against the dependency. By
	// default every error does except the caller's own cancellation.
	Trips func(error) bool
	// OnStateChange observes every transition, e.g. to export a gauge.
	OnStateChange func(name string, to State)
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker stops calling a dependency after repeated failures and
// lets a limited number of trial calls through once ResetTimeout has passed.
//
// Every admitted call carries the generation it was admitted in; a result
// that arrives after the circuit moved on is ignored, so one slow call
// cannot reopen a circuit that a newer trial call already closed.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int
	openedAt   time.Time
	trials     int
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenCalls <= 0 {
		cfg.HalfOpenCalls = 1
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Call runs fn unless the circuit is open or ctx is already done.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(gen, err)
	return err
}

// Execute is Call for functions that do not take a context.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.Call(context.Background(), func(context.Context) error { return fn() })
}

// GetState reports the state as of the last call; an open circuit whose
// timeout has passed still reads as open until a call tries it.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call made now would reach the dependency,
// without using up a trial call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
	case StateHalfOpen:
		return cb.trials < cb.cfg.HalfOpenCalls
	default:
		return true
	}
}

// Reset closes the circuit and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
	cb.logger.Info("circuit reset")
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		wait := cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt)
		if wait > 0 {
			return 0, fmt.Errorf("%w: %s (retry in %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
		}
		cb.moveTo(StateHalfOpen)
		cb.logger.Info("circuit half-open, letting a trial call through")
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenCalls {
			return 0, fmt.Errorf("%w: %s (trial call in flight)", ErrCircuitOpen, cb.name)
		}
		cb.trials++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) record(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.generation {
		return
	}
	if err == nil || !cb.cfg.Trips(err) {
		if cb.state == StateHalfOpen {
			cb.moveTo(StateClosed)
			cb.logger.Info("circuit closed, dependency recovered")
		}
		cb.failures = 0
		return
	}
	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.moveTo(StateOpen)
		cb.logger.Warn("trial call failed, circuit reopened", "error", err)
	case cb.failures >= cb.cfg.FailureThreshold:
		cb.moveTo(StateOpen)
		cb.logger.Warn("circuit opened", "failures", cb.cfg.FailureThreshold, "error", err)
	}
}

// moveTo starts a new generation. Callers hold mu.
func (cb *CircuitBreaker) moveTo(to State) {
	cb.generation++
	cb.failures = 0
	cb.trials = 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, to)
	}
}
