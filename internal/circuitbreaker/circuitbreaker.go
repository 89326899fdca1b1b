// Package circuitbreaker stops sending writes to a destination that keeps
// failing, until a cooldown has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting writes
	StateHalfOpen              // Probing whether the destination recovered
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

// ErrCircuitOpen is returned instead of attempting a write while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the guarded destination in logs
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int

	// Cooldown is how long the circuit stays open before a probe is allowed
	Cooldown time.Duration

	// HalfOpenProbes is the number of consecutive successful probes that close the circuit
	HalfOpenProbes int

	// OnStateChange is called when state changes
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:           name,
		MaxFailures:    5,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"consecutive_failures"`
	Rejected        int64     `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// CircuitBreaker guards calls to one destination
type CircuitBreaker struct {
	config *Config
	logger zerolog.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	probes          int
	probeInFlight   bool
	rejected        int64
	lastFailureTime time.Time
}

// New creates a new circuit breaker
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}

	return &CircuitBreaker{
		config: cfg,
		logger: logger.With().Str("component", "circuit-breaker").Str("destination", cfg.Name).Logger(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Do runs fn unless the circuit is open. Context cancellation is not counted
// as a destination failure.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.config.MaxFailures <= 0 {
		return fn(ctx)
	}

	if !cb.allow() {
		cb.logger.Debug().Msg("Write rejected by circuit breaker")
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(ctx, err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.config.Cooldown {
			cb.rejected++
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probeInFlight = true
		return true

	case StateHalfOpen:
		// One probe at a time
		if cb.probeInFlight {
			cb.rejected++
			return false
		}
		cb.probeInFlight = true
		return true

	default:
		return true
	}
}

func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false

	if err != nil && ctx.Err() != nil {
		return
	}

	if err == nil {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.probes++
			if cb.probes >= cb.config.HalfOpenProbes {
				cb.setState(StateClosed)
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.probes = 0
	if newState == StateClosed {
		cb.failures = 0
	}

	cb.logger.Info().
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Msg("Circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Rejected:        cb.rejected,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset closes the circuit and forgets past failures
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.probeInFlight = false
}
