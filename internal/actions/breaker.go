package actions

import (
	"sync"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-action circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial call is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	trialInFlight       bool
}

// Breakers stops dispatching an action after repeated failures so a broken
// LLM command or MCP server does not slow every hook event down.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set. Zero config fields take the defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when the action may run, or a CIRCUIT_OPEN error.
func (b *Breakers) Allow(action string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(action)

	switch cb.state {
	case CircuitOpen:
		if b.now().Sub(cb.lastFailure) < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"action %s disabled after %d consecutive failures", action, cb.consecutiveFailures).
				WithDetails(map[string]any{
					"action":             action,
					"cooldown_remaining": (b.config.Cooldown - b.now().Sub(cb.lastFailure)).String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "action %s is being retried", action)
		}
		cb.trialInFlight = true
	}
	return nil
}

// Success closes the circuit.
func (b *Breakers) Success(action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(action)
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	cb.state = CircuitClosed
}

// Failure records a failed run and returns the resulting state.
func (b *Breakers) Failure(action string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(action)
	cb.consecutiveFailures++
	cb.lastFailure = b.now()
	cb.trialInFlight = false

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of an action's circuit.
func (b *Breakers) State(action string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(action).state
}

func (b *Breakers) get(action string) *breaker {
	cb, ok := b.breakers[action]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.breakers[action] = cb
	}
	return cb
}
