package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/utils"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker stops calling a platform after consecutive failures and
// lets probe calls through once the cooldown has passed.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	halfOpenMax int
	isFailure   func(error) bool
	clock       clock.Clock

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

type CircuitBreakerConfig struct {
	MaxFailures int
	Cooldown    time.Duration
	HalfOpenMax int
	// IsFailure decides which errors count against the breaker. Nil counts all.
	IsFailure func(error) bool
	Clock     clock.Clock
}

func CreateCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		halfOpenMax: cfg.HalfOpenMax,
		isFailure:   cfg.IsFailure,
		clock:       cfg.Clock,
		state:       CircuitClosed,
	}
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastFailure) < cb.cooldown {
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
		return true
	case CircuitHalfOpen:
		return cb.successes < cb.halfOpenMax
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (cb.isFailure == nil || cb.isFailure(err)) {
		cb.failures++
		cb.lastFailure = cb.clock.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.failures = 0
	cb.successes = 0

	utils.Warn(context.Background(), "Circuit breaker state changed", map[string]interface{}{
		"breaker": cb.name,
		"from":    from.String(),
		"to":      state.String(),
	})
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
