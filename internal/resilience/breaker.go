package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time to wait before half-open
	SuccessThreshold int           // successes in half-open needed to close
}

// DefaultConfig matches the thresholds used for action handlers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a circuit breaker guarding one action type. Repeated handler
// failures open the circuit so a broken upstream fails fast instead of
// burning the step timeout on every attempt.
type Breaker struct {
	config Config
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		config: cfg,
		state:  StateClosed,
		logger: logger,
	}
}

// Allow reports whether a call may proceed, transitioning to half-open after
// the recovery timeout.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess feeds a successful call into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.logger.Info("Circuit breaker closed")
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure feeds a failed call into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("Circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
			)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		b.logger.Warn("Circuit breaker reopened in half-open state")
	}
}

// CurrentState returns the breaker's state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one breaker per action type.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewRegistry creates a breaker registry with a shared config.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// For returns the breaker for an action type, creating it on first use.
func (r *Registry) For(actionType string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[actionType]; ok {
		return b
	}
	b := NewBreaker(r.config, r.logger.With(zap.String("action_type", actionType)))
	r.breakers[actionType] = b
	return b
}
