package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned, wrapped, when a request is rejected without running.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail fast
	StateHalfOpen              // a few trial requests pass
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

type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold"`      // Consecutive failures before opening
	SuccessThreshold    int           `yaml:"success_threshold"`      // Half-open successes needed to close
	Timeout             time.Duration `yaml:"timeout"`                // Open duration before half-open
	MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"` // Trial requests allowed while half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

// CircuitBreaker stops calling a failing dependency for Config.Timeout after
// FailureThreshold consecutive failures, then lets a few trial requests decide
// whether to close again.
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time
	onStateChange    func(from, to State)
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers fn, called on its own goroutine for every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker rejects the request. Failures of fn are
// wrapped; rejections wrap ErrOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state, ok := cb.allow(); !ok {
		return fmt.Errorf("%w: state %s, request rejected", ErrOpen, state)
	}

	if err := fn(); err != nil {
		cb.record(false)
		return fmt.Errorf("circuit breaker execution failed: %w", err)
	}
	cb.record(true)
	return nil
}

func (cb *CircuitBreaker) allow() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.stateChangeTime) < cb.config.Timeout {
			return cb.state, false
		}
		cb.transitionTo(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenRequests >= max(cb.config.MaxRequestsHalfOpen, 1) {
			return cb.state, false
		}
		cb.halfOpenRequests++
	}
	return cb.state, true
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.successCount++
		cb.failureCount = 0
		if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
		return
	}

	cb.failureCount++
	cb.successCount = 0
	cb.lastFailureTime = time.Now()
	switch {
	case cb.state == StateHalfOpen:
		cb.transitionTo(StateOpen)
	case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
		cb.transitionTo(StateOpen)
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChangeTime = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}
