// Package circuitbreaker stops hammering a ledger endpoint that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chirp-indexer/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the endpoint has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many probes are in flight in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// HalfOpenMaxCalls is the number of successful probes needed to close again
	HalfOpenMaxCalls int
	// IsFailure decides whether an error counts against the endpoint.
	// nil counts every error except context cancellation.
	IsFailure func(err error) bool
	Logger    *logging.Logger
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name             string
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int
	isFailure        func(err error) bool
	logger           *logging.Logger
	now              func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probesInFlight   int
	probeSuccesses   int
	lastStateChange  time.Time
	totalFailures    int
	totalCalls       int
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	maxFailures := config.MaxFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	halfOpen := config.HalfOpenMaxCalls
	if halfOpen < 1 {
		halfOpen = 1
	}
	return &CircuitBreaker{
		name:             config.Name,
		maxFailures:      maxFailures,
		timeout:          config.Timeout,
		halfOpenMaxCalls: halfOpen,
		isFailure:        config.IsFailure,
		logger:           logger.WithField("circuitBreaker", config.Name),
		now:              time.Now,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.afterRequest(probe, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.timeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.logger.Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.probesInFlight >= cb.halfOpenMaxCalls {
			return false, ErrTooManyRequests
		}
		cb.probesInFlight++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if probe {
		cb.probesInFlight--
	}

	if err != nil && cb.countsAsFailure(err) {
		cb.totalFailures++
		cb.consecutiveFails++
		switch cb.state {
		case StateHalfOpen:
			cb.setState(StateOpen)
			cb.logger.Warn("Circuit breaker reopened after failed probe")
		case StateClosed:
			if cb.consecutiveFails >= cb.maxFailures {
				cb.setState(StateOpen)
				cb.logger.WithFields(map[string]interface{}{
					"consecutiveFails": cb.consecutiveFails,
					"error":            err.Error(),
				}).Warn("Circuit breaker opened due to failures")
			}
		}
		return
	}

	cb.consecutiveFails = 0
	if cb.state == StateHalfOpen {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMaxCalls {
			cb.setState(StateClosed)
			cb.logger.Info("Circuit breaker closed after successful recovery")
		}
	}
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.isFailure != nil {
		return cb.isFailure(err)
	}
	return true
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
	if state == StateClosed {
		cb.consecutiveFails = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	TotalCalls       int       `json:"totalCalls"`
	TotalFailures    int       `json:"totalFailures"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &Stats{
		Name:             cb.name,
		State:            cb.state,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		ConsecutiveFails: cb.consecutiveFails,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.logger.Info("Circuit breaker manually reset")
}
