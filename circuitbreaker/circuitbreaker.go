package circuitbreaker

import (
	"errors"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/notifier"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests allowed
	StateOpen                  // Circuit tripped, requests blocked
	StateHalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name            string
	state           State
	failures        int           // consecutive failures
	threshold       int           // failures before opening
	cooldown        time.Duration // how long to stay open
	halfOpenTimeout time.Duration // max time to wait in half-open state
	openedAt        time.Time     // last failure while open
	halfOpenStart   time.Time     // when half-open state began
	now             func() time.Time
	mu              sync.RWMutex
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Name for logging
	Threshold       int           // Number of consecutive failures before opening
	Cooldown        time.Duration // How long to stay open before testing
	HalfOpenTimeout time.Duration // Max time to wait in half-open state before resetting to open
	Now             func() time.Time
}

// Snapshot is a point-in-time view of the breaker for status endpoints
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	RetryIn     string    `json:"retryIn,omitempty"`
}

// New creates a new circuit breaker
func New(cfg Config) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 // default: 5 consecutive failures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute // default: 5 minute cooldown
	}
	if cfg.HalfOpenTimeout <= 0 {
		cfg.HalfOpenTimeout = 30 * time.Second // default: 30 second half-open timeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		state:           StateClosed,
		threshold:       cfg.Threshold,
		cooldown:        cfg.Cooldown,
		halfOpenTimeout: cfg.HalfOpenTimeout,
		now:             cfg.Now,
	}
}

// transition moves to the given state and emits the matching event. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		log.Warnf("%s %s, %s -> OPEN (cooldown: %v)", logcolors.CircuitBreakerPrefix(cb.name), reason, from, cb.cooldown)
		notifier.PublishCircuitBreakerOpen(cb.name, cb.failures, cb.cooldown)
	case StateHalfOpen:
		cb.halfOpenStart = cb.now()
		log.Infof("%s %s, %s -> HALF-OPEN", logcolors.CircuitBreakerPrefix(cb.name), reason, from)
	case StateClosed:
		cb.failures = 0
		log.Infof("%s %s, %s -> CLOSED", logcolors.CircuitBreakerPrefix(cb.name), reason, from)
		if from == StateHalfOpen {
			notifier.PublishCircuitBreakerRecovered(cb.name)
		}
	}
}

// Allow checks if a request should be allowed
// Returns true if the request can proceed, false if blocked
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.transition(StateHalfOpen, "Cooldown passed")
			return true // the single trial request
		}
		return false

	case StateHalfOpen:
		// Only the trial is allowed; a trial that never reports back reopens the circuit
		if cb.now().Sub(cb.halfOpenStart) >= cb.halfOpenTimeout {
			cb.transition(StateOpen, "Trial timed out")
		}
		return false

	default:
		return true
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateClosed, "Trial succeeded")
	case StateClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen, "Trial failed")

	case StateOpen:
		cb.openedAt = cb.now()

	case StateClosed:
		// Warn at 60% of threshold
		warningThreshold := max((cb.threshold*3)/5, 2)
		if cb.failures == warningThreshold && cb.failures < cb.threshold {
			notifier.PublishHighFailureRate(cb.name, cb.failures, cb.threshold)
		}
		if cb.failures >= cb.threshold {
			cb.transition(StateOpen, "Threshold reached")
		}
	}
}

// Do runs fn if the circuit allows it and records the outcome. isFailure decides
// which errors count against the circuit; nil treats every error as a failure.
func (cb *CircuitBreaker) Do(fn func() error, isFailure func(error) bool) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Threshold returns the configured failure threshold
func (cb *CircuitBreaker) Threshold() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.threshold
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.openedAt = time.Time{}
	cb.halfOpenStart = time.Time{}
	log.Infof("%s Manually reset to CLOSED", logcolors.CircuitBreakerPrefix(cb.name))
}

// TimeUntilRetry returns how long until the circuit will try again
// For OPEN state: returns remaining cooldown time
// For HALF-OPEN state: returns remaining timeout until reset to OPEN
// Returns 0 if circuit is closed
func (cb *CircuitBreaker) TimeUntilRetry() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.timeUntilRetry()
}

func (cb *CircuitBreaker) timeUntilRetry() time.Duration {
	var remaining time.Duration
	switch cb.state {
	case StateOpen:
		remaining = cb.cooldown - cb.now().Sub(cb.openedAt)
	case StateHalfOpen:
		remaining = cb.halfOpenTimeout - cb.now().Sub(cb.halfOpenStart)
	}
	return max(remaining, 0)
}

// Snapshot returns the breaker's current status
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Snapshot{
		Name:      cb.name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Threshold: cb.threshold,
	}
	if cb.state != StateClosed {
		s.LastFailure = cb.openedAt
		s.RetryIn = cb.timeUntilRetry().Round(time.Second).String()
	}
	return s
}
