package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(Config{
		Name:            "spotify",
		Threshold:       threshold,
		Cooldown:        cooldown,
		HalfOpenTimeout: 5 * time.Second,
		Now:             clock.Now,
	})
	return cb, clock
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{})

	if cb.threshold != 5 {
		t.Errorf("Expected default threshold 5, got %d", cb.threshold)
	}
	if cb.cooldown != 5*time.Minute {
		t.Errorf("Expected default cooldown 5m, got %v", cb.cooldown)
	}
	if cb.halfOpenTimeout != 30*time.Second {
		t.Errorf("Expected default halfOpenTimeout 30s, got %v", cb.halfOpenTimeout)
	}
	if cb.name != "default" {
		t.Errorf("Expected default name 'default', got %q", cb.name)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected initial state CLOSED, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("Expected CLOSED below threshold, got %s", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("Expected OPEN at threshold, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected Allow() to return false while OPEN")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	if cb.Failures() != 0 {
		t.Errorf("Expected failures reset to 0, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenCycle(t *testing.T) {
	tests := []struct {
		name       string
		trial      func(cb *CircuitBreaker)
		finalState State
	}{
		{"Trial succeeds", (*CircuitBreaker).RecordSuccess, StateClosed},
		{"Trial fails", (*CircuitBreaker).RecordFailure, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, time.Minute)
			cb.RecordFailure()

			clock.Advance(59 * time.Second)
			if cb.Allow() {
				t.Fatal("Expected requests blocked before cooldown")
			}

			clock.Advance(time.Second)
			if !cb.Allow() {
				t.Fatal("Expected trial request after cooldown")
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("Expected HALF-OPEN, got %s", cb.State())
			}
			if cb.Allow() {
				t.Error("Expected only one trial in HALF-OPEN")
			}

			tt.trial(cb)
			if cb.State() != tt.finalState {
				t.Errorf("Expected %s after trial, got %s", tt.finalState, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenTimeout(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)
	cb.RecordFailure()
	clock.Advance(time.Minute)
	cb.Allow()

	clock.Advance(5 * time.Second)
	if cb.Allow() {
		t.Error("Expected request blocked after trial timeout")
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected OPEN after trial timeout, got %s", cb.State())
	}
	if got := cb.TimeUntilRetry(); got != time.Minute {
		t.Errorf("Expected a fresh cooldown of 1m, got %v", got)
	}
}

func TestCircuitBreaker_TimeUntilRetry(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	if cb.TimeUntilRetry() != 0 {
		t.Error("Expected 0 while CLOSED")
	}

	cb.RecordFailure()
	clock.Advance(20 * time.Second)
	if got := cb.TimeUntilRetry(); got != 40*time.Second {
		t.Errorf("Expected 40s remaining, got %v", got)
	}

	clock.Advance(2 * time.Minute)
	if cb.TimeUntilRetry() != 0 {
		t.Error("Expected 0 once cooldown has elapsed")
	}
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	errServer := errors.New("502")
	errClient := errors.New("404")
	onlyServer := func(err error) bool { return errors.Is(err, errServer) }

	if err := cb.Do(func() error { return errClient }, onlyServer); !errors.Is(err, errClient) {
		t.Errorf("Expected client error passed through, got %v", err)
	}
	if cb.Failures() != 0 {
		t.Errorf("Client errors must not count as failures, got %d", cb.Failures())
	}

	cb.Do(func() error { return errServer }, onlyServer)
	cb.Do(func() error { return errServer }, onlyServer)

	called := false
	err := cb.Do(func() error { called = true; return nil }, onlyServer)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while OPEN")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	cb.RecordFailure()

	cb.Reset()

	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Errorf("Expected CLOSED with 0 failures after reset, got %s/%d", cb.State(), cb.Failures())
	}
	if !cb.Allow() {
		t.Error("Expected Allow() after reset")
	}
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	s := cb.Snapshot()
	if s.State != "CLOSED" || s.RetryIn != "" {
		t.Errorf("Unexpected closed snapshot: %+v", s)
	}

	cb.RecordFailure()
	clock.Advance(15 * time.Second)
	s = cb.Snapshot()
	if s.State != "OPEN" || s.Failures != 1 || s.Threshold != 1 {
		t.Errorf("Unexpected open snapshot: %+v", s)
	}
	if s.RetryIn != "45s" {
		t.Errorf("Expected retryIn 45s, got %q", s.RetryIn)
	}
}

func TestCircuitBreaker_StateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF-OPEN"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, expected %q", tt.state, got, tt.expected)
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := New(Config{Threshold: 100, Cooldown: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); cb.Allow() }()
		go func() { defer wg.Done(); cb.RecordFailure() }()
		go func() { defer wg.Done(); cb.Snapshot() }()
	}
	wg.Wait()

	if cb.Failures() != 50 {
		t.Errorf("Expected 50 failures, got %d", cb.Failures())
	}
}
