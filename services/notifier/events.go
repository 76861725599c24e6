package notifier

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Critical events
	EventCircuitBreakerOpen  EventType = "circuit_breaker_open"
	EventReauthRequired      EventType = "reauth_required"
	EventServerStartupFailed EventType = "server_startup_failed"

	// Warning events
	EventHighFailureRate   EventType = "high_failure_rate"
	EventRateLimited       EventType = "rate_limited"
	EventCacheEvicted      EventType = "cache_evicted"
	EventCacheCorrupted    EventType = "cache_corrupted"
	EventCacheBackupFailed EventType = "cache_backup_failed"

	// Info events
	EventCircuitBreakerRecovered EventType = "circuit_breaker_recovered"
	EventTokenRefreshed          EventType = "token_refreshed"
	EventServerStarted           EventType = "server_started"
	EventCacheCleared            EventType = "cache_cleared"
)

// Severity represents the severity level of an event
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Event represents a system event
type Event struct {
	Type      EventType
	Severity  Severity
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, severity Severity, message string) *Event {
	return &Event{
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Data:      make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// WithData adds data to the event (chainable)
func (e *Event) WithData(key string, value interface{}) *Event {
	e.Data[key] = value
	return e
}

// EventHandler is a function that handles events
type EventHandler func(event *Event)

// EventBus manages event publishing and subscription
type EventBus struct {
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler // handlers that receive all events
	mu          sync.RWMutex
}

// Global event bus instance
var globalBus *EventBus
var busOnce sync.Once

// NewEventBus creates an empty event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers:    make(map[EventType][]EventHandler),
		allHandlers: make([]EventHandler, 0),
	}
}

// GetEventBus returns the global event bus instance
func GetEventBus() *EventBus {
	busOnce.Do(func() {
		globalBus = NewEventBus()
	})
	return globalBus
}

// Subscribe adds a handler for a specific event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll adds a handler that receives all events
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Call specific handlers
	if handlers, ok := b.handlers[event.Type]; ok {
		for _, handler := range handlers {
			go handler(event)
		}
	}

	// Call handlers subscribed to all events
	for _, handler := range b.allHandlers {
		go handler(event)
	}
}

// Helper functions for publishing common events

// PublishCircuitBreakerOpen publishes a circuit breaker open event
func PublishCircuitBreakerOpen(name string, failures int, cooldown time.Duration) {
	event := NewEvent(EventCircuitBreakerOpen, SeverityCritical,
		"Circuit breaker has opened due to consecutive failures").
		WithData("name", name).
		WithData("failures", failures).
		WithData("cooldown", cooldown.String())
	GetEventBus().Publish(event)
}

// PublishCircuitBreakerRecovered publishes a circuit breaker recovery event
func PublishCircuitBreakerRecovered(name string) {
	event := NewEvent(EventCircuitBreakerRecovered, SeverityInfo,
		"Circuit breaker has recovered and is operational").
		WithData("name", name)
	GetEventBus().Publish(event)
}

// PublishHighFailureRate publishes a high failure rate warning
func PublishHighFailureRate(name string, failures, threshold int) {
	event := NewEvent(EventHighFailureRate, SeverityWarning,
		"High failure rate detected, circuit breaker may trip soon").
		WithData("name", name).
		WithData("failures", failures).
		WithData("threshold", threshold)
	GetEventBus().Publish(event)
}

// PublishReauthRequired publishes when the stored credentials can no longer be refreshed
func PublishReauthRequired(reason error) {
	message := "unknown"
	if reason != nil {
		message = reason.Error()
	}
	event := NewEvent(EventReauthRequired, SeverityCritical,
		"User must sign in to Spotify again").
		WithData("reason", message)
	GetEventBus().Publish(event)
}

// PublishTokenRefreshed publishes after a successful access token refresh
func PublishTokenRefreshed(expiresAt int64) {
	event := NewEvent(EventTokenRefreshed, SeverityInfo,
		"Access token refreshed").
		WithData("expires_at", expiresAt)
	GetEventBus().Publish(event)
}

// PublishRateLimited publishes when the remote API answers 429
func PublishRateLimited(endpoint string, retryAfter time.Duration) {
	event := NewEvent(EventRateLimited, SeverityWarning,
		"Spotify API rate limit hit, queue paused").
		WithData("endpoint", endpoint).
		WithData("retry_after", retryAfter.String())
	GetEventBus().Publish(event)
}

// PublishCacheEvicted publishes when an entry is evicted to make room for a write
func PublishCacheEvicted(key string, freedBytes int) {
	event := NewEvent(EventCacheEvicted, SeverityWarning,
		"Cache quota reached, oldest entry evicted").
		WithData("key", key).
		WithData("freed_bytes", freedBytes)
	GetEventBus().Publish(event)
}

// PublishCacheCorrupted publishes when an unreadable entry is removed
func PublishCacheCorrupted(key string, err error) {
	event := NewEvent(EventCacheCorrupted, SeverityWarning,
		"Corrupted cache entry removed").
		WithData("key", key).
		WithData("error", err.Error())
	GetEventBus().Publish(event)
}

// PublishCacheBackupFailed publishes when cache backup fails
func PublishCacheBackupFailed(err error) {
	event := NewEvent(EventCacheBackupFailed, SeverityWarning,
		"Cache backup operation failed").
		WithData("error", err.Error())
	GetEventBus().Publish(event)
}

// PublishCacheCleared publishes when cache is cleared
func PublishCacheCleared(removed int) {
	event := NewEvent(EventCacheCleared, SeverityInfo,
		"Cache has been cleared").
		WithData("removed", removed)
	GetEventBus().Publish(event)
}

// PublishServerStarted publishes when server starts successfully
func PublishServerStarted(port string) {
	event := NewEvent(EventServerStarted, SeverityInfo,
		"Server started successfully").
		WithData("port", port)
	GetEventBus().Publish(event)
}

// PublishServerStartupFailed publishes when server fails to start
func PublishServerStartupFailed(component string, err error) {
	event := NewEvent(EventServerStartupFailed, SeverityCritical,
		"Server failed to start").
		WithData("component", component).
		WithData("error", err.Error())
	GetEventBus().Publish(event)
}
