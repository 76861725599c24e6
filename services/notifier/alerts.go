package notifier

import (
	"fmt"
	"spotify-time-machine-go/logcolors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// Default cooldown between alerts of the same type
	DefaultAlertCooldown = 15 * time.Minute
)

// AlertHandler handles events and sends notifications
type AlertHandler struct {
	notifiers        []Notifier
	cooldowns        map[EventType]time.Time // last alert time per event type
	cooldownDuration time.Duration
	mu               sync.RWMutex
}

// AlertConfig holds configuration for the alert handler
type AlertConfig struct {
	Notifiers        []Notifier
	CooldownDuration time.Duration
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(config AlertConfig) *AlertHandler {
	cooldown := config.CooldownDuration
	if cooldown == 0 {
		cooldown = DefaultAlertCooldown
	}

	return &AlertHandler{
		notifiers:        config.Notifiers,
		cooldowns:        make(map[EventType]time.Time),
		cooldownDuration: cooldown,
	}
}

// Start subscribes the handler to the given event bus
func (h *AlertHandler) Start(bus *EventBus) {
	bus.SubscribeAll(h.HandleEvent)
	log.Infof("%s Alert handler started (cooldown: %v, notifiers: %d)",
		logcolors.LogNotifier, h.cooldownDuration, len(h.notifiers))
}

// HandleEvent formats an event and sends it unless its type is cooling down
func (h *AlertHandler) HandleEvent(event *Event) {
	subject, message := h.formatAlert(event)
	if subject == "" {
		return // not an alerting event
	}

	if !h.shouldAlert(event.Type) {
		log.Debugf("%s Skipping alert for %s (cooldown active)", logcolors.LogNotifier, event.Type)
		return
	}

	h.sendAlert(subject, message)
}

// shouldAlert checks if we should send an alert based on cooldown
func (h *AlertHandler) shouldAlert(eventType EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	lastAlert, exists := h.cooldowns[eventType]
	if !exists || time.Since(lastAlert) >= h.cooldownDuration {
		h.cooldowns[eventType] = time.Now()
		return true
	}
	return false
}

// formatAlert formats an event into a notification message
func (h *AlertHandler) formatAlert(event *Event) (subject, message string) {
	switch event.Type {
	// Critical events
	case EventCircuitBreakerOpen:
		subject = "Circuit Breaker OPEN"
		message = fmt.Sprintf(
			"The %s circuit breaker has tripped after %v consecutive failures.\n\n"+
				"All Spotify requests will be blocked for %v.",
			event.Data["name"], event.Data["failures"], event.Data["cooldown"])

	case EventReauthRequired:
		subject = "Spotify Reauthentication Required"
		message = fmt.Sprintf(
			"The access token could not be refreshed.\n\n"+
				"Reason: %v\n\n"+
				"Action: Sign in again at /auth/login.",
			event.Data["reason"])

	case EventServerStartupFailed:
		subject = "Server Startup FAILED"
		message = fmt.Sprintf("Component: %v\nError: %v", event.Data["component"], event.Data["error"])

	// Warning events
	case EventHighFailureRate:
		subject = "High Failure Rate Warning"
		message = fmt.Sprintf(
			"The %s circuit breaker has recorded %v/%v failures.",
			event.Data["name"], event.Data["failures"], event.Data["threshold"])

	case EventRateLimited:
		subject = "Spotify Rate Limit"
		message = fmt.Sprintf("%v answered 429, queue paused for %v.", event.Data["endpoint"], event.Data["retry_after"])

	case EventCacheBackupFailed:
		subject = "Cache Backup Failed"
		message = fmt.Sprintf("Error: %v\n\nAction: Check disk space and permissions.", event.Data["error"])

	// Info events
	case EventCircuitBreakerRecovered:
		subject = "Circuit Breaker Recovered"
		message = fmt.Sprintf("The %s circuit breaker has recovered and is now operational.", event.Data["name"])

	case EventServerStarted:
		subject = "Server Started"
		message = fmt.Sprintf("Server started successfully on port %v.", event.Data["port"])

	default:
		return "", ""
	}

	switch event.Severity {
	case SeverityCritical:
		subject = "[critical] " + subject
	case SeverityWarning:
		subject = "[warning] " + subject
	}

	return subject, message
}

// sendAlert sends the alert through all configured notifiers
func (h *AlertHandler) sendAlert(subject, message string) {
	if len(h.notifiers) == 0 {
		log.Warnf("%s No notifiers configured, skipping alert: %s", logcolors.LogNotifier, subject)
		return
	}

	successCount := 0
	for _, n := range h.notifiers {
		if err := n.Send(subject, message); err != nil {
			log.Errorf("%s Failed to send alert via notifier: %v", logcolors.LogNotifier, err)
		} else {
			successCount++
		}
	}

	log.Debugf("%s Alert %q sent via %d/%d notifiers", logcolors.LogNotifier, subject, successCount, len(h.notifiers))
}

// ResetAllCooldowns resets all cooldowns
func (h *AlertHandler) ResetAllCooldowns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cooldowns = make(map[EventType]time.Time)
}
