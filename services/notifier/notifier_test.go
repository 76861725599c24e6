package notifier

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingNotifier) Send(subject, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

func TestEventBusPublish(t *testing.T) {
	bus := NewEventBus()

	specific := make(chan *Event, 1)
	all := make(chan *Event, 2)
	bus.Subscribe(EventReauthRequired, func(e *Event) { specific <- e })
	bus.SubscribeAll(func(e *Event) { all <- e })

	bus.Publish(NewEvent(EventReauthRequired, SeverityCritical, "reauth").WithData("reason", "refresh failed"))
	bus.Publish(NewEvent(EventTokenRefreshed, SeverityInfo, "refreshed"))

	select {
	case e := <-specific:
		if e.Data["reason"] != "refresh failed" {
			t.Errorf("Expected reason data, got %v", e.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("Specific handler was not called")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("Catch-all handler received %d of 2 events", i)
		}
	}
}

func TestAlertHandlerCooldown(t *testing.T) {
	rec := &recordingNotifier{}
	handler := NewAlertHandler(AlertConfig{Notifiers: []Notifier{rec}, CooldownDuration: time.Hour})

	event := NewEvent(EventReauthRequired, SeverityCritical, "reauth").WithData("reason", "boom")
	handler.HandleEvent(event)
	handler.HandleEvent(event)

	if rec.count() != 1 {
		t.Errorf("Expected 1 alert within cooldown, got %d", rec.count())
	}

	handler.ResetAllCooldowns()
	handler.HandleEvent(event)
	if rec.count() != 2 {
		t.Errorf("Expected 2 alerts after cooldown reset, got %d", rec.count())
	}
}

func TestAlertHandlerIgnoresNonAlertingEvents(t *testing.T) {
	rec := &recordingNotifier{}
	handler := NewAlertHandler(AlertConfig{Notifiers: []Notifier{rec}})

	handler.HandleEvent(NewEvent(EventTokenRefreshed, SeverityInfo, "refreshed"))
	handler.HandleEvent(NewEvent(EventCacheEvicted, SeverityWarning, "evicted"))

	if rec.count() != 0 {
		t.Errorf("Expected no alerts, got %d", rec.count())
	}
}

func TestNtfyNotifierSend(t *testing.T) {
	var gotTitle, gotBody, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNtfyNotifier(server.URL, "stm-alerts")
	if err := n.Send("Circuit Breaker OPEN", "details"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if gotPath != "/stm-alerts" {
		t.Errorf("Expected path /stm-alerts, got %q", gotPath)
	}
	if gotTitle != "Circuit Breaker OPEN" {
		t.Errorf("Expected Title header, got %q", gotTitle)
	}
	if gotBody != "details" {
		t.Errorf("Expected body 'details', got %q", gotBody)
	}
}

func TestNtfyNotifierErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewNtfyNotifier(server.URL, "topic")
	if err := n.Send("s", "m"); err == nil {
		t.Error("Expected error for 500 response")
	}
}

func TestLogNotifier(t *testing.T) {
	var n Notifier = LogNotifier{}
	if err := n.Send("subject", "message"); err != nil {
		t.Errorf("LogNotifier should never fail, got %v", err)
	}
}
