package middleware

import (
	"net/http"
	"net/http/httptest"
	"spotify-time-machine-go/stats"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// captureLogs records entries written to the standard logger for the test
func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	hook := test.NewGlobal()
	t.Cleanup(func() {
		log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	})
	return hook
}

func TestLoggingMiddleware_RecordsStats(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		counter func(*stats.Stats) int64
		bucket  func(*stats.Stats) int64
	}{
		{
			name:    "Library read",
			path:    "/api/library",
			status:  http.StatusOK,
			counter: func(s *stats.Stats) int64 { return s.LibraryRequests.Load() },
			bucket:  func(s *stats.Stats) int64 { return s.Status2xx.Load() },
		},
		{
			name:    "Insights rate limited",
			path:    "/api/insights/genres",
			status:  http.StatusTooManyRequests,
			counter: func(s *stats.Stats) int64 { return s.InsightsRequests.Load() },
			bucket:  func(s *stats.Stats) int64 { return s.Status4xx.Load() },
		},
		{
			name:    "Overview upstream failure",
			path:    "/api/overview",
			status:  http.StatusBadGateway,
			counter: func(s *stats.Stats) int64 { return s.OverviewRequests.Load() },
			bucket:  func(s *stats.Stats) int64 { return s.Status5xx.Load() },
		},
		{
			name:    "Admin cache clear",
			path:    "/cache/clear",
			status:  http.StatusUnauthorized,
			counter: func(s *stats.Stats) int64 { return s.AdminRequests.Load() },
			bucket:  func(s *stats.Stats) int64 { return s.Status4xx.Load() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := stats.Get()
			total, counter, bucket := s.TotalRequests.Load(), tt.counter(s), tt.bucket(s)

			handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))

			if rec.Code != tt.status {
				t.Errorf("Expected status %d to pass through, got %d", tt.status, rec.Code)
			}
			if got := s.TotalRequests.Load() - total; got != 1 {
				t.Errorf("Expected total requests +1, got +%d", got)
			}
			if got := tt.counter(s) - counter; got != 1 {
				t.Errorf("Expected endpoint counter +1, got +%d", got)
			}
			if got := tt.bucket(s) - bucket; got != 1 {
				t.Errorf("Expected status bucket +1, got +%d", got)
			}
		})
	}
}

func TestLoggingMiddleware_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"Generated", ""},
		{"Propagated", "req-from-ui-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := captureLogs(t)

			handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"window":"PAST_YEAR"}`))
			}))
			req := httptest.NewRequest("GET", "/api/library/state", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			id := rec.Header().Get(RequestIDHeader)
			if id == "" {
				t.Fatal("Expected a request id on the response")
			}
			if tt.incoming != "" && id != tt.incoming {
				t.Errorf("Expected request id %q to be kept, got %q", tt.incoming, id)
			}

			entry := hook.LastEntry()
			if entry == nil {
				t.Fatal("Expected an access log entry")
			}
			if entry.Data["request_id"] != id {
				t.Errorf("Expected request_id field %q, got %v", id, entry.Data["request_id"])
			}
			if entry.Data["bytes"] != len(`{"window":"PAST_YEAR"}`) {
				t.Errorf("Expected bytes field to match the body, got %v", entry.Data["bytes"])
			}
		})
	}
}

func TestLoggingMiddleware_DefaultStatus(t *testing.T) {
	s := stats.Get()
	before := s.Status2xx.Load()

	// handler writes a body without calling WriteHeader
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	if s.Status2xx.Load()-before != 1 {
		t.Error("Expected an implicit 200 to be counted as 2xx")
	}
}

func TestResponseRecorder_Flush(t *testing.T) {
	var flushed bool
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("Expected the recorder to implement http.Flusher")
		}
		w.Write([]byte("partial"))
		f.Flush()
		flushed = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/library", nil))

	if !flushed || !rec.Flushed {
		t.Error("Expected Flush to reach the underlying writer")
	}
}

func TestResponseRecorder_FlushWithoutFlusher(t *testing.T) {
	// a writer that does not implement http.Flusher must not panic
	rec := NewResponseRecorder(struct{ http.ResponseWriter }{httptest.NewRecorder()})
	rec.Flush()
	if rec.StatusCode != http.StatusOK {
		t.Errorf("Expected default status 200, got %d", rec.StatusCode)
	}
}

func TestResponseRecorder_CountsBytesAcrossWrites(t *testing.T) {
	rec := NewResponseRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusCreated)
	rec.Write([]byte(`{"url":`))
	rec.Write([]byte(`"https://open.spotify.com/playlist/pl-1"}`))

	if rec.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201, got %d", rec.StatusCode)
	}
	if want := len(`{"url":"https://open.spotify.com/playlist/pl-1"}`); rec.BodySize != want {
		t.Errorf("Expected %d bytes, got %d", want, rec.BodySize)
	}
}
