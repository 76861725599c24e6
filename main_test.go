package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"spotify-time-machine-go/cache"
	"spotify-time-machine-go/config"
	"spotify-time-machine-go/middleware"
	"spotify-time-machine-go/services/library"
	"spotify-time-machine-go/services/session"
	"spotify-time-machine-go/services/spotify"
	"spotify-time-machine-go/stats"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// fakeSpotify serves a three-track library liked 10, 400 and 900 days ago
type fakeSpotify struct {
	now          time.Time
	playlistAdds atomic.Int32
	tracksStatus int
}

func (f *fakeSpotify) addedAt(daysAgo int) string {
	return f.now.AddDate(0, 0, -daysAgo).UTC().Format(time.RFC3339)
}

func (f *fakeSpotify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/me":
		w.Write([]byte(`{"id":"user-1","display_name":"Test User"}`))
	case r.URL.Path == "/me/tracks":
		if f.tracksStatus != 0 {
			w.WriteHeader(f.tracksStatus)
			w.Write([]byte(`{"error":{"status":403,"message":"Insufficient client scope"}}`))
			return
		}
		items := []string{}
		for i, days := range []int{10, 400, 900} {
			items = append(items, fmt.Sprintf(
				`{"added_at":"%s","track":{"id":"t%d","uri":"spotify:track:t%d","name":"Track %d","artists":[{"id":"a%d","name":"Artist %d"}]}}`,
				f.addedAt(days), i, i, i, i%2, i%2))
		}
		fmt.Fprintf(w, `{"items":[%s],"limit":50,"offset":0,"total":3}`, strings.Join(items, ","))
	case r.URL.Path == "/artists":
		w.Write([]byte(`{"artists":[{"id":"a0","name":"Artist 0","genres":["indie pop"]},{"id":"a1","name":"Artist 1","genres":["jazz"]}]}`))
	case r.URL.Path == "/me/top/tracks", r.URL.Path == "/me/top/artists":
		w.Write([]byte(`{"items":[],"limit":10,"offset":0,"total":0}`))
	case r.URL.Path == "/me/player/recently-played":
		w.Write([]byte(`{"items":[]}`))
	case r.URL.Path == "/users/user-1/playlists" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pl-1","name":"x","external_urls":{"spotify":"https://open.spotify.com/playlist/pl-1"}}`))
	case r.URL.Path == "/playlists/pl-1/tracks" && r.Method == http.MethodPost:
		f.playlistAdds.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"snapshot_id":"snap"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"status":404,"message":"Not found"}}`))
	}
}

// setupTestEnvironment wires every service against a fake Web API
func setupTestEnvironment(t *testing.T) *fakeSpotify {
	t.Helper()

	fake := &fakeSpotify{now: time.Now()}
	server := httptest.NewServer(fake)
	tmpDir := t.TempDir()

	var err error
	persistentCache, err = cache.NewPersistentCache(cache.Config{
		Path:       filepath.Join(tmpDir, "cache.db"),
		BackupPath: filepath.Join(tmpDir, "backups"),
	})
	if err != nil {
		t.Fatalf("Failed to create test cache: %v", err)
	}
	metrics = stats.NewMetrics(stats.New())

	sessionStore, err = session.NewStore(filepath.Join(tmpDir, "session.db"))
	if err != nil {
		t.Fatalf("Failed to create session store: %v", err)
	}
	sessionStore.SignIn(spotify.TokenState{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	})
	sessionStore.SetUser("user-1", "Test User")

	tokenManager = spotify.NewTokenManager(sessionStore, func(ctx context.Context, refreshToken string) (spotify.TokenState, error) {
		return spotify.TokenState{}, errors.New("invalid_grant")
	}, time.Minute)

	requestQueue = spotify.NewRequestQueue(spotify.QueueConfig{
		BaseURL:     server.URL,
		MinInterval: time.Millisecond,
		MaxRetries:  1,
		BackoffBase: 10 * time.Millisecond,
	}, tokenManager)
	spotifyClient = spotify.NewClient(requestQueue)

	libraryLoader = library.NewLoader(library.LoaderConfig{Owner: "user-1"}, spotifyClient, persistentCache)

	auth := spotify.NewAuthenticator("client", "secret", "http://localhost/auth/callback", server.URL)
	authHandlers = session.NewHandlers(sessionStore, session.HandlerConfig{Auth: auth})

	t.Cleanup(func() {
		authHandlers.Close()
		libraryLoader.Close()
		requestQueue.Close()
		sessionStore.Close()
		persistentCache.Close()
		server.Close()
	})
	return fake
}

func newTestRouter() *mux.Router {
	router := mux.NewRouter()
	setupRoutes(router)
	return router
}

func doRequest(t *testing.T, handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body any) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func residentOnlyRequest(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), residentOnlyModeKey, true))
}

func TestGetLibrary(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	tests := []struct {
		window   string
		expected int
	}{
		{"past_year", 1},
		{"past_two_years", 2},
		{"all_time", 3},
		{"", 1},
	}

	for _, tt := range tests {
		t.Run("window="+tt.window, func(t *testing.T) {
			rec := doRequest(t, router, httptest.NewRequest("GET", "/api/library?window="+tt.window, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
			}

			var state library.State
			if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if state.Data == nil || len(state.Data.Tracks) != tt.expected {
				t.Errorf("Expected %d tracks, got %+v", tt.expected, state.Data)
			}
			if len(state.Data.Compact) != tt.expected {
				t.Errorf("Expected %d compact tracks, got %d", tt.expected, len(state.Data.Compact))
			}
			if state.IsLoading {
				t.Error("Expected isLoading false after a blocking get")
			}
		})
	}
}

func TestGetLibrary_CacheStatus(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, httptest.NewRequest("GET", "/api/library?window=all_time", nil))
	if got := rec.Header().Get("X-Cache-Status"); got != "LOADED" {
		t.Errorf("Expected LOADED on first read, got %q", got)
	}
	if got := rec.Header().Get("X-Library-Window"); got != string(library.AllTime) {
		t.Errorf("Expected X-Library-Window ALL_TIME, got %q", got)
	}

	rec = doRequest(t, router, httptest.NewRequest("GET", "/api/library?window=all_time", nil))
	if got := rec.Header().Get("X-Cache-Status"); got != "RESIDENT" {
		t.Errorf("Expected RESIDENT on second read, got %q", got)
	}
}

func TestGetLibrary_Errors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fakeSpotify)
		path       string
		expected   int
		wantReauth bool
	}{
		{"Unknown window", nil, "/api/library?window=last_week", http.StatusBadRequest, false},
		{"Signed out", func(*fakeSpotify) { libraryLoader.SetOwner("") }, "/api/library", http.StatusUnauthorized, true},
		{"Missing scope", func(f *fakeSpotify) { f.tracksStatus = http.StatusForbidden }, "/api/library", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := setupTestEnvironment(t)
			if tt.setup != nil {
				tt.setup(fake)
			}

			rec := doRequest(t, newTestRouter(), httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != tt.expected {
				t.Fatalf("Expected %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
			}

			var body map[string]string
			json.NewDecoder(rec.Body).Decode(&body)
			if body["error"] == "" {
				t.Error("Expected error message")
			}
			if (body["reauthUrl"] == session.LoginPath) != tt.wantReauth {
				t.Errorf("Expected reauthUrl present=%v, got %v", tt.wantReauth, body)
			}
		})
	}
}

func TestGetLibrary_ResidentOnly(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, residentOnlyRequest(httptest.NewRequest("GET", "/api/library?window=past_year", nil)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 for a window that is not loaded, got %d", rec.Code)
	}

	doRequest(t, router, httptest.NewRequest("GET", "/api/library?window=past_year", nil))

	rec = doRequest(t, router, residentOnlyRequest(httptest.NewRequest("GET", "/api/library?window=past_year", nil)))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected resident window served in resident-only mode, got %d", rec.Code)
	}

	rec = doRequest(t, router, residentOnlyRequest(httptest.NewRequest("GET", "/api/overview", nil)))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected overview refused in resident-only mode, got %d", rec.Code)
	}
}

func TestSetLibraryWindow(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, jsonRequest("POST", "/api/library/window", setWindowRequest{Window: "all_time"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 while loading, got %d: %s", rec.Code, rec.Body.String())
	}
	var state library.State
	json.NewDecoder(rec.Body).Decode(&state)
	if !state.IsLoading || !state.IsLoadingPerWindow[library.AllTime] {
		t.Errorf("Expected all_time marked loading, got %+v", state)
	}

	libraryLoader.Wait()

	rec = doRequest(t, router, httptest.NewRequest("GET", "/api/library/state", nil))
	state = library.State{}
	json.NewDecoder(rec.Body).Decode(&state)
	if state.Window != library.AllTime || state.IsLoading || state.Data == nil || len(state.Data.Tracks) != 3 {
		t.Errorf("Expected loaded all_time state, got %+v", state)
	}

	rec = doRequest(t, router, jsonRequest("POST", "/api/library/window", setWindowRequest{Window: "all_time"}))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for a resident window, got %d", rec.Code)
	}

	rec = doRequest(t, router, jsonRequest("POST", "/api/library/window", map[string]string{"window": "forever"}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown window, got %d", rec.Code)
	}
}

func TestInsights(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, httptest.NewRequest("GET", "/api/insights/monthly?window=all_time", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var monthly monthlyResponse
	json.NewDecoder(rec.Body).Decode(&monthly)
	if monthly.Total != 3 || len(monthly.Months) != 3 {
		t.Errorf("Expected 3 tracks over 3 months, got %+v", monthly)
	}

	rec = doRequest(t, router, httptest.NewRequest("GET", "/api/insights/genres?window=all_time&limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var genres genresResponse
	json.NewDecoder(rec.Body).Decode(&genres)
	if len(genres.Genres) != 2 || genres.Genres[0].Genre != "indie pop" || genres.Genres[0].Count != 2 {
		t.Errorf("Expected indie pop first with 2 tracks, got %+v", genres.Genres)
	}

	rec = doRequest(t, router, httptest.NewRequest("GET", "/api/insights/genres?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestGetOverview(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, httptest.NewRequest("GET", "/api/overview?time_range=short_term", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var overview library.Overview
	json.NewDecoder(rec.Body).Decode(&overview)
	if overview.TopTracks == nil || overview.TopArtists == nil || overview.RecentlyPlayed == nil {
		t.Errorf("Expected all sections, got %+v", overview)
	}

	rec = doRequest(t, router, httptest.NewRequest("GET", "/api/overview?time_range=decade", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown time range, got %d", rec.Code)
	}
}

func TestCreatePlaylist(t *testing.T) {
	month := time.Now().AddDate(0, 0, -10).UTC().Format("2006-01")

	tests := []struct {
		name       string
		body       createPlaylistRequest
		expected   int
		wantTracks int
	}{
		{"Missing name", createPlaylistRequest{URIs: []string{"spotify:track:x"}}, http.StatusBadRequest, 0},
		{"No tracks", createPlaylistRequest{Name: "Empty"}, http.StatusBadRequest, 0},
		{"Explicit URIs", createPlaylistRequest{Name: "Mix", URIs: []string{"spotify:track:a", "spotify:track:b"}}, http.StatusCreated, 2},
		{"Month of a window", createPlaylistRequest{Name: "Recent", Window: "past_year", Month: month}, http.StatusCreated, 1},
		{"Malformed month", createPlaylistRequest{Name: "Bad", Window: "past_year", Month: "last month"}, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := setupTestEnvironment(t)

			rec := doRequest(t, newTestRouter(), jsonRequest("POST", "/api/playlists", tt.body))
			if rec.Code != tt.expected {
				t.Fatalf("Expected %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
			}
			if tt.expected != http.StatusCreated {
				return
			}

			var resp createPlaylistResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.URL != "https://open.spotify.com/playlist/pl-1" || resp.Tracks != tt.wantTracks {
				t.Errorf("Unexpected response %+v", resp)
			}
			if fake.playlistAdds.Load() != 1 {
				t.Errorf("Expected one add batch, got %d", fake.playlistAdds.Load())
			}
		})
	}
}

func TestQueueStatusAndHealth(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, httptest.NewRequest("GET", "/api/queue/status", nil))
	var status queueStatusResponse
	json.NewDecoder(rec.Body).Decode(&status)
	if status.Token.Status != spotify.TokenValid || status.Circuit.State != "CLOSED" {
		t.Errorf("Unexpected queue status %+v", status)
	}

	rec = doRequest(t, router, httptest.NewRequest("GET", "/health", nil))
	var health healthResponse
	json.NewDecoder(rec.Body).Decode(&health)
	if health.Status != "ok" || !health.SignedIn || health.Token != spotify.TokenValid {
		t.Errorf("Unexpected health %+v", health)
	}

	sessionStore.ForceReauthentication(errors.New("invalid_grant"))
	rec = doRequest(t, router, httptest.NewRequest("GET", "/health", nil))
	health = healthResponse{}
	json.NewDecoder(rec.Body).Decode(&health)
	if health.Status != "degraded" || !health.ReauthRequired {
		t.Errorf("Expected degraded health after forced reauthentication, got %+v", health)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	setupTestEnvironment(t)
	router := newTestRouter()

	rec := doRequest(t, router, httptest.NewRequest("GET", "/stats", nil))
	var snapshot map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&snapshot); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	for _, key := range []string{"requests", "spotify_queue", "cache_storage", "circuit_breaker", "token"} {
		if _, ok := snapshot[key]; !ok {
			t.Errorf("Expected %q in stats", key)
		}
	}

	rec = doRequest(t, router, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "stm_queue_enqueued_total") {
		t.Error("Expected queue counters in metrics output")
	}
}

func TestAdminEndpoints(t *testing.T) {
	setupTestEnvironment(t)

	var cfg config.Config
	cfg.Server.AdminAPIKey = "secret"
	cfg.Server.RateLimitPerSecond = 100
	cfg.Server.RateLimitBurstLimit = 100
	limiter := newLimiter(cfg)
	handler := buildHandler(cfg, newTestRouter(), limiter)

	persistentCache.Set("liked_tracks:user-1:past_year", []string{"x"}, time.Hour)

	tests := []struct {
		name     string
		method   string
		path     string
		key      string
		expected int
	}{
		{"Clear without key", "POST", "/cache/clear", "", http.StatusUnauthorized},
		{"Clear with wrong key", "POST", "/cache/clear", "nope", http.StatusUnauthorized},
		{"Backup", "POST", "/cache/backup", "secret", http.StatusOK},
		{"Purge", "POST", "/cache/purge", "secret", http.StatusOK},
		{"Breaker status", "GET", "/circuit-breaker", "secret", http.StatusOK},
		{"Breaker reset", "POST", "/circuit-breaker/reset", "secret", http.StatusOK},
		{"Clear", "POST", "/cache/clear", "secret", http.StatusOK},
		{"Health stays public", "GET", "/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := doRequest(t, handler, req)
			if rec.Code != tt.expected {
				t.Errorf("Expected %d, got %d: %s", tt.expected, rec.Code, rec.Body.String())
			}
		})
	}

	var out []string
	if persistentCache.Get("liked_tracks:user-1:past_year", &out) {
		t.Error("Expected cache emptied by /cache/clear")
	}
}

func TestLimitMiddleware(t *testing.T) {
	limiter := middleware.NewIPRateLimiter(rate.Every(time.Minute), 1, rate.Every(time.Minute), 1)
	var sawResident []bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawResident = append(sawResident, residentOnly(r))
	})
	handler := limitMiddleware(next, limiter)

	codes := []int{}
	for range 3 {
		req := httptest.NewRequest("GET", "/api/library", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := doRequest(t, handler, req)
		codes = append(codes, rec.Code)
	}

	if fmt.Sprint(codes) != "[200 200 429]" {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}
	if fmt.Sprint(sawResident) != "[false true]" {
		t.Errorf("Expected live then resident tier, got %v", sawResident)
	}
}

