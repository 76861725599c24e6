package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"spotify-time-machine-go/circuitbreaker"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/library"
	"spotify-time-machine-go/services/spotify"
	"spotify-time-machine-go/stats"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultInsightLimit  = 10
	defaultOverviewLimit = 10
	maxRequestBody       = 1 << 20
)

// residentOnly reports whether the rate limiter admitted r on the resident tier
func residentOnly(r *http.Request) bool {
	only, _ := r.Context().Value(residentOnlyModeKey).(bool)
	return only
}

// rejectResidentOnly answers 429 when r may only read loaded data and w is not loaded.
// An empty window means the handler always reaches Spotify.
func rejectResidentOnly(resp *APIResponse, r *http.Request, w library.Window) bool {
	if !residentOnly(r) {
		return false
	}
	if w != "" && libraryLoader.Resident(w) != nil {
		return false
	}
	stats.Get().RecordRateLimit("exceeded")
	log.Warnf("%s Resident-only mode but %s needs Spotify", logcolors.LogRateLimit, r.URL.Path)
	resp.w.Header().Set("Retry-After", "60")
	resp.Error(http.StatusTooManyRequests, map[string]interface{}{
		"error":   "Rate limit exceeded. Only already-loaded library windows can be served right now.",
		"message": "Please try again later or reduce your request rate.",
	})
	return true
}

func windowParam(resp *APIResponse, r *http.Request) (library.Window, bool) {
	w, err := library.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		resp.Message(http.StatusBadRequest, err.Error())
		return "", false
	}
	return w, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// getLibrary blocks until the requested window is loaded
func getLibrary(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)
	window, ok := windowParam(resp, r)
	if !ok {
		return
	}
	resp.SetWindow(string(window))
	if rejectResidentOnly(resp, r, window) {
		return
	}

	cacheStatus := "LOADED"
	if libraryLoader.Resident(window) != nil {
		cacheStatus = "RESIDENT"
	}

	collection, err := libraryLoader.Get(r.Context(), window)
	if err != nil {
		log.Errorf("%s Failed to load %s: %v", logcolors.LogLoader, logcolors.Window(string(window)), err)
		resp.Fail(err)
		return
	}

	state := libraryLoader.State()
	state.Window = window
	state.Data = collection
	state.IsLoading = false
	state.Error = ""
	resp.SetCacheStatus(cacheStatus).JSON(state)
}

// setLibraryWindow switches the active window, loading it in the background
// when it is not resident
func setLibraryWindow(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)

	var body setWindowRequest
	if err := decodeBody(w, r, &body); err != nil {
		resp.Message(http.StatusBadRequest, "Invalid request body")
		return
	}
	window, err := library.ParseWindow(body.Window)
	if err != nil {
		resp.Message(http.StatusBadRequest, err.Error())
		return
	}
	resp.SetWindow(string(window))

	if libraryLoader.Owner() == "" {
		resp.Fail(library.ErrNoOwner)
		return
	}
	if rejectResidentOnly(resp, r, window) {
		return
	}

	state := libraryLoader.SetWindow(window)
	if state.IsLoading {
		resp.SetCacheStatus("LOADING").Status(http.StatusAccepted, state)
		return
	}
	resp.SetCacheStatus("RESIDENT").JSON(state)
}

func getLibraryState(w http.ResponseWriter, r *http.Request) {
	state := libraryLoader.State()
	Respond(w, r).SetWindow(string(state.Window)).JSON(state)
}

func getMonthlyInsights(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)
	window, ok := windowParam(resp, r)
	if !ok {
		return
	}
	resp.SetWindow(string(window))
	if rejectResidentOnly(resp, r, window) {
		return
	}

	collection, err := libraryLoader.Get(r.Context(), window)
	if err != nil {
		resp.Fail(err)
		return
	}
	resp.JSON(monthlyResponse{
		Window: window,
		Months: library.MonthlyCounts(collection.Compact),
		Total:  len(collection.Compact),
	})
}

func getGenreInsights(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)
	window, ok := windowParam(resp, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", defaultInsightLimit)
	if err != nil {
		resp.Message(http.StatusBadRequest, err.Error())
		return
	}
	resp.SetWindow(string(window))
	if rejectResidentOnly(resp, r, window) {
		return
	}

	genres, err := libraryLoader.TopGenres(r.Context(), window, limit)
	if err != nil {
		log.Errorf("%s Genre breakdown failed: %v", logcolors.LogInsights, err)
		resp.Fail(err)
		return
	}
	resp.JSON(genresResponse{Window: window, Genres: genres})
}

func getOverview(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)
	limit, err := intParam(r, "limit", defaultOverviewLimit)
	if err != nil {
		resp.Message(http.StatusBadRequest, err.Error())
		return
	}
	timeRange := r.URL.Query().Get("time_range")
	switch timeRange {
	case "", spotify.ShortTerm, spotify.MediumTerm, spotify.LongTerm:
	default:
		resp.Message(http.StatusBadRequest, "time_range must be short_term, medium_term or long_term")
		return
	}
	if rejectResidentOnly(resp, r, "") {
		return
	}

	overview, err := library.LoadOverview(r.Context(), spotifyClient, timeRange, limit)
	if err != nil {
		resp.Fail(err)
		return
	}
	resp.JSON(overview)
}

// createPlaylist exports explicit track URIs, or the tracks of one month of a
// window, to a new private playlist
func createPlaylist(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)

	var body createPlaylistRequest
	if err := decodeBody(w, r, &body); err != nil {
		resp.Message(http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		resp.Message(http.StatusBadRequest, "Playlist name is required")
		return
	}
	if rejectResidentOnly(resp, r, "") {
		return
	}

	uris := body.URIs
	if len(uris) == 0 && body.Month != "" {
		window, err := library.ParseWindow(body.Window)
		if err != nil {
			resp.Message(http.StatusBadRequest, err.Error())
			return
		}
		uris, err = libraryLoader.TracksAddedIn(r.Context(), window, body.Month)
		if err != nil {
			if errors.Is(err, library.ErrInvalidMonth) {
				resp.Message(http.StatusBadRequest, err.Error())
				return
			}
			resp.Fail(err)
			return
		}
	}
	if len(uris) == 0 {
		resp.Message(http.StatusBadRequest, "No tracks selected for the playlist")
		return
	}

	url, err := spotifyClient.CreatePlaylist(r.Context(), body.Name, body.Description, uris)
	if err != nil {
		log.Errorf("%s Failed to create playlist %q: %v", logcolors.LogPlaylist, body.Name, err)
		resp.Fail(err)
		return
	}
	resp.Created(createPlaylistResponse{URL: url, Tracks: len(uris)})
}

func getQueueStatus(w http.ResponseWriter, r *http.Request) {
	Respond(w, r).JSON(queueStatusResponse{
		QueueStatus: requestQueue.Status(),
		Token:       tokenManager.Status(),
	})
}

func getHealthStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionStore.Status()
	token := tokenManager.Status()
	breaker := requestQueue.Breaker().Snapshot()

	health := healthResponse{
		Status:         "ok",
		SignedIn:       sess.SignedIn,
		ReauthRequired: sess.ReauthRequired,
		Token:          token.Status,
		CircuitBreaker: breaker,
		QueueLength:    requestQueue.Status().QueueLength,
		Cache:          persistentCache.Stats(),
		Uptime:         stats.Get().Uptime().Round(time.Second).String(),
		CheckedAt:      time.Now(),
	}

	if breaker.State != circuitbreaker.StateClosed.String() ||
		sess.ReauthRequired ||
		token.Status == spotify.TokenRefreshFailed {
		health.Status = "degraded"
	}

	Respond(w, r).JSON(health)
}

func getStats(w http.ResponseWriter, r *http.Request) {
	snapshot := stats.Get().Snapshot()
	snapshot["cache_storage"] = persistentCache.Stats()
	snapshot["circuit_breaker"] = requestQueue.Breaker().Snapshot()
	snapshot["queue"] = requestQueue.Status()
	snapshot["token"] = tokenManager.Status()

	Respond(w, r).JSON(snapshot)
}

// clearCache backs up the cache and then empties it. In-memory windows are
// dropped too so the next read goes to Spotify.
func clearCache(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)

	backupPath, err := persistentCache.Backup()
	if err != nil {
		log.Errorf("%s Failed to back up before clearing: %v", logcolors.LogCacheClear, err)
		resp.Message(http.StatusInternalServerError, fmt.Sprintf("Failed to create backup: %v", err))
		return
	}

	removed := persistentCache.ClearAll()
	libraryLoader.Reset()

	log.Infof("%s Cache cleared successfully, backup at: %s", logcolors.LogCacheClear, backupPath)
	resp.JSON(map[string]interface{}{
		"message":     "Cache cleared successfully",
		"removed":     removed,
		"backup_path": backupPath,
	})
}

func backupCache(w http.ResponseWriter, r *http.Request) {
	resp := Respond(w, r)

	backupPath, err := persistentCache.Backup()
	if err != nil {
		log.Errorf("%s Failed to create backup: %v", logcolors.LogCacheBackup, err)
		resp.Message(http.StatusInternalServerError, fmt.Sprintf("Failed to create backup: %v", err))
		return
	}

	resp.JSON(map[string]interface{}{
		"message":     "Backup created successfully",
		"backup_path": backupPath,
	})
}

func purgeCache(w http.ResponseWriter, r *http.Request) {
	removed := persistentCache.PurgeExpired()
	Respond(w, r).JSON(map[string]interface{}{
		"message": "Expired entries purged",
		"removed": removed,
	})
}

func getCircuitBreakerStatus(w http.ResponseWriter, r *http.Request) {
	Respond(w, r).JSON(map[string]interface{}{
		"breaker": requestQueue.Breaker().Snapshot(),
		"config": map[string]interface{}{
			"threshold":    conf.Queue.CircuitBreakerThreshold,
			"cooldown_sec": conf.Queue.CircuitBreakerCooldownSec,
		},
	})
}

func resetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	requestQueue.Breaker().Reset()
	log.Infof("%s Reset by admin request", logcolors.CircuitBreakerPrefix("Spotify-API"))
	Respond(w, r).JSON(map[string]interface{}{
		"message": "Circuit breaker reset to CLOSED state",
	})
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		Respond(w, r).Message(http.StatusNotFound, "Not found")
		return
	}
	Respond(w, r).JSON(map[string]interface{}{
		"help": "Sign in via /auth/login, then load liked tracks per window.",
		"endpoints": map[string]string{
			"GET /api/library?window=past_year|past_two_years|all_time": "Liked tracks for a window (blocks until loaded)",
			"POST /api/library/window":                                  "Switch the active window {\"window\": ...}",
			"GET /api/library/state":                                    "Active window, data and loading flags",
			"GET /api/insights/monthly?window=":                         "Tracks added per month",
			"GET /api/insights/genres?window=&limit=":                   "Top genres by liked track count",
			"GET /api/overview?time_range=&limit=":                      "Top tracks, top artists and recently played",
			"POST /api/playlists":                                       "Create a playlist from {uris} or {window, month}",
			"GET /api/queue/status":                                     "Spotify request queue and token status",
			"GET /health":                                               "Service health",
			"GET /stats":                                                "Counters and timings",
			"GET /metrics":                                              "Prometheus metrics",
		},
	})
}
