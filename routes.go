package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

// adminPaths require the X-API-Key header
var adminPaths = []string{"/cache/*", "/circuit-breaker*"}

// setupRoutes configures all HTTP routes for the API
func setupRoutes(router *mux.Router) {
	// Library windows
	router.HandleFunc("/api/library", getLibrary).Methods(http.MethodGet)
	router.HandleFunc("/api/library/window", setLibraryWindow).Methods(http.MethodPost)
	router.HandleFunc("/api/library/state", getLibraryState).Methods(http.MethodGet)

	// Insights and overview
	router.HandleFunc("/api/insights/monthly", getMonthlyInsights).Methods(http.MethodGet)
	router.HandleFunc("/api/insights/genres", getGenreInsights).Methods(http.MethodGet)
	router.HandleFunc("/api/overview", getOverview).Methods(http.MethodGet)

	// Playlist export
	router.HandleFunc("/api/playlists", createPlaylist).Methods(http.MethodPost)

	// Spotify access layer diagnostics
	router.HandleFunc("/api/queue/status", getQueueStatus).Methods(http.MethodGet)

	// OAuth session
	router.HandleFunc("/auth/login", authHandlers.Login).Methods(http.MethodGet)
	router.HandleFunc("/auth/callback", authHandlers.Callback).Methods(http.MethodGet)
	router.HandleFunc("/auth/logout", authHandlers.Logout).Methods(http.MethodPost)
	router.HandleFunc("/auth/status", authHandlers.Status).Methods(http.MethodGet)

	// Cache management endpoints
	router.HandleFunc("/cache/clear", clearCache).Methods(http.MethodPost)
	router.HandleFunc("/cache/backup", backupCache).Methods(http.MethodPost)
	router.HandleFunc("/cache/purge", purgeCache).Methods(http.MethodPost)

	// Health and stats endpoints
	router.HandleFunc("/health", getHealthStatus)
	router.HandleFunc("/stats", getStats)
	router.Handle("/metrics", metrics.Handler())

	// Circuit breaker endpoints
	router.HandleFunc("/circuit-breaker", getCircuitBreakerStatus).Methods(http.MethodGet)
	router.HandleFunc("/circuit-breaker/reset", resetCircuitBreaker).Methods(http.MethodPost)

	// Help endpoint
	router.HandleFunc("/", helpHandler)
}
