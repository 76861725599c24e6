package main

import (
	"spotify-time-machine-go/cache"
	"spotify-time-machine-go/circuitbreaker"
	"spotify-time-machine-go/services/library"
	"spotify-time-machine-go/services/spotify"
	"time"
)

type contextKey string

const (
	residentOnlyModeKey contextKey = "residentOnlyMode"
	rateLimitTypeKey    contextKey = "rateLimitType"
)

// setWindowRequest is the body of POST /api/library/window
type setWindowRequest struct {
	Window string `json:"window"`
}

// createPlaylistRequest is the body of POST /api/playlists. Either URIs or
// Window and Month select the tracks.
type createPlaylistRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URIs        []string `json:"uris"`
	Window      string   `json:"window"`
	Month       string   `json:"month"`
}

// createPlaylistResponse carries the new playlist's URL
type createPlaylistResponse struct {
	URL    string `json:"url"`
	Tracks int    `json:"tracks"`
}

// monthlyResponse is the body of GET /api/insights/monthly
type monthlyResponse struct {
	Window library.Window       `json:"window"`
	Months []library.MonthCount `json:"months"`
	Total  int                  `json:"total"`
}

// genresResponse is the body of GET /api/insights/genres
type genresResponse struct {
	Window library.Window       `json:"window"`
	Genres []library.GenreCount `json:"genres"`
}

// queueStatusResponse combines the queue snapshot with the token state
type queueStatusResponse struct {
	spotify.QueueStatus
	Token spotify.TokenStatus `json:"token"`
}

// healthResponse is the body of GET /health
type healthResponse struct {
	Status         string                  `json:"status"`
	SignedIn       bool                    `json:"signed_in"`
	ReauthRequired bool                    `json:"reauth_required,omitempty"`
	Token          string                  `json:"token"`
	CircuitBreaker circuitbreaker.Snapshot `json:"circuit_breaker"`
	QueueLength    int                     `json:"queue_length"`
	Cache          cache.CacheStats        `json:"cache"`
	Uptime         string                  `json:"uptime"`
	CheckedAt      time.Time               `json:"checked_at"`
}
