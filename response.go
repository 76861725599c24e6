package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"spotify-time-machine-go/services/library"
	"spotify-time-machine-go/services/session"
	"spotify-time-machine-go/services/spotify"
)

// APIResponse handles consistent header setting and JSON responses.
// It centralizes the logic for setting X-Cache-Status, X-Library-Window and
// X-RateLimit-Type headers based on request context.
type APIResponse struct {
	w           http.ResponseWriter
	r           *http.Request
	cacheStatus string
	window      string
}

// Respond creates a response helper from request context
func Respond(w http.ResponseWriter, r *http.Request) *APIResponse {
	return &APIResponse{w: w, r: r}
}

// SetCacheStatus sets the X-Cache-Status header value
func (a *APIResponse) SetCacheStatus(status string) *APIResponse {
	a.cacheStatus = status
	return a
}

// SetWindow sets the X-Library-Window header value
func (a *APIResponse) SetWindow(window string) *APIResponse {
	a.window = window
	return a
}

// writeHeaders sets all standard headers based on context
func (a *APIResponse) writeHeaders() {
	a.w.Header().Set("Content-Type", "application/json")

	if a.cacheStatus != "" {
		a.w.Header().Set("X-Cache-Status", a.cacheStatus)
	}
	if a.window != "" {
		a.w.Header().Set("X-Library-Window", a.window)
	}

	if rateLimitType, ok := a.r.Context().Value(rateLimitTypeKey).(string); ok && rateLimitType != "" {
		a.w.Header().Set("X-RateLimit-Type", rateLimitType)
	}
}

// JSON writes headers and encodes data as JSON (200 OK)
func (a *APIResponse) JSON(data interface{}) error {
	a.writeHeaders()
	return json.NewEncoder(a.w).Encode(data)
}

// Status writes headers, sets status code, and encodes data as JSON
func (a *APIResponse) Status(statusCode int, data interface{}) error {
	a.writeHeaders()
	a.w.WriteHeader(statusCode)
	return json.NewEncoder(a.w).Encode(data)
}

// Error encodes a failure body with a 4xx or 5xx status. Anything else is
// reported as 500.
func (a *APIResponse) Error(statusCode int, data interface{}) error {
	if statusCode < http.StatusBadRequest {
		statusCode = http.StatusInternalServerError
	}
	return a.Status(statusCode, data)
}

// Created writes data with 201 Created
func (a *APIResponse) Created(data interface{}) error {
	return a.Status(http.StatusCreated, data)
}

// Message writes a {"error": message} body with the given status
func (a *APIResponse) Message(statusCode int, message string) error {
	return a.Error(statusCode, map[string]string{"error": message})
}

// Fail maps an access-layer error to its status and user-facing message.
// Authorization failures point the UI at the login route.
func (a *APIResponse) Fail(err error) error {
	status := spotify.HTTPStatus(err)
	body := map[string]string{"error": spotify.UserMessage(err)}

	if errors.Is(err, library.ErrNoOwner) {
		status = http.StatusUnauthorized
		body["error"] = "Sign in with Spotify to load your library."
	}
	if errors.Is(err, library.ErrSessionChanged) {
		status = http.StatusConflict
		body["error"] = "Your Spotify session changed while loading. Please try again."
	}
	if status == http.StatusUnauthorized {
		body["reauthUrl"] = session.LoginPath
	}
	if errors.Is(err, spotify.ErrRateLimited) {
		a.w.Header().Set("Retry-After", "1")
	}
	return a.Error(status, body)
}
