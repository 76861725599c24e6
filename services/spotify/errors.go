package spotify

import (
	"errors"
	"fmt"
	"net/http"
	"spotify-time-machine-go/circuitbreaker"
)

var (
	ErrUnauthorized   = errors.New("spotify: unauthorized")
	ErrForbidden      = errors.New("spotify: insufficient permissions")
	ErrRateLimited    = errors.New("spotify: rate limited")
	ErrTimeout        = errors.New("spotify: request timed out")
	ErrRefreshFailed  = errors.New("spotify: token refresh failed")
	ErrNoRefreshToken = errors.New("spotify: no refresh token in session")
	ErrQueueClosed    = errors.New("spotify: request queue closed")
	ErrCircuitOpen    = circuitbreaker.ErrCircuitOpen
)

// APIError is a non-2xx response from the Web API
type APIError struct {
	Status   int
	Message  string
	Endpoint string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("spotify %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("spotify %s: status %d", e.Endpoint, e.Status)
}

// Unwrap maps the status onto the package sentinels so callers can use errors.Is
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// ParseError is a response body that does not match the endpoint's schema
type ParseError struct {
	Endpoint string
	Err      error
}

func (e *ParseError) Error() string {
	return "spotify " + e.Endpoint + ": invalid response: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// errorBody is the Web API's error envelope
type errorBody struct {
	Error struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// UserMessage translates an error into copy suitable for the UI
func UserMessage(err error) string {
	var parseErr *ParseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrRefreshFailed), errors.Is(err, ErrNoRefreshToken):
		return "Your Spotify session has expired. Please sign in again."
	case errors.Is(err, ErrForbidden):
		return "Spotify did not grant permission for this action. Please sign in again and approve the requested access."
	case errors.Is(err, ErrRateLimited):
		return "Spotify is rate limiting requests right now. Please try again in a minute."
	case errors.Is(err, ErrTimeout):
		return "Spotify took too long to respond. Please try again."
	case errors.Is(err, ErrCircuitOpen):
		return "Spotify is temporarily unavailable. Please try again shortly."
	case errors.As(err, &parseErr):
		return "Spotify returned an unexpected response."
	default:
		return "Something went wrong talking to Spotify."
	}
}

// HTTPStatus picks the status code the HTTP layer should answer with for err
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrRefreshFailed), errors.Is(err, ErrNoRefreshToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
