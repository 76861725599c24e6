package spotify

import (
	"context"
	"errors"
	"fmt"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/notifier"
	"spotify-time-machine-go/stats"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds a refresh, which runs detached from the caller's context
const refreshTimeout = 30 * time.Second

// TokenState is the credential set held by the session
type TokenState struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch seconds
	LastError    string `json:"lastError,omitempty"`
}

// Expiry returns ExpiresAt as a time, zero when unknown
func (t TokenState) Expiry() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAt, 0)
}

// Session is the identity collaborator that owns the user's tokens
type Session interface {
	Tokens() TokenState
	UpdateSession(ctx context.Context, tokens TokenState) error
	ForceReauthentication(reason error)
}

// RefreshFunc exchanges a refresh token for a new TokenState
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenState, error)

// Token status values reported by TokenManager.Status
const (
	TokenValid         = "valid"
	TokenExpiringSoon  = "expiring_soon"
	TokenExpired       = "expired"
	TokenRefreshFailed = "refresh_failed"
	TokenMissing       = "missing"
)

// TokenStatus is a diagnostic view of the token
type TokenStatus struct {
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expiresAt,omitzero"`
	ExpiresIn       string    `json:"expiresIn,omitempty"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	Refreshing      bool      `json:"isRefreshing"`
	LastRefresh     time.Time `json:"lastRefresh,omitzero"`
	LastError       string    `json:"lastError,omitempty"`
}

// TokenManager keeps the access token fresh. At most one refresh is in flight;
// concurrent callers join it.
type TokenManager struct {
	session   Session
	refresh   RefreshFunc
	threshold time.Duration
	now       func() time.Time

	group      singleflight.Group
	refreshing atomic.Bool

	mu          sync.Mutex
	lastRefresh time.Time
	lastError   error
}

// NewTokenManager creates a coordinator that refreshes tokens within threshold of expiry
func NewTokenManager(session Session, refresh RefreshFunc, threshold time.Duration) *TokenManager {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &TokenManager{
		session:   session,
		refresh:   refresh,
		threshold: threshold,
		now:       time.Now,
	}
}

// AccessToken returns a usable access token, refreshing first when the current
// one is expired or about to expire
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	state := m.session.Tokens()
	if state.AccessToken == "" && state.RefreshToken == "" {
		return "", ErrUnauthorized
	}

	switch m.statusOf(state) {
	case TokenValid:
		return state.AccessToken, nil
	case TokenExpiringSoon:
		token, err := m.Refresh(ctx, state.AccessToken)
		if err != nil {
			// still usable until it actually expires
			log.Warnf("%s Proactive refresh failed, using current token: %v", logcolors.LogToken, err)
			return state.AccessToken, nil
		}
		return token, nil
	}

	return m.Refresh(ctx, state.AccessToken)
}

// Refresh obtains a new access token. If the session already holds a token other
// than staleToken, another caller refreshed first and that token is returned.
func (m *TokenManager) Refresh(ctx context.Context, staleToken string) (string, error) {
	if current := m.session.Tokens(); current.AccessToken != "" && current.AccessToken != staleToken && !m.expired(current) {
		return current.AccessToken, nil
	}

	v, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx, staleToken)
	})
	if shared {
		log.Debugf("%s Joined in-flight refresh", logcolors.LogToken)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) doRefresh(ctx context.Context, staleToken string) (string, error) {
	current := m.session.Tokens()
	if current.AccessToken != "" && current.AccessToken != staleToken && !m.expired(current) {
		return current.AccessToken, nil
	}
	if current.RefreshToken == "" {
		m.fail(ErrNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	m.refreshing.Store(true)
	defer m.refreshing.Store(false)

	log.Infof("%s Refreshing access token...", logcolors.LogToken)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	next, err := m.refresh(rctx, current.RefreshToken)
	if err == nil && next.AccessToken == "" {
		err = errors.New("empty access token in refresh response")
	}
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		m.fail(wrapped)
		return "", wrapped
	}

	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	next.LastError = ""

	if err := m.session.UpdateSession(rctx, next); err != nil {
		log.Warnf("%s Failed to persist refreshed token: %v", logcolors.LogToken, err)
	}

	m.mu.Lock()
	m.lastRefresh = m.now()
	m.lastError = nil
	m.mu.Unlock()

	stats.Get().TokenRefreshes.Add(1)
	notifier.PublishTokenRefreshed(next.ExpiresAt)
	log.Infof("%s Access token refreshed, expires at %s", logcolors.LogToken, next.Expiry().Format(time.RFC3339))

	return next.AccessToken, nil
}

// fail records a refresh failure and forces reauthentication once
func (m *TokenManager) fail(err error) {
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()

	stats.Get().RefreshFailures.Add(1)
	log.Errorf("%s Token refresh failed: %v", logcolors.LogToken, err)
	m.session.ForceReauthentication(err)
}

// IsRefreshing reports whether a refresh is in flight
func (m *TokenManager) IsRefreshing() bool {
	return m.refreshing.Load()
}

// ForceReauthentication forwards to the session
func (m *TokenManager) ForceReauthentication(reason error) {
	m.mu.Lock()
	m.lastError = reason
	m.mu.Unlock()
	m.session.ForceReauthentication(reason)
}

// Status reports the token's lifecycle state
func (m *TokenManager) Status() TokenStatus {
	state := m.session.Tokens()

	m.mu.Lock()
	lastRefresh, lastErr := m.lastRefresh, m.lastError
	m.mu.Unlock()

	s := TokenStatus{
		Status:          m.statusOf(state),
		ExpiresAt:       state.Expiry(),
		HasRefreshToken: state.RefreshToken != "",
		Refreshing:      m.IsRefreshing(),
		LastRefresh:     lastRefresh,
	}
	if !s.ExpiresAt.IsZero() {
		s.ExpiresIn = s.ExpiresAt.Sub(m.now()).Round(time.Second).String()
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
		s.Status = TokenRefreshFailed
	}
	return s
}

func (m *TokenManager) statusOf(state TokenState) string {
	switch {
	case state.AccessToken == "":
		return TokenMissing
	case state.ExpiresAt == 0:
		return TokenValid
	case m.expired(state):
		return TokenExpired
	case m.now().Add(m.threshold).After(state.Expiry()):
		return TokenExpiringSoon
	default:
		return TokenValid
	}
}

func (m *TokenManager) expired(state TokenState) bool {
	return state.ExpiresAt != 0 && !m.now().Before(state.Expiry())
}

// StartMonitor refreshes the token ahead of expiry until ctx ends
func (m *TokenManager) StartMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Infof("%s Starting token monitor (every %v, threshold %v)", logcolors.LogToken, interval, m.threshold)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAndRefresh(ctx)
			}
		}
	}()
}

func (m *TokenManager) checkAndRefresh(ctx context.Context) {
	state := m.session.Tokens()
	if state.RefreshToken == "" {
		return
	}
	switch m.statusOf(state) {
	case TokenExpiringSoon, TokenExpired:
		log.Infof("%s Token expires at %s, refreshing proactively", logcolors.LogToken, state.Expiry().Format(time.RFC3339))
		if _, err := m.Refresh(ctx, state.AccessToken); err != nil {
			log.Warnf("%s Proactive refresh failed: %v", logcolors.LogToken, err)
		}
	}
}
