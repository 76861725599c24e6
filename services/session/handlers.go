package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/spotify"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	zspotify "github.com/zmb3/spotify/v2"
)

// LoginPath is where the UI sends users who must (re)authenticate
const LoginPath = "/auth/login"

// Authorizer runs the OAuth authorization-code flow
type Authorizer interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (spotify.TokenState, error)
}

var _ Authorizer = (*spotify.Authenticator)(nil)

// ProfileFunc fetches the signed-in user's profile
type ProfileFunc func(ctx context.Context) (*zspotify.PrivateUser, error)

// HandlerConfig configures the OAuth handlers
type HandlerConfig struct {
	Auth            Authorizer
	Profile         ProfileFunc
	OnLogin         func(userID string)
	OnLogout        func()
	StateTTL        time.Duration
	SuccessRedirect string // empty answers the callback with JSON
}

// Handlers serves /auth/login, /auth/callback, /auth/logout and /auth/status
type Handlers struct {
	cfg    HandlerConfig
	store  *Store
	states *ttlcache.Cache[string, struct{}]
}

// NewHandlers creates the OAuth handlers backed by store
func NewHandlers(store *Store, cfg HandlerConfig) *Handlers {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	states := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.StateTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go states.Start()

	return &Handlers{cfg: cfg, store: store, states: states}
}

// Close stops the state expiry loop
func (h *Handlers) Close() {
	h.states.Stop()
}

// Login redirects to the provider's consent page
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	h.states.Set(state, struct{}{}, ttlcache.DefaultTTL)
	log.Infof("%s Starting authorization", logcolors.LogOAuth)
	http.Redirect(w, r, h.cfg.Auth.AuthURL(state), http.StatusFound)
}

// Callback completes the authorization-code flow
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if reason := q.Get("error"); reason != "" {
		log.Warnf("%s Authorization denied: %s", logcolors.LogOAuth, reason)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization was denied: " + reason, "reauthUrl": LoginPath})
		return
	}

	state := q.Get("state")
	if state == "" || h.states.Get(state) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid or expired login state", "reauthUrl": LoginPath})
		return
	}
	h.states.Delete(state)

	tokens, err := h.cfg.Auth.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		log.Errorf("%s Code exchange failed: %v", logcolors.LogOAuth, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Could not complete sign-in with Spotify"})
		return
	}
	if err := h.store.SignIn(tokens); err != nil {
		log.Errorf("%s Failed to persist session: %v", logcolors.LogSession, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Could not save session"})
		return
	}

	if h.cfg.Profile != nil {
		user, err := h.cfg.Profile(r.Context())
		if err != nil {
			log.Errorf("%s Failed to load profile: %v", logcolors.LogOAuth, err)
			writeJSON(w, spotify.HTTPStatus(err), map[string]string{"error": spotify.UserMessage(err)})
			return
		}
		if err := h.store.SetUser(user.ID, user.DisplayName); err != nil {
			log.Warnf("%s Failed to persist profile: %v", logcolors.LogSession, err)
		}
		log.Infof("%s Signed in as %s", logcolors.LogSession, user.ID)
		if h.cfg.OnLogin != nil {
			h.cfg.OnLogin(user.ID)
		}
	}

	if h.cfg.SuccessRedirect != "" {
		http.Redirect(w, r, h.cfg.SuccessRedirect, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Status())
}

// Logout clears the session
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(); err != nil {
		log.Errorf("%s Failed to clear session: %v", logcolors.LogSession, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Could not clear session"})
		return
	}
	if h.cfg.OnLogout != nil {
		h.cfg.OnLogout()
	}
	log.Infof("%s Signed out", logcolors.LogSession)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Signed out"})
}

// Status reports whether a user is signed in
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Status())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
