package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/notifier"
	"spotify-time-machine-go/services/spotify"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	sessionBucketName = "session"
	sessionKey        = "current"
)

// Record is the persisted single-user session
type Record struct {
	UserID         string             `json:"userId"`
	DisplayName    string             `json:"displayName"`
	Tokens         spotify.TokenState `json:"tokens"`
	ReauthRequired bool               `json:"reauthRequired"`
	ReauthReason   string             `json:"reauthReason,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Status is the session view exposed over HTTP, without credentials
type Status struct {
	SignedIn       bool      `json:"signedIn"`
	UserID         string    `json:"userId,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	ReauthRequired bool      `json:"reauthRequired"`
	ReauthReason   string    `json:"reauthReason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt,omitzero"`
}

// Store keeps the signed-in user's identity and tokens in BoltDB so a restart
// does not sign the user out
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	rec Record
}

var _ spotify.Session = (*Store)(nil)

// NewStore opens (or creates) the session database at dbPath
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	store := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(sessionBucketName))
		if err != nil {
			return err
		}
		data := b.Get([]byte(sessionKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &store.rec); err != nil {
			log.Warnf("%s Discarding unreadable session: %v", logcolors.LogSession, err)
			store.rec = Record{}
			return b.Delete([]byte(sessionKey))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session bucket: %w", err)
	}

	if store.rec.UserID != "" {
		log.Infof("%s Restored session for %s", logcolors.LogSession, store.rec.UserID)
	}
	return store, nil
}

// Tokens returns the current credentials
func (s *Store) Tokens() spotify.TokenState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Tokens
}

// UpdateSession stores refreshed tokens
func (s *Store) UpdateSession(ctx context.Context, tokens spotify.TokenState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Tokens = tokens
	s.rec.ReauthRequired = false
	s.rec.ReauthReason = ""
	return s.saveLocked()
}

// SignIn replaces the session after a completed authorization
func (s *Store) SignIn(tokens spotify.TokenState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = Record{Tokens: tokens}
	return s.saveLocked()
}

// SetUser records the profile of the signed-in user
func (s *Store) SetUser(userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.UserID = userID
	s.rec.DisplayName = displayName
	return s.saveLocked()
}

// ForceReauthentication drops the credentials and flags the session so the UI
// sends the user back through login
func (s *Store) ForceReauthentication(reason error) {
	s.mu.Lock()
	s.rec.Tokens = spotify.TokenState{}
	s.rec.ReauthRequired = true
	if reason != nil {
		s.rec.ReauthReason = reason.Error()
	}
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		log.Errorf("%s Failed to persist reauthentication flag: %v", logcolors.LogSession, err)
	}
	log.Warnf("%s Reauthentication required: %v", logcolors.LogSession, reason)
	notifier.PublishReauthRequired(reason)
}

// Clear signs the user out
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = Record{}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Delete([]byte(sessionKey))
	})
}

// UserID returns the signed-in user's id, empty when signed out
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.UserID
}

// ReauthRequired reports whether the user must sign in again
func (s *Store) ReauthRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.ReauthRequired
}

// Status returns the session without credentials
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		SignedIn:       s.rec.Tokens.AccessToken != "" || s.rec.Tokens.RefreshToken != "",
		UserID:         s.rec.UserID,
		DisplayName:    s.rec.DisplayName,
		ReauthRequired: s.rec.ReauthRequired,
		ReauthReason:   s.rec.ReauthReason,
		UpdatedAt:      s.rec.UpdatedAt,
	}
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// saveLocked persists the record. Caller holds s.mu.
func (s *Store) saveLocked() error {
	s.rec.UpdatedAt = time.Now()
	data, err := json.Marshal(s.rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucketName)).Put([]byte(sessionKey), data)
	})
}
