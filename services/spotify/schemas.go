package spotify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zmb3/spotify/v2"
)

// Response schemas reuse the zmb3/spotify object model. Endpoints without a
// matching top-level type get a thin envelope here.

type artistsEnvelope struct {
	Artists []*spotify.FullArtist `json:"artists"`
}

type snapshotEnvelope struct {
	SnapshotID string `json:"snapshot_id"`
}

type createPlaylistBody struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Public      bool   `json:"public"`
}

type addTracksBody struct {
	URIs []string `json:"uris"`
}

func decodeJSON(body []byte, out any) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, out)
}

// decode unmarshals body into out and runs validate, wrapping any failure in a ParseError
func decode[T any](endpoint string, body []byte, validate func(*T) error) (*T, error) {
	out := new(T)
	if err := decodeJSON(body, out); err != nil {
		return nil, &ParseError{Endpoint: endpoint, Err: err}
	}
	if validate != nil {
		if err := validate(out); err != nil {
			return nil, &ParseError{Endpoint: endpoint, Err: err}
		}
	}
	return out, nil
}

func validateUser(u *spotify.PrivateUser) error {
	if u.ID == "" {
		return errors.New("user id missing")
	}
	return nil
}

func validateSavedTrackPage(p *spotify.SavedTrackPage) error {
	if p.Total < 0 {
		return fmt.Errorf("negative total %d", int(p.Total))
	}
	for i, item := range p.Tracks {
		if _, err := AddedAt(item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

func validatePlaylist(p *spotify.FullPlaylist) error {
	if p.ID == "" {
		return errors.New("playlist id missing")
	}
	return nil
}

func validateRecentlyPlayed(r *spotify.RecentlyPlayedResult) error {
	for i, item := range r.Items {
		if item.PlayedAt.IsZero() {
			return fmt.Errorf("item %d: played_at missing", i)
		}
	}
	return nil
}

// AddedAt parses the added_at timestamp of a saved track
func AddedAt(t spotify.SavedTrack) (time.Time, error) {
	if t.AddedAt == "" {
		return time.Time{}, errors.New("added_at missing")
	}
	at, err := time.Parse(time.RFC3339, t.AddedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("added_at %q: %w", t.AddedAt, err)
	}
	return at, nil
}

// ArtistIDs returns the ids of a track's artists in credit order
func ArtistIDs(t spotify.SavedTrack) []string {
	ids := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		if a.ID != "" {
			ids = append(ids, string(a.ID))
		}
	}
	return ids
}
