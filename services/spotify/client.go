package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/utils"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/zmb3/spotify/v2"
)

// Queue priorities per operation, lower runs first
const (
	PriorityUser     = 1
	PriorityArtists  = 2
	PriorityTop      = 3
	PriorityPlaylist = 4
	PriorityLibrary  = 5
)

const (
	artistBatchSize     = 50
	playlistBatchSize   = 100
	savedTracksPageSize = 50
)

// Time ranges accepted by the top items endpoints
const (
	ShortTerm  = "short_term"
	MediumTerm = "medium_term"
	LongTerm   = "long_term"
)

// Client is the typed facade over the Web API. Every call goes through the
// request queue.
type Client struct {
	queue *RequestQueue

	mu     sync.Mutex
	userID string
}

// NewClient creates a facade that sends requests through queue
func NewClient(queue *RequestQueue) *Client {
	return &Client{queue: queue}
}

// Queue returns the request queue behind the facade
func (c *Client) Queue() *RequestQueue {
	return c.queue
}

func (c *Client) get(ctx context.Context, path string, query url.Values, priority int) (*Response, error) {
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.queue.Enqueue(ctx, Request{Method: http.MethodGet, URL: target}, priority)
}

func (c *Client) post(ctx context.Context, path string, body any, priority int) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", path, err)
	}
	return c.queue.Enqueue(ctx, Request{Method: http.MethodPost, URL: path, Body: payload}, priority)
}

// CurrentUser returns the signed-in user's profile
func (c *Client) CurrentUser(ctx context.Context) (*spotify.PrivateUser, error) {
	resp, err := c.get(ctx, "/me", nil, PriorityUser)
	if err != nil {
		return nil, err
	}
	user, err := decode("/me", resp.Body, validateUser)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.userID = user.ID
	c.mu.Unlock()
	return user, nil
}

// ForgetUser drops the cached user id after sign-out
func (c *Client) ForgetUser() {
	c.mu.Lock()
	c.userID = ""
	c.mu.Unlock()
}

// GetArtists resolves artist ids in batches of 50, preserving input order.
// Unknown ids are skipped.
func (c *Client) GetArtists(ctx context.Context, ids []string) ([]*spotify.FullArtist, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	artists := make([]*spotify.FullArtist, 0, len(unique))
	for _, batch := range utils.Chunk(unique, artistBatchSize) {
		resp, err := c.get(ctx, "/artists", url.Values{"ids": {strings.Join(batch, ",")}}, PriorityArtists)
		if err != nil {
			return nil, err
		}
		env, err := decode[artistsEnvelope]("/artists", resp.Body, nil)
		if err != nil {
			return nil, err
		}
		for _, a := range env.Artists {
			if a != nil {
				artists = append(artists, a)
			}
		}
	}
	return artists, nil
}

// TopArtists returns the user's top artists for timeRange
func (c *Client) TopArtists(ctx context.Context, timeRange string, limit int) (*spotify.FullArtistPage, error) {
	query, err := topQuery(timeRange, limit)
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, "/me/top/artists", query, PriorityTop)
	if err != nil {
		return nil, err
	}
	return decode[spotify.FullArtistPage]("/me/top/artists", resp.Body, nil)
}

// TopTracks returns the user's top tracks for timeRange
func (c *Client) TopTracks(ctx context.Context, timeRange string, limit int) (*spotify.FullTrackPage, error) {
	query, err := topQuery(timeRange, limit)
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, "/me/top/tracks", query, PriorityTop)
	if err != nil {
		return nil, err
	}
	return decode[spotify.FullTrackPage]("/me/top/tracks", resp.Body, nil)
}

// RecentlyPlayed returns up to limit recently played tracks
func (c *Client) RecentlyPlayed(ctx context.Context, limit int) (*spotify.RecentlyPlayedResult, error) {
	query := url.Values{"limit": {strconv.Itoa(clampLimit(limit))}}
	resp, err := c.get(ctx, "/me/player/recently-played", query, PriorityTop)
	if err != nil {
		return nil, err
	}
	return decode("/me/player/recently-played", resp.Body, validateRecentlyPlayed)
}

// WalkSavedTracks pages through the user's saved tracks, newest first. fn sees
// each page and returns false to stop. Paging ends once total is reached or a
// short page arrives.
func (c *Client) WalkSavedTracks(ctx context.Context, fn func(page []spotify.SavedTrack) (bool, error)) error {
	offset := 0
	for {
		query := url.Values{
			"limit":  {strconv.Itoa(savedTracksPageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		resp, err := c.get(ctx, "/me/tracks", query, PriorityLibrary)
		if err != nil {
			return err
		}
		page, err := decode("/me/tracks", resp.Body, validateSavedTrackPage)
		if err != nil {
			return err
		}

		log.Debugf("%s /me/tracks offset=%d got=%d total=%d", logcolors.LogPagination, offset, len(page.Tracks), int(page.Total))

		more, err := fn(page.Tracks)
		if err != nil {
			return err
		}
		offset += len(page.Tracks)
		if !more || len(page.Tracks) < savedTracksPageSize || offset >= int(page.Total) {
			return nil
		}
	}
}

// SavedTracks returns the user's whole library
func (c *Client) SavedTracks(ctx context.Context) ([]spotify.SavedTrack, error) {
	var all []spotify.SavedTrack
	err := c.WalkSavedTracks(ctx, func(page []spotify.SavedTrack) (bool, error) {
		all = append(all, page...)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// CreatePlaylist creates a private playlist, adds uris in batches of 100 in
// order, and returns the playlist's public URL
func (c *Client) CreatePlaylist(ctx context.Context, name, description string, uris []string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("playlist name is required")
	}

	userID, err := c.currentUserID(ctx)
	if err != nil {
		return "", err
	}

	createPath := "/users/" + url.PathEscape(userID) + "/playlists"
	resp, err := c.post(ctx, createPath, createPlaylistBody{Name: name, Description: description}, PriorityPlaylist)
	if err != nil {
		return "", err
	}
	playlist, err := decode(createPath, resp.Body, validatePlaylist)
	if err != nil {
		return "", err
	}

	log.Infof("%s Created playlist %s, adding %d tracks", logcolors.LogPlaylist, playlist.ID, len(uris))

	addPath := "/playlists/" + url.PathEscape(string(playlist.ID)) + "/tracks"
	for i, batch := range utils.Chunk(uris, playlistBatchSize) {
		resp, err := c.post(ctx, addPath, addTracksBody{URIs: batch}, PriorityPlaylist)
		if err != nil {
			return "", fmt.Errorf("add batch %d: %w", i+1, err)
		}
		if _, err := decode[snapshotEnvelope](addPath, resp.Body, nil); err != nil {
			return "", err
		}
	}

	return playlist.ExternalURLs["spotify"], nil
}

func (c *Client) currentUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.userID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	user, err := c.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func topQuery(timeRange string, limit int) (url.Values, error) {
	switch timeRange {
	case "":
		timeRange = MediumTerm
	case ShortTerm, MediumTerm, LongTerm:
	default:
		return nil, fmt.Errorf("invalid time range %q", timeRange)
	}
	return url.Values{
		"time_range": {timeRange},
		"limit":      {strconv.Itoa(clampLimit(limit))},
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 50 {
		return 50
	}
	return limit
}
