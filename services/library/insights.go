package library

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/spotify"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	zspotify "github.com/zmb3/spotify/v2"
)

const monthLayout = "2006-01"

// MonthCount is the number of tracks liked in a calendar month
type MonthCount struct {
	Month string `json:"month"` // YYYY-MM
	Count int    `json:"count"`
}

// GenreCount is the number of liked tracks credited to artists of a genre
type GenreCount struct {
	Genre string `json:"genre"`
	Count int    `json:"count"`
}

// MonthlyCounts counts liked tracks per UTC month, oldest month first
func MonthlyCounts(compact []CompactTrack) []MonthCount {
	counts := make(map[string]int)
	for _, t := range compact {
		month := time.UnixMilli(t.AddedAt).UTC().Format(monthLayout)
		counts[month]++
	}

	result := make([]MonthCount, 0, len(counts))
	for month, n := range counts {
		result = append(result, MonthCount{Month: month, Count: n})
	}
	slices.SortFunc(result, func(a, b MonthCount) int {
		return cmp.Compare(a.Month, b.Month)
	})
	return result
}

// TopGenres ranks genres across the window's tracks. Each track counts once
// for every genre of each of its artists.
func (l *Loader) TopGenres(ctx context.Context, w Window, limit int) ([]GenreCount, error) {
	coll, err := l.get(ctx, w)
	if err != nil {
		return nil, err
	}

	perArtist := make(map[string]int)
	for _, t := range coll.Compact {
		for _, id := range t.ArtistIDs {
			perArtist[id]++
		}
	}
	ids := make([]string, 0, len(perArtist))
	for id := range perArtist {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	artists, err := l.resolveArtists(ctx, ids)
	if err != nil {
		return nil, err
	}

	genres := make(map[string]int)
	for _, a := range artists {
		for _, g := range a.Genres {
			genres[g] += perArtist[string(a.ID)]
		}
	}

	result := make([]GenreCount, 0, len(genres))
	for g, n := range genres {
		result = append(result, GenreCount{Genre: g, Count: n})
	}
	slices.SortFunc(result, func(a, b GenreCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Genre, b.Genre)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// resolveArtists looks artists up in memory, then the persistent cache, and
// fetches the rest in one batched call
func (l *Loader) resolveArtists(ctx context.Context, ids []string) ([]*zspotify.FullArtist, error) {
	resolved := make([]*zspotify.FullArtist, 0, len(ids))
	var missing []string

	for _, id := range ids {
		if item := l.artists.Get(id); item != nil {
			resolved = append(resolved, item.Value())
			continue
		}
		if l.store != nil {
			var a zspotify.FullArtist
			if l.store.Get(artistKey(id), &a) {
				l.artists.Set(id, &a, ttlcache.DefaultTTL)
				resolved = append(resolved, &a)
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return resolved, nil
	}

	log.Debugf("%s Resolving %d artists (%d cached)", logcolors.LogInsights, len(missing), len(resolved))
	fetched, err := l.api.GetArtists(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve artists: %w", err)
	}
	for _, a := range fetched {
		id := string(a.ID)
		l.artists.Set(id, a, ttlcache.DefaultTTL)
		if l.store != nil {
			l.store.Set(artistKey(id), a, l.cfg.ArtistTTL)
		}
		resolved = append(resolved, a)
	}
	return resolved, nil
}

// ErrInvalidMonth is returned for a month not in YYYY-MM form
var ErrInvalidMonth = errors.New("invalid month, expected YYYY-MM")

// TracksAddedIn returns the URIs of the window's tracks liked in month
// (YYYY-MM), newest first
func (l *Loader) TracksAddedIn(ctx context.Context, w Window, month string) ([]string, error) {
	if _, err := time.Parse(monthLayout, month); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMonth, month)
	}

	coll, err := l.get(ctx, w)
	if err != nil {
		return nil, err
	}

	var uris []string
	for _, t := range coll.Tracks {
		at, err := spotify.AddedAt(t)
		if err != nil || t.URI == "" {
			continue
		}
		if at.UTC().Format(monthLayout) == month {
			uris = append(uris, string(t.URI))
		}
	}
	return uris, nil
}

func artistKey(id string) string {
	return "artist:" + id
}
