package library

import (
	"context"
	"errors"
	"fmt"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/spotify"
	"sync"

	log "github.com/sirupsen/logrus"
	zspotify "github.com/zmb3/spotify/v2"
	"golang.org/x/sync/errgroup"
)

// OverviewAPI is the slice of the Web API facade the overview depends on
type OverviewAPI interface {
	TopTracks(ctx context.Context, timeRange string, limit int) (*zspotify.FullTrackPage, error)
	TopArtists(ctx context.Context, timeRange string, limit int) (*zspotify.FullArtistPage, error)
	RecentlyPlayed(ctx context.Context, limit int) (*zspotify.RecentlyPlayedResult, error)
}

var _ OverviewAPI = (*spotify.Client)(nil)

// Overview is the dashboard summary. Sections that failed are nil and listed
// in Errors with a user-facing message.
type Overview struct {
	TopTracks      *zspotify.FullTrackPage        `json:"topTracks"`
	TopArtists     *zspotify.FullArtistPage       `json:"topArtists"`
	RecentlyPlayed *zspotify.RecentlyPlayedResult `json:"recentlyPlayed"`
	Errors         map[string]string              `json:"errors,omitempty"`
}

// LoadOverview fetches the three overview sections in parallel. It fails only
// when every section fails.
func LoadOverview(ctx context.Context, api OverviewAPI, timeRange string, limit int) (*Overview, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		out  Overview
		errs []error
	)

	// sections return nil; failures are collected by record
	record := func(section string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if out.Errors == nil {
			out.Errors = make(map[string]string)
		}
		out.Errors[section] = spotify.UserMessage(err)
		errs = append(errs, fmt.Errorf("%s: %w", section, err))
		log.Warnf("%s %s failed: %v", logcolors.LogOverview, section, err)
	}

	g.Go(func() error {
		page, err := api.TopTracks(ctx, timeRange, limit)
		if err != nil {
			record("topTracks", err)
			return nil
		}
		mu.Lock()
		out.TopTracks = page
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		page, err := api.TopArtists(ctx, timeRange, limit)
		if err != nil {
			record("topArtists", err)
			return nil
		}
		mu.Lock()
		out.TopArtists = page
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		recent, err := api.RecentlyPlayed(ctx, limit)
		if err != nil {
			record("recentlyPlayed", err)
			return nil
		}
		mu.Lock()
		out.RecentlyPlayed = recent
		mu.Unlock()
		return nil
	})
	g.Wait()

	if len(errs) == 3 {
		return nil, fmt.Errorf("overview: every section failed: %w", errors.Join(errs...))
	}
	return &out, nil
}
