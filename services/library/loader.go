package library

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"spotify-time-machine-go/cache"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/spotify"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	zspotify "github.com/zmb3/spotify/v2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoOwner is returned when loading before a user is signed in
	ErrNoOwner = errors.New("library: no signed-in user")
	// ErrSessionChanged is returned to callers whose load was overtaken by a
	// sign-in, sign-out or reset
	ErrSessionChanged = errors.New("library: session changed while loading")
)

// LibraryAPI is the slice of the Web API facade the loader depends on
type LibraryAPI interface {
	WalkSavedTracks(ctx context.Context, fn func(page []zspotify.SavedTrack) (bool, error)) error
	GetArtists(ctx context.Context, ids []string) ([]*zspotify.FullArtist, error)
}

var _ LibraryAPI = (*spotify.Client)(nil)

// CompactTrack is the minimal projection of a saved track used for analytics
type CompactTrack struct {
	ID        string   `json:"id"`
	AddedAt   int64    `json:"addedAt"` // epoch ms
	ArtistIDs []string `json:"artistIds"`
}

// Collection holds one window's liked tracks, newest first
type Collection struct {
	Window    Window                `json:"window"`
	Tracks    []zspotify.SavedTrack `json:"tracks"`
	Compact   []CompactTrack        `json:"compact"`
	FetchedAt time.Time             `json:"fetchedAt"`
}

// fullRecord is the persisted form of a collection's full tracks
type fullRecord struct {
	Tracks    []zspotify.SavedTrack `json:"tracks"`
	FetchedAt time.Time             `json:"fetchedAt"`
}

// State is what the UI renders: the active window and loading flags
type State struct {
	Window             Window          `json:"window"`
	Data               *Collection     `json:"data"`
	IsLoading          bool            `json:"isLoading"`
	IsLoadingPerWindow map[Window]bool `json:"isLoadingPerWindow"`
	Error              string          `json:"error,omitempty"`
}

// LoaderConfig configures a Loader
type LoaderConfig struct {
	Owner     string
	WindowTTL time.Duration
	ArtistTTL time.Duration
	MaxItems  int
	Prefetch  bool
	Now       func() time.Time
}

// Loader loads liked tracks per window from memory, the persistent cache, or
// the Web API, and prefetches the other windows in the background
type Loader struct {
	cfg   LoaderConfig
	api   LibraryAPI
	store *cache.PersistentCache

	group   singleflight.Group
	artists *ttlcache.Cache[string, *zspotify.FullArtist]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	owner    string
	gen      uint64
	active   Window
	resident map[Window]*Collection
	loading  map[Window]bool
	errs     map[Window]error
}

// NewLoader creates a loader. store may be nil to disable persistence.
func NewLoader(cfg LoaderConfig, api LibraryAPI, store *cache.PersistentCache) *Loader {
	if cfg.WindowTTL <= 0 {
		cfg.WindowTTL = 6 * time.Hour
	}
	if cfg.ArtistTTL <= 0 {
		cfg.ArtistTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	artists := ttlcache.New[string, *zspotify.FullArtist](
		ttlcache.WithTTL[string, *zspotify.FullArtist](cfg.ArtistTTL),
		ttlcache.WithDisableTouchOnHit[string, *zspotify.FullArtist](),
	)
	go artists.Start()

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		cfg:      cfg,
		api:      api,
		store:    store,
		artists:  artists,
		ctx:      ctx,
		cancel:   cancel,
		owner:    cfg.Owner,
		active:   PastYear,
		resident: make(map[Window]*Collection),
		loading:  make(map[Window]bool),
		errs:     make(map[Window]error),
	}
}

// SetOwner switches the signed-in user. In-memory state is dropped when the
// owner changes.
func (l *Loader) SetOwner(owner string) {
	l.mu.Lock()
	changed := owner != l.owner
	l.owner = owner
	if changed {
		l.resetLocked()
	}
	l.mu.Unlock()

	if changed {
		l.artists.DeleteAll()
	}
}

// Owner returns the user whose library is loaded
func (l *Loader) Owner() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner
}

// Get returns the collection for w, loading it if needed, then prefetches the
// remaining windows in the background
func (l *Loader) Get(ctx context.Context, w Window) (*Collection, error) {
	coll, err := l.get(ctx, w)
	if err != nil {
		return nil, err
	}
	if l.cfg.Prefetch {
		l.prefetch(w)
	}
	return coll, nil
}

// get loads w without triggering a prefetch. Concurrent calls for the same
// window share one load.
func (l *Loader) get(ctx context.Context, w Window) (*Collection, error) {
	if !w.Valid() {
		return nil, fmt.Errorf("unknown window %q", w)
	}
	if coll := l.Resident(w); coll != nil {
		return coll, nil
	}

	l.mu.RLock()
	owner, gen := l.owner, l.gen
	l.mu.RUnlock()
	if owner == "" {
		return nil, ErrNoOwner
	}

	key := fmt.Sprintf("%s:%d:%s", owner, gen, w)
	v, err, shared := l.group.Do(key, func() (any, error) {
		return l.load(context.WithoutCancel(ctx), owner, gen, w)
	})
	if shared {
		log.Debugf("%s Joined in-flight load of %s", logcolors.Window(string(w)), w)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Collection), nil
}

func (l *Loader) load(ctx context.Context, owner string, gen uint64, w Window) (*Collection, error) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return nil, ErrSessionChanged
	}
	l.loading[w] = true
	delete(l.errs, w)
	l.mu.Unlock()

	coll, err := l.loadFromStore(owner, w)
	if coll == nil {
		coll, err = l.fetch(ctx, owner, gen, w)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return nil, ErrSessionChanged
	}
	l.loading[w] = false
	if err != nil {
		l.errs[w] = err
		return nil, err
	}
	l.resident[w] = coll
	return coll, nil
}

func (l *Loader) loadFromStore(owner string, w Window) (*Collection, error) {
	if l.store == nil {
		return nil, nil
	}

	var full fullRecord
	if !l.store.Get(fullKey(owner, w), &full) {
		return nil, nil
	}

	var compact []CompactTrack
	if !l.store.Get(compactKey(owner, w), &compact) {
		compact = Project(full.Tracks)
		l.store.Set(compactKey(owner, w), compact, l.cfg.WindowTTL)
	}

	log.Infof("%s Restored %d tracks from cache", logcolors.Window(string(w)), len(full.Tracks))
	return &Collection{Window: w, Tracks: full.Tracks, Compact: compact, FetchedAt: full.FetchedAt}, nil
}

// fetch walks saved tracks newest first and stops after the first page that
// reaches past the window's cutoff
func (l *Loader) fetch(ctx context.Context, owner string, gen uint64, w Window) (*Collection, error) {
	now := l.cfg.Now()
	cutoff := w.Cutoff(now)
	log.Infof("%s Fetching liked tracks (cutoff %s)", logcolors.Window(string(w)), formatCutoff(cutoff))

	var tracks []zspotify.SavedTrack
	pages := 0
	err := l.api.WalkSavedTracks(ctx, func(page []zspotify.SavedTrack) (bool, error) {
		pages++
		reachedCutoff := false
		for _, t := range page {
			at, err := spotify.AddedAt(t)
			if err != nil {
				continue
			}
			if !cutoff.IsZero() && at.Before(cutoff) {
				reachedCutoff = true
				continue
			}
			tracks = append(tracks, t)
		}
		return !reachedCutoff, nil
	})
	if err != nil {
		log.Errorf("%s Fetch failed after %d pages: %v", logcolors.Window(string(w)), pages, err)
		return nil, err
	}

	tracks = TrimToLimit(tracks, l.cfg.MaxItems)
	coll := &Collection{
		Window:    w,
		Tracks:    tracks,
		Compact:   Project(tracks),
		FetchedAt: now,
	}

	if l.store != nil && l.current(gen) {
		l.store.Set(fullKey(owner, w), fullRecord{Tracks: coll.Tracks, FetchedAt: now}, l.cfg.WindowTTL)
		l.store.Set(compactKey(owner, w), coll.Compact, l.cfg.WindowTTL)
	}

	log.Infof("%s Loaded %d tracks in %d pages", logcolors.Window(string(w)), len(tracks), pages)
	return coll, nil
}

// prefetch loads the windows adjacent to w in a background goroutine
func (l *Loader) prefetch(w Window) {
	var todo []Window
	for _, next := range w.PrefetchOrder() {
		if l.Resident(next) == nil {
			todo = append(todo, next)
		}
	}
	if len(todo) == 0 {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for _, next := range todo {
			if l.ctx.Err() != nil {
				return
			}
			if _, err := l.get(l.ctx, next); err != nil {
				log.Warnf("%s Prefetch of %s failed: %v", logcolors.LogPrefetch, next, err)
				continue
			}
			log.Debugf("%s %s ready", logcolors.LogPrefetch, next)
		}
	}()
}

// Wait blocks until background loads have finished
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Resident returns the in-memory collection for w, or nil
func (l *Loader) Resident(w Window) *Collection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resident[w]
}

// SetWindow makes w the active window. A resident window switches at once;
// otherwise w is marked loading and fetched in the background.
func (l *Loader) SetWindow(w Window) State {
	l.mu.Lock()
	l.active = w
	_, resident := l.resident[w]
	if !resident {
		l.loading[w] = true
	}
	l.mu.Unlock()

	if !resident {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if _, err := l.Get(l.ctx, w); err != nil {
				if errors.Is(err, ErrSessionChanged) {
					return
				}
				l.mu.Lock()
				l.loading[w] = false
				l.errs[w] = err
				l.mu.Unlock()
				log.Warnf("%s Background load failed: %v", logcolors.Window(string(w)), err)
			}
		}()
	}
	return l.State()
}

// State returns the active window's data and loading flags
func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	perWindow := make(map[Window]bool, len(Windows))
	for _, w := range Windows {
		perWindow[w] = l.loading[w]
	}

	s := State{
		Window:             l.active,
		Data:               l.resident[l.active],
		IsLoading:          l.loading[l.active],
		IsLoadingPerWindow: perWindow,
	}
	if err := l.errs[l.active]; err != nil {
		s.Error = spotify.UserMessage(err)
	}
	return s
}

// Reset drops all in-memory state. Persisted entries are kept.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.resetLocked()
	l.mu.Unlock()

	l.artists.DeleteAll()
}

// resetLocked starts a new generation; loads from older generations are discarded
func (l *Loader) resetLocked() {
	l.gen++
	l.active = PastYear
	l.resident = make(map[Window]*Collection)
	l.loading = make(map[Window]bool)
	l.errs = make(map[Window]error)
}

func (l *Loader) current(gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return gen == l.gen
}

// Forget removes the owner's persisted windows and resets memory
func (l *Loader) Forget() {
	owner := l.Owner()
	if l.store != nil && owner != "" {
		for _, w := range Windows {
			l.store.Delete(fullKey(owner, w))
			l.store.Delete(compactKey(owner, w))
		}
	}
	l.Reset()
}

// Close stops background work
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
	l.artists.Stop()
}

// Project builds the compact form of tracks, preserving order
func Project(tracks []zspotify.SavedTrack) []CompactTrack {
	compact := make([]CompactTrack, 0, len(tracks))
	for _, t := range tracks {
		at, err := spotify.AddedAt(t)
		if err != nil {
			continue
		}
		compact = append(compact, CompactTrack{
			ID:        string(t.ID),
			AddedAt:   at.UnixMilli(),
			ArtistIDs: spotify.ArtistIDs(t),
		})
	}
	return compact
}

// TrimToLimit keeps the limit most recently added tracks, newest first
func TrimToLimit(tracks []zspotify.SavedTrack, limit int) []zspotify.SavedTrack {
	slices.SortStableFunc(tracks, func(a, b zspotify.SavedTrack) int {
		ta, _ := spotify.AddedAt(a)
		tb, _ := spotify.AddedAt(b)
		return tb.Compare(ta)
	})
	if limit > 0 && len(tracks) > limit {
		log.Infof("%s Trimming %d tracks to the %d most recent", logcolors.LogLoader, len(tracks), limit)
		tracks = tracks[:limit]
	}
	return tracks
}

func fullKey(owner string, w Window) string {
	return "liked_tracks:" + owner + ":" + string(w)
}

func compactKey(owner string, w Window) string {
	return "liked_tracks_compact:" + owner + ":" + string(w)
}

func formatCutoff(cutoff time.Time) string {
	if cutoff.IsZero() {
		return "none"
	}
	return cutoff.Format(time.DateOnly)
}
