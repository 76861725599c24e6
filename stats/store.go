package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"spotify-time-machine-go/logcolors"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	statsBucketName = "stats"
	statsKey        = "server_stats"
)

// Store handles persistent storage for stats
type Store struct {
	db       *bolt.DB
	dbPath   string
	stats    *Stats
	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PersistedStats represents the stats data that gets persisted to disk
type PersistedStats struct {
	// Cumulative counters (these accumulate across restarts)
	TotalRequests      int64 `json:"total_requests"`
	LibraryRequests    int64 `json:"library_requests"`
	InsightsRequests   int64 `json:"insights_requests"`
	OverviewRequests   int64 `json:"overview_requests"`
	PlaylistRequests   int64 `json:"playlist_requests"`
	AuthRequests       int64 `json:"auth_requests"`
	AdminRequests      int64 `json:"admin_requests"`
	StatsRequests      int64 `json:"stats_requests"`
	HealthRequests     int64 `json:"health_requests"`
	OtherRequests      int64 `json:"other_requests"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`
	CacheExpired       int64 `json:"cache_expired"`
	CacheCorrupted     int64 `json:"cache_corrupted"`
	CacheEvictions     int64 `json:"cache_evictions"`
	CacheDroppedWrites int64 `json:"cache_dropped_writes"`
	QueueEnqueued      int64 `json:"queue_enqueued"`
	QueueDeduplicated  int64 `json:"queue_deduplicated"`
	NetworkCalls       int64 `json:"network_calls"`
	Retries            int64 `json:"retries"`
	RateLimitedCalls   int64 `json:"rate_limited_calls"`
	TokenRefreshes     int64 `json:"token_refreshes"`
	RefreshFailures    int64 `json:"refresh_failures"`
	QueueTimeouts      int64 `json:"queue_timeouts"`
	RateLimitAllowed   int64 `json:"rate_limit_allowed"`
	RateLimitExceeded  int64 `json:"rate_limit_exceeded"`
	Status2xx          int64 `json:"status_2xx"`
	Status4xx          int64 `json:"status_4xx"`
	Status5xx          int64 `json:"status_5xx"`

	// Response time tracking
	TotalResponseTime    int64 `json:"total_response_time"`
	ResponseCount        int64 `json:"response_count"`
	MinResponseTime      int64 `json:"min_response_time"`
	MaxResponseTime      int64 `json:"max_response_time"`
	LibraryResponseTime  int64 `json:"library_response_time"`
	LibraryResponseCount int64 `json:"library_response_count"`

	// Spotify endpoint usage
	EndpointUsage map[string]int64 `json:"endpoint_usage"`

	// Metadata
	LastSaved    time.Time `json:"last_saved"`
	FirstStarted time.Time `json:"first_started"`
}

// NewStore creates a new stats store with a dedicated BoltDB file, persisting the global stats
func NewStore(dbPath string) (*Store, error) {
	return NewStoreFor(dbPath, Get())
}

// NewStoreFor creates a stats store persisting the given stats instance
func NewStoreFor(dbPath string, stats *Stats) (*Store, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}

	// Create bucket if it doesn't exist
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(statsBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create stats bucket: %w", err)
	}

	store := &Store{
		db:       db,
		dbPath:   dbPath,
		stats:    stats,
		stopChan: make(chan struct{}),
	}

	log.Infof("%s Stats store initialized at %s", logcolors.LogStats, dbPath)
	return store, nil
}

// Load reads persisted stats from disk and applies them to the stats instance
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var persisted PersistedStats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(statsBucketName))
		if b == nil {
			return nil
		}

		data := b.Get([]byte(statsKey))
		if data == nil {
			return nil // No persisted stats yet
		}

		return json.Unmarshal(data, &persisted)
	})

	if err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}

	stats := s.stats

	stats.TotalRequests.Store(persisted.TotalRequests)
	stats.LibraryRequests.Store(persisted.LibraryRequests)
	stats.InsightsRequests.Store(persisted.InsightsRequests)
	stats.OverviewRequests.Store(persisted.OverviewRequests)
	stats.PlaylistRequests.Store(persisted.PlaylistRequests)
	stats.AuthRequests.Store(persisted.AuthRequests)
	stats.AdminRequests.Store(persisted.AdminRequests)
	stats.StatsRequests.Store(persisted.StatsRequests)
	stats.HealthRequests.Store(persisted.HealthRequests)
	stats.OtherRequests.Store(persisted.OtherRequests)
	stats.CacheHits.Store(persisted.CacheHits)
	stats.CacheMisses.Store(persisted.CacheMisses)
	stats.CacheExpired.Store(persisted.CacheExpired)
	stats.CacheCorrupted.Store(persisted.CacheCorrupted)
	stats.CacheEvictions.Store(persisted.CacheEvictions)
	stats.CacheDroppedWrites.Store(persisted.CacheDroppedWrites)
	stats.QueueEnqueued.Store(persisted.QueueEnqueued)
	stats.QueueDeduplicated.Store(persisted.QueueDeduplicated)
	stats.NetworkCalls.Store(persisted.NetworkCalls)
	stats.Retries.Store(persisted.Retries)
	stats.RateLimitedCalls.Store(persisted.RateLimitedCalls)
	stats.TokenRefreshes.Store(persisted.TokenRefreshes)
	stats.RefreshFailures.Store(persisted.RefreshFailures)
	stats.QueueTimeouts.Store(persisted.QueueTimeouts)
	stats.RateLimitAllowed.Store(persisted.RateLimitAllowed)
	stats.RateLimitExceeded.Store(persisted.RateLimitExceeded)
	stats.Status2xx.Store(persisted.Status2xx)
	stats.Status4xx.Store(persisted.Status4xx)
	stats.Status5xx.Store(persisted.Status5xx)
	stats.totalResponseTime.Store(persisted.TotalResponseTime)
	stats.responseCount.Store(persisted.ResponseCount)
	stats.libraryResponseTime.Store(persisted.LibraryResponseTime)
	stats.libraryResponseCount.Store(persisted.LibraryResponseCount)

	// Only update min/max if we have valid persisted values
	if persisted.MinResponseTime > 0 && persisted.MinResponseTime < int64(^uint64(0)>>1) {
		stats.minResponseTime.Store(persisted.MinResponseTime)
	}
	if persisted.MaxResponseTime > 0 {
		stats.maxResponseTime.Store(persisted.MaxResponseTime)
	}

	for endpoint, count := range persisted.EndpointUsage {
		counter := &atomic.Int64{}
		counter.Store(count)
		stats.endpointUsage.Store(endpoint, counter)
	}

	// Preserve the original first start time if available
	if !persisted.FirstStarted.IsZero() {
		stats.StartTime = persisted.FirstStarted
	}

	log.Infof("%s Loaded persisted stats (total requests: %d, first started: %s)",
		logcolors.LogStats, persisted.TotalRequests, persisted.FirstStarted.Format(time.RFC3339))

	return nil
}

// Save persists current stats to disk
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats

	persisted := PersistedStats{
		TotalRequests:        stats.TotalRequests.Load(),
		LibraryRequests:      stats.LibraryRequests.Load(),
		InsightsRequests:     stats.InsightsRequests.Load(),
		OverviewRequests:     stats.OverviewRequests.Load(),
		PlaylistRequests:     stats.PlaylistRequests.Load(),
		AuthRequests:         stats.AuthRequests.Load(),
		AdminRequests:        stats.AdminRequests.Load(),
		StatsRequests:        stats.StatsRequests.Load(),
		HealthRequests:       stats.HealthRequests.Load(),
		OtherRequests:        stats.OtherRequests.Load(),
		CacheHits:            stats.CacheHits.Load(),
		CacheMisses:          stats.CacheMisses.Load(),
		CacheExpired:         stats.CacheExpired.Load(),
		CacheCorrupted:       stats.CacheCorrupted.Load(),
		CacheEvictions:       stats.CacheEvictions.Load(),
		CacheDroppedWrites:   stats.CacheDroppedWrites.Load(),
		QueueEnqueued:        stats.QueueEnqueued.Load(),
		QueueDeduplicated:    stats.QueueDeduplicated.Load(),
		NetworkCalls:         stats.NetworkCalls.Load(),
		Retries:              stats.Retries.Load(),
		RateLimitedCalls:     stats.RateLimitedCalls.Load(),
		TokenRefreshes:       stats.TokenRefreshes.Load(),
		RefreshFailures:      stats.RefreshFailures.Load(),
		QueueTimeouts:        stats.QueueTimeouts.Load(),
		RateLimitAllowed:     stats.RateLimitAllowed.Load(),
		RateLimitExceeded:    stats.RateLimitExceeded.Load(),
		Status2xx:            stats.Status2xx.Load(),
		Status4xx:            stats.Status4xx.Load(),
		Status5xx:            stats.Status5xx.Load(),
		TotalResponseTime:    stats.totalResponseTime.Load(),
		ResponseCount:        stats.responseCount.Load(),
		MinResponseTime:      stats.minResponseTime.Load(),
		MaxResponseTime:      stats.maxResponseTime.Load(),
		LibraryResponseTime:  stats.libraryResponseTime.Load(),
		LibraryResponseCount: stats.libraryResponseCount.Load(),
		EndpointUsage:        stats.EndpointUsageSnapshot(),
		LastSaved:            time.Now(),
		FirstStarted:         stats.StartTime,
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(statsBucketName))
		if b == nil {
			return fmt.Errorf("stats bucket not found")
		}
		return b.Put([]byte(statsKey), data)
	})

	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}

	return nil
}

// StartAutoSave begins periodic saving of stats
func (s *Store) StartAutoSave(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Save(); err != nil {
					log.Warnf("%s Failed to auto-save stats: %v", logcolors.LogStats, err)
				}
			case <-s.stopChan:
				return
			}
		}
	}()
	log.Infof("%s Started auto-save with interval %v", logcolors.LogStats, interval)
}

// Close saves stats and closes the database
func (s *Store) Close() error {
	// Signal auto-save goroutine to stop
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	// Final save before closing
	if err := s.Save(); err != nil {
		log.Warnf("%s Failed to save stats on close: %v", logcolors.LogStats, err)
	} else {
		log.Infof("%s Stats saved on shutdown", logcolors.LogStats)
	}

	return s.db.Close()
}
