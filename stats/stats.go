package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds all server statistics with atomic counters
type Stats struct {
	// Server info
	StartTime time.Time

	// Request counters
	TotalRequests    atomic.Int64
	LibraryRequests  atomic.Int64
	InsightsRequests atomic.Int64
	OverviewRequests atomic.Int64
	PlaylistRequests atomic.Int64
	AuthRequests     atomic.Int64
	AdminRequests    atomic.Int64
	StatsRequests    atomic.Int64
	HealthRequests   atomic.Int64
	OtherRequests    atomic.Int64

	// Cache performance
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
	CacheExpired       atomic.Int64
	CacheCorrupted     atomic.Int64
	CacheEvictions     atomic.Int64
	CacheDroppedWrites atomic.Int64

	// Spotify request queue
	QueueEnqueued     atomic.Int64
	QueueDeduplicated atomic.Int64
	NetworkCalls      atomic.Int64
	Retries           atomic.Int64
	RateLimitedCalls  atomic.Int64 // 429 responses from Spotify
	TokenRefreshes    atomic.Int64
	RefreshFailures   atomic.Int64
	QueueTimeouts     atomic.Int64

	// Inbound rate limiting
	RateLimitAllowed  atomic.Int64
	RateLimitExceeded atomic.Int64 // Requests rejected (429)

	// Response status codes
	Status2xx atomic.Int64
	Status4xx atomic.Int64
	Status5xx atomic.Int64

	// Response time tracking (in microseconds for precision)
	totalResponseTime atomic.Int64
	responseCount     atomic.Int64
	minResponseTime   atomic.Int64
	maxResponseTime   atomic.Int64

	// Library endpoint response times (microseconds)
	libraryResponseTime  atomic.Int64
	libraryResponseCount atomic.Int64

	// Spotify endpoint usage (endpoint path -> *atomic.Int64)
	endpointUsage sync.Map
}

// Global stats instance
var global = New()

// New creates an empty stats instance
func New() *Stats {
	s := &Stats{StartTime: time.Now()}
	// Initialize min to a high value
	s.minResponseTime.Store(int64(^uint64(0) >> 1)) // Max int64
	return s
}

// Get returns the global stats instance
func Get() *Stats {
	return global
}

// RecordRequest records a request to a specific endpoint
func (s *Stats) RecordRequest(endpoint string) {
	s.TotalRequests.Add(1)
	switch {
	case strings.HasPrefix(endpoint, "/api/library"):
		s.LibraryRequests.Add(1)
	case strings.HasPrefix(endpoint, "/api/insights"):
		s.InsightsRequests.Add(1)
	case endpoint == "/api/overview":
		s.OverviewRequests.Add(1)
	case endpoint == "/api/playlists":
		s.PlaylistRequests.Add(1)
	case strings.HasPrefix(endpoint, "/auth/"):
		s.AuthRequests.Add(1)
	case strings.HasPrefix(endpoint, "/cache"), strings.HasPrefix(endpoint, "/circuit-breaker"):
		s.AdminRequests.Add(1)
	case endpoint == "/stats":
		s.StatsRequests.Add(1)
	case endpoint == "/health":
		s.HealthRequests.Add(1)
	default:
		s.OtherRequests.Add(1)
	}
}

// RecordCacheHit records a cache hit
func (s *Stats) RecordCacheHit() {
	s.CacheHits.Add(1)
}

// RecordCacheMiss records a cache miss
func (s *Stats) RecordCacheMiss() {
	s.CacheMisses.Add(1)
}

// RecordRateLimit records inbound rate limit decisions
func (s *Stats) RecordRateLimit(tier string) {
	switch tier {
	case "allowed":
		s.RateLimitAllowed.Add(1)
	case "exceeded":
		s.RateLimitExceeded.Add(1)
	}
}

// RecordEndpointCall counts a network call to a Spotify endpoint path
func (s *Stats) RecordEndpointCall(endpoint string) {
	s.NetworkCalls.Add(1)
	counter, _ := s.endpointUsage.LoadOrStore(endpoint, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

// EndpointUsageSnapshot returns network call counts per Spotify endpoint
func (s *Stats) EndpointUsageSnapshot() map[string]int64 {
	usage := make(map[string]int64)
	s.endpointUsage.Range(func(key, value interface{}) bool {
		usage[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return usage
}

// RecordStatusCode records a response status code
func (s *Stats) RecordStatusCode(code int) {
	switch {
	case code >= 200 && code < 300:
		s.Status2xx.Add(1)
	case code >= 400 && code < 500:
		s.Status4xx.Add(1)
	case code >= 500:
		s.Status5xx.Add(1)
	}
}

// RecordResponseTime records a response time
func (s *Stats) RecordResponseTime(duration time.Duration, endpoint string) {
	us := duration.Microseconds()

	s.totalResponseTime.Add(us)
	s.responseCount.Add(1)

	// Update min/max atomically
	for {
		current := s.minResponseTime.Load()
		if us >= current || s.minResponseTime.CompareAndSwap(current, us) {
			break
		}
	}
	for {
		current := s.maxResponseTime.Load()
		if us <= current || s.maxResponseTime.CompareAndSwap(current, us) {
			break
		}
	}

	if strings.HasPrefix(endpoint, "/api/library") {
		s.libraryResponseTime.Add(us)
		s.libraryResponseCount.Add(1)
	}
}

// Uptime returns the server uptime
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// CacheHitRate returns the cache hit rate as a percentage
func (s *Stats) CacheHitRate() float64 {
	hits := s.CacheHits.Load()
	misses := s.CacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// DedupRate returns the share of enqueued requests that joined an existing call, as a percentage
func (s *Stats) DedupRate() float64 {
	enqueued := s.QueueEnqueued.Load()
	if enqueued == 0 {
		return 0
	}
	return float64(s.QueueDeduplicated.Load()) / float64(enqueued) * 100
}

// AvgResponseTime returns the average response time
func (s *Stats) AvgResponseTime() time.Duration {
	count := s.responseCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(s.totalResponseTime.Load()/count) * time.Microsecond
}

// MinResponseTime returns the minimum response time
func (s *Stats) MinResponseTime() time.Duration {
	min := s.minResponseTime.Load()
	if min == int64(^uint64(0)>>1) {
		return 0
	}
	return time.Duration(min) * time.Microsecond
}

// MaxResponseTime returns the maximum response time
func (s *Stats) MaxResponseTime() time.Duration {
	return time.Duration(s.maxResponseTime.Load()) * time.Microsecond
}

// AvgLibraryResponseTime returns the average response time for library requests
func (s *Stats) AvgLibraryResponseTime() time.Duration {
	count := s.libraryResponseCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(s.libraryResponseTime.Load()/count) * time.Microsecond
}

// Snapshot returns a point-in-time snapshot of all stats
func (s *Stats) Snapshot() map[string]interface{} {
	uptime := s.Uptime()

	return map[string]interface{}{
		"server": map[string]interface{}{
			"start_time":     s.StartTime.Format(time.RFC3339),
			"uptime":         uptime.String(),
			"uptime_seconds": int64(uptime.Seconds()),
		},
		"requests": map[string]interface{}{
			"total":    s.TotalRequests.Load(),
			"library":  s.LibraryRequests.Load(),
			"insights": s.InsightsRequests.Load(),
			"overview": s.OverviewRequests.Load(),
			"playlist": s.PlaylistRequests.Load(),
			"auth":     s.AuthRequests.Load(),
			"admin":    s.AdminRequests.Load(),
			"stats":    s.StatsRequests.Load(),
			"health":   s.HealthRequests.Load(),
			"other":    s.OtherRequests.Load(),
		},
		"cache": map[string]interface{}{
			"hits":           s.CacheHits.Load(),
			"misses":         s.CacheMisses.Load(),
			"expired":        s.CacheExpired.Load(),
			"corrupted":      s.CacheCorrupted.Load(),
			"evictions":      s.CacheEvictions.Load(),
			"dropped_writes": s.CacheDroppedWrites.Load(),
			"hit_rate":       s.CacheHitRate(),
		},
		"spotify_queue": map[string]interface{}{
			"enqueued":         s.QueueEnqueued.Load(),
			"deduplicated":     s.QueueDeduplicated.Load(),
			"dedup_rate":       s.DedupRate(),
			"network_calls":    s.NetworkCalls.Load(),
			"retries":          s.Retries.Load(),
			"rate_limited":     s.RateLimitedCalls.Load(),
			"token_refreshes":  s.TokenRefreshes.Load(),
			"refresh_failures": s.RefreshFailures.Load(),
			"timeouts":         s.QueueTimeouts.Load(),
			"endpoints":        s.EndpointUsageSnapshot(),
		},
		"rate_limiting": map[string]interface{}{
			"allowed":  s.RateLimitAllowed.Load(),
			"exceeded": s.RateLimitExceeded.Load(),
		},
		"responses": map[string]interface{}{
			"2xx": s.Status2xx.Load(),
			"4xx": s.Status4xx.Load(),
			"5xx": s.Status5xx.Load(),
		},
		"response_times": map[string]interface{}{
			"avg":         s.AvgResponseTime().String(),
			"min":         s.MinResponseTime().String(),
			"max":         s.MaxResponseTime().String(),
			"avg_library": s.AvgLibraryResponseTime().String(),
		},
	}
}
