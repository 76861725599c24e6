package middleware

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterPair holds both tier limiters for an IP. The live tier admits requests
// that may reach Spotify; the resident tier admits reads that can be answered
// from already-loaded data.
type LimiterPair struct {
	Live     *rate.Limiter
	Resident *rate.Limiter
	lastSeen time.Time
}

// GetLiveTokens returns the number of tokens available in the live tier
func (lp *LimiterPair) GetLiveTokens() int {
	return int(math.Floor(lp.Live.Tokens()))
}

// GetResidentTokens returns the number of tokens available in the resident tier
func (lp *LimiterPair) GetResidentTokens() int {
	return int(math.Floor(lp.Resident.Tokens()))
}

// IPRateLimiter manages two-tier rate limiting per IP
type IPRateLimiter struct {
	ips           map[string]*LimiterPair
	mu            *sync.RWMutex
	liveRate      rate.Limit
	liveBurst     int
	residentRate  rate.Limit
	residentBurst int
}

// GetLiveLimit returns the live tier burst limit
func (i *IPRateLimiter) GetLiveLimit() int {
	return i.liveBurst
}

// GetResidentLimit returns the resident tier burst limit
func (i *IPRateLimiter) GetResidentLimit() int {
	return i.residentBurst
}

// NewIPRateLimiter creates a new two-tier rate limiter
func NewIPRateLimiter(liveRate rate.Limit, liveBurst int, residentRate rate.Limit, residentBurst int) *IPRateLimiter {
	return &IPRateLimiter{
		ips:           make(map[string]*LimiterPair),
		mu:            &sync.RWMutex{},
		liveRate:      liveRate,
		liveBurst:     liveBurst,
		residentRate:  residentRate,
		residentBurst: residentBurst,
	}
}

func (i *IPRateLimiter) AddIP(ip string) *LimiterPair {
	i.mu.Lock()
	defer i.mu.Unlock()

	pair := &LimiterPair{
		Live:     rate.NewLimiter(i.liveRate, i.liveBurst),
		Resident: rate.NewLimiter(i.residentRate, i.residentBurst),
		lastSeen: time.Now(),
	}

	i.ips[ip] = pair

	return pair
}

func (i *IPRateLimiter) GetLimiter(ip string) *LimiterPair {
	i.mu.Lock()
	limiter, exists := i.ips[ip]

	if !exists {
		i.mu.Unlock()
		return i.AddIP(ip)
	}

	limiter.lastSeen = time.Now()
	i.mu.Unlock()

	return limiter
}

// Prune drops IPs not seen for idle and returns how many were removed
func (i *IPRateLimiter) Prune(idle time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-idle)
	for ip, pair := range i.ips {
		if pair.lastSeen.Before(cutoff) {
			delete(i.ips, ip)
			removed++
		}
	}
	return removed
}
