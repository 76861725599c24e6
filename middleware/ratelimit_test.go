package middleware

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// TestNewIPRateLimiter tests the creation of a new IPRateLimiter.
func TestNewIPRateLimiter(t *testing.T) {
	rl := NewIPRateLimiter(1, 5, 10, 20)
	if rl == nil {
		t.Errorf("Expected IPRateLimiter to be created, got nil")
	}
	if rl.liveRate != 1 {
		t.Errorf("Expected live rate limit to be 1, got %v", rl.liveRate)
	}
	if rl.liveBurst != 5 {
		t.Errorf("Expected live burst limit to be 5, got %v", rl.liveBurst)
	}
	if rl.residentRate != 10 {
		t.Errorf("Expected resident rate limit to be 10, got %v", rl.residentRate)
	}
	if rl.residentBurst != 20 {
		t.Errorf("Expected resident burst limit to be 20, got %v", rl.residentBurst)
	}
}

// TestAddIP tests adding a new IP to the rate limiter.
func TestAddIP(t *testing.T) {
	rl := NewIPRateLimiter(1, 5, 10, 20)
	ip := "192.168.1.1"
	limiterPair := rl.AddIP(ip)
	if limiterPair == nil {
		t.Errorf("Expected limiter pair to be created for IP, got nil")
	}
	if limiterPair.Live == nil {
		t.Errorf("Expected live rate limiter to be created, got nil")
	}
	if limiterPair.Resident == nil {
		t.Errorf("Expected resident rate limiter to be created, got nil")
	}
	if _, exists := rl.ips[ip]; !exists {
		t.Errorf("Expected IP to be added to ips map, but it was not found")
	}
}

// TestGetLimiter tests retrieving the rate limiter for an IP.
func TestGetLimiter(t *testing.T) {
	rl := NewIPRateLimiter(1, 5, 10, 20)
	ip := "192.168.1.1"
	limiterPair := rl.GetLimiter(ip)
	if limiterPair == nil {
		t.Errorf("Expected limiter pair to be returned, got nil")
	}
	if limiterPair.Live == nil {
		t.Errorf("Expected live rate limiter to be returned, got nil")
	}
	if limiterPair.Resident == nil {
		t.Errorf("Expected resident rate limiter to be returned, got nil")
	}
	if _, exists := rl.ips[ip]; !exists {
		t.Errorf("Expected IP to be in ips map, but it was not found")
	}
}

// TestRateLimiting tests the actual rate limiting functionality.
func TestRateLimiting(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 1, rate.Limit(5), 5) // Live: 1 req/s burst 1, Resident: 5 req/s burst 5
	ip := "192.168.1.1"
	limiterPair := rl.GetLimiter(ip)

	// Allow the first request on live tier
	if !limiterPair.Live.Allow() {
		t.Errorf("Expected first request to be allowed on live tier")
	}

	// Second request should not be allowed on live tier immediately
	if limiterPair.Live.Allow() {
		t.Errorf("Expected second request to be denied on live tier due to rate limiting")
	}

	// But resident tier should still allow requests (has burst of 5)
	if !limiterPair.Resident.Allow() {
		t.Errorf("Expected request to be allowed on resident tier")
	}

	// Wait for 1 second and then the live tier request should be allowed again
	time.Sleep(1 * time.Second)
	if !limiterPair.Live.Allow() {
		t.Errorf("Expected request to be allowed on live tier after waiting")
	}
}

// TestTwoTierRateLimiting tests the two-tier rate limiting behavior.
func TestTwoTierRateLimiting(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(1), 1, rate.Limit(2), 2)
	ip := "192.168.1.2"
	limiterPair := rl.GetLimiter(ip)

	// Live tier: burst of 1
	if !limiterPair.Live.Allow() {
		t.Errorf("Expected first live request to be allowed")
	}

	// Live tier exhausted, but resident tier should work
	if limiterPair.Live.Allow() {
		t.Errorf("Expected second live request to be denied")
	}

	// Resident tier should allow (burst of 2)
	if !limiterPair.Resident.Allow() {
		t.Errorf("Expected first resident request to be allowed")
	}
	if !limiterPair.Resident.Allow() {
		t.Errorf("Expected second resident request to be allowed")
	}

	// Both tiers exhausted
	if limiterPair.Live.Allow() {
		t.Errorf("Expected live tier to be exhausted")
	}
	if limiterPair.Resident.Allow() {
		t.Errorf("Expected resident tier to be exhausted")
	}
}

// TestLimiterPairTokens tests the token counting methods.
func TestLimiterPairTokens(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(10), 10, rate.Limit(20), 20)
	ip := "192.168.1.3"
	limiterPair := rl.GetLimiter(ip)

	// Check initial tokens (should be at burst capacity)
	liveTokens := limiterPair.GetLiveTokens()
	residentTokens := limiterPair.GetResidentTokens()

	if liveTokens != 10 {
		t.Errorf("Expected 10 live tokens initially, got %d", liveTokens)
	}
	if residentTokens != 20 {
		t.Errorf("Expected 20 resident tokens initially, got %d", residentTokens)
	}

	// Consume a token
	limiterPair.Live.Allow()
	liveTokens = limiterPair.GetLiveTokens()
	if liveTokens != 9 {
		t.Errorf("Expected 9 live tokens after one request, got %d", liveTokens)
	}
}

// TestGetLimits tests the limit getter methods.
func TestGetLimits(t *testing.T) {
	rl := NewIPRateLimiter(rate.Limit(2), 5, rate.Limit(10), 20)

	liveLimit := rl.GetLiveLimit()
	residentLimit := rl.GetResidentLimit()

	if liveLimit != 5 {
		t.Errorf("Expected live limit to be 5, got %d", liveLimit)
	}
	if residentLimit != 20 {
		t.Errorf("Expected resident limit to be 20, got %d", residentLimit)
	}
}

// TestPrune tests that idle IPs are dropped.
func TestPrune(t *testing.T) {
	rl := NewIPRateLimiter(1, 5, 10, 20)
	rl.GetLimiter("192.168.1.10")
	rl.GetLimiter("192.168.1.11")

	rl.mu.Lock()
	rl.ips["192.168.1.10"].lastSeen = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	if removed := rl.Prune(time.Hour); removed != 1 {
		t.Errorf("Expected 1 IP pruned, got %d", removed)
	}
	if _, exists := rl.ips["192.168.1.11"]; !exists {
		t.Errorf("Expected recently seen IP to be kept")
	}
	if _, exists := rl.ips["192.168.1.10"]; exists {
		t.Errorf("Expected idle IP to be removed")
	}
}
