package logcolors

// ANSI color codes for log prefixes
const (
	Reset  = "\033[0m"
	Green  = "\033[32m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"
	Yellow = "\033[33m"

	// Bright variants for more color variety
	BrightGreen   = "\033[92m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"

	Red       = "\033[31m"
	BrightRed = "\033[91m"
)

// Cache-related log prefixes
const (
	LogCacheInit    = Blue + "[Cache:Init]" + Reset
	LogCache        = Blue + "[Cache]" + Reset
	LogCacheBackup  = Blue + "[Cache:Backup]" + Reset
	LogCacheClear   = Blue + "[Cache:Clear]" + Reset
	LogCacheEvict   = Blue + "[Cache:Evict]" + Reset
	LogCacheCorrupt = Red + "[Cache:Corrupt]" + Reset
	LogCachePurge   = Blue + "[Cache:Purge]" + Reset
)

// Rate limiting log prefixes
const (
	LogRateLimit = Purple + "[RateLimit]" + Reset
	LogAPIKey    = Purple + "[APIKey]" + Reset
)

// CircuitBreakerPrefix returns a colored circuit breaker prefix with the given name
func CircuitBreakerPrefix(name string) string {
	return Purple + "[CircuitBreaker:" + name + "]" + Reset
}

// windowColors are the colors used for window names
var windowColors = []string{
	Green, Blue, Purple, Cyan, Red,
	BrightGreen, BrightBlue, BrightMagenta, BrightCyan, BrightRed,
}

// Window returns a colored window name for log messages
// Same window name always gets the same color
func Window(name string) string {
	hash := 0
	for _, c := range name {
		hash += int(c)
	}
	color := windowColors[hash%len(windowColors)]
	return color + name + Reset
}

// Server/Init log prefixes
const (
	LogRequest = Green + "[Request]" + Reset
	LogServer  = Green + "[Server]" + Reset
	LogConfig  = Cyan + "[Config]" + Reset
	LogStats   = Blue + "[Stats]" + Reset
)

// Notification log prefixes
const (
	LogNotifier = Cyan + "[Notifier]" + Reset
)

// Spotify access layer log prefixes
const (
	LogQueue          = Purple + "[Queue]" + Reset
	LogHTTP           = Cyan + "[HTTP]" + Reset
	LogDedup          = Cyan + "[Dedup]" + Reset
	LogRetry          = Purple + "[Retry]" + Reset
	LogAuthError      = Purple + "[Auth Error]" + Reset
	LogCircuitBreaker = Purple + "[CircuitBreaker]" + Reset
	LogPagination     = Cyan + "[Pagination]" + Reset
	LogPlaylist       = Green + "[Playlist]" + Reset
)

// Token and session log prefixes
const (
	LogToken   = Cyan + "[Token]" + Reset
	LogSession = Cyan + "[Session]" + Reset
	LogOAuth   = Cyan + "[OAuth]" + Reset
)

// Library loader log prefixes
const (
	LogLoader   = Green + "[Loader]" + Reset
	LogPrefetch = Green + "[Prefetch]" + Reset
	LogInsights = Blue + "[Insights]" + Reset
	LogOverview = Blue + "[Overview]" + Reset
)
