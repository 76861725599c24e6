package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"spotify-time-machine-go/cache"
	"spotify-time-machine-go/circuitbreaker"
	"spotify-time-machine-go/config"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/middleware"
	"spotify-time-machine-go/services/library"
	"spotify-time-machine-go/services/notifier"
	"spotify-time-machine-go/services/session"
	"spotify-time-machine-go/services/spotify"
	"spotify-time-machine-go/stats"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the JSON formatter, level and optional rotating file
func setupLogging(cfg config.Config) {
	log.SetFormatter(&log.JSONFormatter{})

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Warnf("%s Unknown log level %q, using info", logcolors.LogConfig, cfg.Logging.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logging.File == "" {
		log.SetOutput(os.Stdout)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   true,
	}))
	log.Infof("%s Logging to %s", logcolors.LogConfig, cfg.Logging.File)
}

func getNotifierTypeName(n notifier.Notifier) string {
	switch n.(type) {
	case *notifier.NtfyNotifier:
		return "ntfy"
	case notifier.LogNotifier:
		return "log"
	default:
		return "unknown"
	}
}

func setupNotifiers(cfg config.Config) []notifier.Notifier {
	var notifiers []notifier.Notifier

	if topic := cfg.Notifier.NtfyTopic; topic != "" {
		notifiers = append(notifiers, notifier.NewNtfyNotifier(cfg.Notifier.NtfyServer, topic))
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notifier.LogNotifier{})
	}

	for _, n := range notifiers {
		log.Infof("%s %s notifier enabled", logcolors.LogNotifier, getNotifierTypeName(n))
	}
	return notifiers
}

func startAlerts(cfg config.Config) {
	handler := notifier.NewAlertHandler(notifier.AlertConfig{
		Notifiers:        setupNotifiers(cfg),
		CooldownDuration: cfg.Notifier.AlertCooldown,
	})
	handler.Start(notifier.GetEventBus())
}

// initServices builds the storage, session, Spotify access layer and library
// loader in dependency order
func initServices(cfg config.Config) error {
	var err error

	persistentCache, err = cache.NewPersistentCache(cache.Config{
		Path:           cfg.Cache.DBPath,
		BackupPath:     cfg.Cache.BackupPath,
		Namespace:      cfg.Cache.Namespace,
		QuotaBytes:     cfg.Cache.QuotaBytes,
		DefaultTTL:     cfg.Cache.DefaultTTL,
		Compression:    cfg.FeatureFlags.CacheCompression,
		MemoryCapacity: cfg.Cache.MemoryCapacity,
	})
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	statsStore, err = stats.NewStore(cfg.Stats.DBPath)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if err := statsStore.Load(); err != nil {
		log.Warnf("%s Failed to load persisted stats: %v", logcolors.LogStats, err)
	}
	statsStore.StartAutoSave(cfg.Stats.AutoSaveInterval)
	metrics = stats.NewMetrics(stats.Get())

	sessionStore, err = session.NewStore(cfg.Session.DBPath)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	auth := spotify.NewAuthenticator(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, cfg.Spotify.RedirectURL, cfg.Spotify.AccountsURL)
	tokenManager = spotify.NewTokenManager(sessionStore, auth.Refresher(), cfg.Token.RefreshThreshold)

	requestQueue = spotify.NewRequestQueue(spotify.QueueConfig{
		BaseURL:        cfg.Spotify.APIBaseURL,
		MinInterval:    cfg.Queue.MinInterval,
		RequestTimeout: cfg.Queue.RequestTimeout,
		MaxRetries:     cfg.Queue.MaxRetries,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffCap:     cfg.Queue.BackoffCap,
		HTTPTimeout:    cfg.Queue.HTTPTimeout,
		Breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:      "Spotify-API",
			Threshold: cfg.Queue.CircuitBreakerThreshold,
			Cooldown:  cfg.CircuitBreakerCooldown(),
		}),
		Metrics: metrics,
	}, tokenManager)
	spotifyClient = spotify.NewClient(requestQueue)

	libraryLoader = library.NewLoader(library.LoaderConfig{
		Owner:     sessionStore.UserID(),
		WindowTTL: cfg.Library.WindowTTL,
		ArtistTTL: cfg.Library.ArtistTTL,
		MaxItems:  cfg.Library.MaxItems,
		Prefetch:  cfg.Library.Prefetch,
	}, spotifyClient, persistentCache)

	authHandlers = session.NewHandlers(sessionStore, session.HandlerConfig{
		Auth:    auth,
		Profile: spotifyClient.CurrentUser,
		OnLogin: func(userID string) {
			libraryLoader.SetOwner(userID)
			libraryLoader.SetWindow(library.PastYear)
		},
		OnLogout: func() {
			libraryLoader.Forget()
			libraryLoader.SetOwner("")
			spotifyClient.ForgetUser()
		},
	})

	registerGauges()
	return nil
}

// registerGauges exposes queue and token state on /metrics
func registerGauges() {
	metrics.RegisterGauge("queue", "length", "Requests waiting in the Spotify request queue", func() float64 {
		return float64(requestQueue.Status().QueueLength)
	})
	metrics.RegisterGauge("queue", "pending", "Distinct calls tracked for deduplication", func() float64 {
		return float64(requestQueue.Status().Pending)
	})
	metrics.RegisterGauge("token", "refreshing", "1 while a token refresh is in flight", func() float64 {
		if tokenManager.IsRefreshing() {
			return 1
		}
		return 0
	})
	metrics.RegisterGauge("cache", "used_bytes", "Bytes stored in the persistent cache namespace", func() float64 {
		return float64(persistentCache.Stats().UsedBytes)
	})
}

// startBackground launches the token monitor, cache purger and limiter pruning.
// Everything stops when ctx ends.
func startBackground(ctx context.Context, cfg config.Config, limiter *middleware.IPRateLimiter) {
	tokenManager.StartMonitor(ctx, cfg.Token.MonitorInterval)
	persistentCache.StartPurger(cfg.Cache.PurgeInterval, ctx.Done())

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := limiter.Prune(time.Hour); removed > 0 {
					log.Debugf("%s Pruned %d idle IPs", logcolors.LogRateLimit, removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if owner := libraryLoader.Owner(); owner != "" && !sessionStore.ReauthRequired() {
		log.Infof("%s Warming library for %s", logcolors.LogLoader, owner)
		libraryLoader.SetWindow(library.PastYear)
	}
}

// buildHandler chains logging, CORS, the per-IP limiter and the admin key guard
// in front of the router
func buildHandler(cfg config.Config, router *mux.Router, limiter *middleware.IPRateLimiter) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-API-Key", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"X-Cache-Status", "X-Library-Window", "X-RateLimit-Type", "X-RateLimit-Remaining", middleware.RequestIDHeader},
		AllowCredentials: true,
	})

	guarded := middleware.APIKeyMiddleware(cfg.Server.AdminAPIKey, adminPaths)(router)
	return middleware.LoggingMiddleware(c.Handler(limitMiddleware(guarded, limiter)))
}

func newLimiter(cfg config.Config) *middleware.IPRateLimiter {
	perSecond := rate.Limit(cfg.Server.RateLimitPerSecond)
	burst := cfg.Server.RateLimitBurstLimit
	// resident tier allows twice the live budget
	return middleware.NewIPRateLimiter(perSecond, burst, perSecond*2, burst*2)
}

func limitMiddleware(next http.Handler, limiter *middleware.IPRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiters := limiter.GetLimiter(r.RemoteAddr)

		// Try live tier first
		if limiters.Live.Allow() {
			stats.Get().RecordRateLimit("allowed")
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.GetLiveLimit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", limiters.GetLiveTokens()))
			ctx := context.WithValue(r.Context(), rateLimitTypeKey, "live")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		// Live tier exceeded, only already-loaded data may be served
		if limiters.Resident.Allow() {
			stats.Get().RecordRateLimit("allowed")
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.GetResidentLimit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", limiters.GetResidentTokens()))
			log.Debugf("%s IP %s exceeded live tier, using resident tier", logcolors.LogRateLimit, r.RemoteAddr)
			ctx := context.WithValue(r.Context(), residentOnlyModeKey, true)
			ctx = context.WithValue(ctx, rateLimitTypeKey, "resident")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		stats.Get().RecordRateLimit("exceeded")
		log.Warnf("%s IP %s exceeded both rate limit tiers", logcolors.LogRateLimit, r.RemoteAddr)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.GetResidentLimit()))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Type", "exceeded")
		w.Header().Set("Retry-After", "1")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	})
}

// shutdown stops background work and closes stores in reverse order
func shutdown() {
	if authHandlers != nil {
		authHandlers.Close()
	}
	if libraryLoader != nil {
		libraryLoader.Close()
	}
	if requestQueue != nil {
		requestQueue.Close()
	}
	if sessionStore != nil {
		if err := sessionStore.Close(); err != nil {
			log.Warnf("%s Failed to close session store: %v", logcolors.LogSession, err)
		}
	}
	if statsStore != nil {
		if err := statsStore.Close(); err != nil {
			log.Warnf("%s Failed to close stats store: %v", logcolors.LogStats, err)
		}
	}
	if persistentCache != nil {
		if err := persistentCache.Close(); err != nil {
			log.Warnf("%s Failed to close cache: %v", logcolors.LogCache, err)
		}
	}
}
