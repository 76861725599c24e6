package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"spotify-time-machine-go/cache"
	"spotify-time-machine-go/config"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/library"
	"spotify-time-machine-go/services/notifier"
	"spotify-time-machine-go/services/session"
	"spotify-time-machine-go/services/spotify"
	"spotify-time-machine-go/stats"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

var conf = config.Get()

var (
	persistentCache *cache.PersistentCache
	statsStore      *stats.Store
	metrics         *stats.Metrics
	sessionStore    *session.Store
	authHandlers    *session.Handlers
	tokenManager    *spotify.TokenManager
	requestQueue    *spotify.RequestQueue
	spotifyClient   *spotify.Client
	libraryLoader   *library.Loader
)

func main() {
	setupLogging(conf)
	startAlerts(conf)

	if conf.Spotify.ClientID == "" {
		log.Warnf("%s SPOTIFY_CLIENT_ID is not set, sign-in will fail", logcolors.LogConfig)
	}

	if err := initServices(conf); err != nil {
		notifier.PublishServerStartupFailed("services", err)
		log.Fatalf("%s Failed to initialize services: %v", logcolors.LogServer, err)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := mux.NewRouter()
	setupRoutes(router)

	limiter := newLimiter(conf)
	startBackground(ctx, conf, limiter)

	server := &http.Server{
		Addr:              ":" + conf.Server.Port,
		Handler:           buildHandler(conf, router, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("%s Server listening on port %s", logcolors.LogServer, conf.Server.Port)
		notifier.PublishServerStarted(conf.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			notifier.PublishServerStartupFailed("http", err)
			log.Errorf("%s Server failed: %v", logcolors.LogServer, err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infof("%s Shutting down", logcolors.LogServer)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("%s Graceful shutdown failed: %v", logcolors.LogServer, err)
	}
}
