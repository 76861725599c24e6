package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

var conf = mustLoad()

type Config struct {
	Server struct {
		Port                string   `envconfig:"PORT" default:"8080"`
		CORSOrigins         []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
		AdminAPIKey         string   `envconfig:"ADMIN_API_KEY" default:""`
		RateLimitPerSecond  int      `envconfig:"RATE_LIMIT_PER_SECOND" default:"10"`
		RateLimitBurstLimit int      `envconfig:"RATE_LIMIT_BURST_LIMIT" default:"20"`
	}

	Spotify struct {
		ClientID     string `envconfig:"SPOTIFY_CLIENT_ID" default:""`
		ClientSecret string `envconfig:"SPOTIFY_CLIENT_SECRET" default:""`
		RedirectURL  string `envconfig:"SPOTIFY_REDIRECT_URL" default:"http://localhost:8080/auth/callback"`
		APIBaseURL   string `envconfig:"SPOTIFY_API_BASE_URL" default:"https://api.spotify.com/v1"`
		AccountsURL  string `envconfig:"SPOTIFY_ACCOUNTS_URL" default:"https://accounts.spotify.com"`
	}

	Queue struct {
		MinInterval               time.Duration `envconfig:"QUEUE_MIN_INTERVAL" default:"100ms"`
		RequestTimeout            time.Duration `envconfig:"QUEUE_REQUEST_TIMEOUT" default:"60s"`
		MaxRetries                int           `envconfig:"QUEUE_MAX_RETRIES" default:"3"`
		BackoffBase               time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"500ms"`
		BackoffCap                time.Duration `envconfig:"QUEUE_BACKOFF_CAP" default:"30s"`
		HTTPTimeout               time.Duration `envconfig:"QUEUE_HTTP_TIMEOUT" default:"15s"`
		CircuitBreakerThreshold   int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
		CircuitBreakerCooldownSec int           `envconfig:"CIRCUIT_BREAKER_COOLDOWN_SECS" default:"60"`
	}

	Token struct {
		RefreshThreshold time.Duration `envconfig:"TOKEN_REFRESH_THRESHOLD" default:"5m"`
		MonitorInterval  time.Duration `envconfig:"TOKEN_MONITOR_INTERVAL" default:"1m"`
	}

	Cache struct {
		DBPath         string        `envconfig:"CACHE_DB_PATH" default:"./data/cache.db"`
		BackupPath     string        `envconfig:"CACHE_BACKUP_PATH" default:"./data/backups"`
		Namespace      string        `envconfig:"CACHE_NAMESPACE" default:"stm_cache"`
		QuotaBytes     int64         `envconfig:"CACHE_QUOTA_BYTES" default:"52428800"`
		DefaultTTL     time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"1h"`
		MemoryCapacity uint64        `envconfig:"CACHE_MEMORY_CAPACITY" default:"512"`
		PurgeInterval  time.Duration `envconfig:"CACHE_PURGE_INTERVAL" default:"1h"`
	}

	Library struct {
		WindowTTL time.Duration `envconfig:"LIBRARY_WINDOW_TTL" default:"6h"`
		ArtistTTL time.Duration `envconfig:"LIBRARY_ARTIST_TTL" default:"168h"`
		MaxItems  int           `envconfig:"LIBRARY_MAX_ITEMS" default:"10000"`
		Prefetch  bool          `envconfig:"LIBRARY_PREFETCH" default:"true"`
	}

	Session struct {
		DBPath string `envconfig:"SESSION_DB_PATH" default:"./data/session.db"`
	}

	Stats struct {
		DBPath           string        `envconfig:"STATS_DB_PATH" default:"./data/stats.db"`
		AutoSaveInterval time.Duration `envconfig:"STATS_AUTOSAVE_INTERVAL" default:"5m"`
	}

	Logging struct {
		Level      string `envconfig:"LOG_LEVEL" default:"info"`
		File       string `envconfig:"LOG_FILE" default:""`
		MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`
		MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
		MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`
	}

	Notifier struct {
		NtfyServer    string        `envconfig:"NOTIFIER_NTFY_SERVER" default:"https://ntfy.sh"`
		NtfyTopic     string        `envconfig:"NOTIFIER_NTFY_TOPIC" default:""`
		AlertCooldown time.Duration `envconfig:"NOTIFIER_ALERT_COOLDOWN" default:"15m"`
	}

	FeatureFlags struct {
		CacheCompression bool `envconfig:"FF_CACHE_COMPRESSION" default:"true"`
	}
}

// CircuitBreakerCooldown returns the configured cooldown as a duration
func (c Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.Queue.CircuitBreakerCooldownSec) * time.Second
}

// Load reads the configuration from the environment, after an optional .env file.
func Load() (Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}

	cfg := Config{}
	err = envconfig.Process("", &cfg)
	return cfg, err
}

func mustLoad() Config {
	c, err := Load()
	if err != nil {
		log.WithError(err).Warnf("Unable to load configuration")
	}

	return c
}

func Get() Config {
	return conf
}
