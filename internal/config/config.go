// Package config loads daemon configuration from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	DataDir       string
	ListenAddress string
	LogLevel      string

	Remote  Remote
	Sync    Sync
	Breaker Breaker
}

// Remote configures the exchange endpoint.
type Remote struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Sync configures the orchestrator and scheduler.
type Sync struct {
	AutoSyncInterval time.Duration // periodic background sync
	StatsInterval    time.Duration // storage statistics recompute
	WatchdogTimeout  time.Duration // force-release bound for a full pass
	DebounceWindow   time.Duration // event bus coalescing window
	RetryAttempts    int           // caller-level attempts when circuit is open
	RetryBaseDelay   time.Duration // caller-level initial backoff delay
}

// Breaker configures the circuit breaker guarding the exchange call.
type Breaker struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Load reads configuration from .env and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:       envStr("FARMBOOK_DATA_DIR", "./data"),
		ListenAddress: envStr("FARMBOOK_LISTEN", "127.0.0.1:8090"),
		LogLevel:      envStr("FARMBOOK_LOG_LEVEL", "info"),
		Remote: Remote{
			BaseURL:        envStr("FARMBOOK_REMOTE_URL", "http://localhost:5000"),
			APIKey:         envStr("FARMBOOK_API_KEY", ""),
			RequestTimeout: envDuration("FARMBOOK_REMOTE_TIMEOUT", 30*time.Second),
		},
		Sync: Sync{
			AutoSyncInterval: envDuration("FARMBOOK_SYNC_INTERVAL", 15*time.Minute),
			StatsInterval:    envDuration("FARMBOOK_STATS_INTERVAL", time.Minute),
			WatchdogTimeout:  envDuration("FARMBOOK_SYNC_WATCHDOG", 5*time.Minute),
			DebounceWindow:   envDuration("FARMBOOK_EVENT_DEBOUNCE", 500*time.Millisecond),
			RetryAttempts:    envInt("FARMBOOK_SYNC_RETRY_ATTEMPTS", 5),
			RetryBaseDelay:   envDuration("FARMBOOK_SYNC_RETRY_DELAY", 2*time.Second),
		},
		Breaker: Breaker{
			FailureThreshold: envInt("FARMBOOK_BREAKER_THRESHOLD", 3),
			Cooldown:         envDuration("FARMBOOK_BREAKER_COOLDOWN", 30*time.Second),
		},
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
