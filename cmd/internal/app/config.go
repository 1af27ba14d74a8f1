package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// StoreURL is the websocket store gateway. Empty selects the in-memory
	// dev store.
	StoreURL string

	// UserID is the signed-in user the engine syncs for.
	UserID string

	LogLevel  string
	LogFormat string

	// OutboxPath is the sqlite file journaling unsent messages. Empty keeps
	// the outbox in memory (sends do not survive a restart).
	OutboxPath string

	// MediaURL is the media upload endpoint. Empty inlines media as data
	// URLs (dev only).
	MediaURL string

	// MetricsAddr serves Prometheus metrics when set (e.g. "127.0.0.1:9090").
	MetricsAddr string

	WriteTimeout     time.Duration
	TeardownGrace    time.Duration
	DegradedCooldown time.Duration
	ViewRetention    time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		StoreURL: EnvString("RIPPLE_STORE_URL", ""),
		UserID:   EnvString("RIPPLE_USER_ID", ""),

		LogLevel:  EnvString("RIPPLE_LOG_LEVEL", "info"),
		LogFormat: EnvString("RIPPLE_LOG_FORMAT", "pretty"),

		OutboxPath:  EnvString("RIPPLE_OUTBOX_PATH", ""),
		MediaURL:    EnvString("RIPPLE_MEDIA_URL", ""),
		MetricsAddr: EnvString("RIPPLE_METRICS_ADDR", ""),

		WriteTimeout:     EnvDuration("RIPPLE_WRITE_TIMEOUT", 30*time.Second),
		TeardownGrace:    EnvDuration("RIPPLE_TEARDOWN_GRACE", 2*time.Second),
		DegradedCooldown: EnvDuration("RIPPLE_DEGRADED_COOLDOWN", 30*time.Second),
		ViewRetention:    EnvDuration("RIPPLE_VIEW_RETENTION", 5*time.Minute),
	}
}
