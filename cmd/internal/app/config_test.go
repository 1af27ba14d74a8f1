package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"RIPPLE_STORE_URL", "RIPPLE_USER_ID", "RIPPLE_LOG_LEVEL", "RIPPLE_LOG_FORMAT",
		"RIPPLE_OUTBOX_PATH", "RIPPLE_MEDIA_URL", "RIPPLE_METRICS_ADDR",
		"RIPPLE_WRITE_TIMEOUT", "RIPPLE_TEARDOWN_GRACE", "RIPPLE_DEGRADED_COOLDOWN",
		"RIPPLE_VIEW_RETENTION",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	if cfg.StoreURL != "" {
		t.Fatalf("StoreURL = %q, want empty (in-memory dev store)", cfg.StoreURL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "pretty" {
		t.Fatalf("log defaults = %q/%q, want info/pretty", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.WriteTimeout != 30*time.Second {
		t.Fatalf("WriteTimeout = %v, want 30s", cfg.WriteTimeout)
	}
	if cfg.TeardownGrace != 2*time.Second {
		t.Fatalf("TeardownGrace = %v, want 2s", cfg.TeardownGrace)
	}
	if cfg.DegradedCooldown != 30*time.Second {
		t.Fatalf("DegradedCooldown = %v, want 30s", cfg.DegradedCooldown)
	}
	if cfg.ViewRetention != 5*time.Minute {
		t.Fatalf("ViewRetention = %v, want 5m", cfg.ViewRetention)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("RIPPLE_STORE_URL", "ws://store.internal:4000/v1")
	t.Setenv("RIPPLE_USER_ID", "u-42")
	t.Setenv("RIPPLE_LOG_LEVEL", "debug")
	t.Setenv("RIPPLE_LOG_FORMAT", "json")
	t.Setenv("RIPPLE_OUTBOX_PATH", "/var/lib/ripple/outbox.db")
	t.Setenv("RIPPLE_MEDIA_URL", "https://media.internal/upload")
	t.Setenv("RIPPLE_METRICS_ADDR", "127.0.0.1:9090")
	t.Setenv("RIPPLE_WRITE_TIMEOUT", "10s")
	t.Setenv("RIPPLE_VIEW_RETENTION", "90s")

	cfg := LoadConfig()
	if cfg.StoreURL != "ws://store.internal:4000/v1" {
		t.Fatalf("StoreURL = %q", cfg.StoreURL)
	}
	if cfg.UserID != "u-42" {
		t.Fatalf("UserID = %q", cfg.UserID)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("log config = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.OutboxPath != "/var/lib/ripple/outbox.db" {
		t.Fatalf("OutboxPath = %q", cfg.OutboxPath)
	}
	if cfg.MediaURL != "https://media.internal/upload" {
		t.Fatalf("MediaURL = %q", cfg.MediaURL)
	}
	if cfg.MetricsAddr != "127.0.0.1:9090" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Fatalf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.ViewRetention != 90*time.Second {
		t.Fatalf("ViewRetention = %v, want 90s", cfg.ViewRetention)
	}
}
