package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HA_URL", "")
	t.Setenv("VENDOR_POLL_ATTEMPTS", "")

	cfg := Load()
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, defaultHTTPAddr)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("RequestTimeout = %s, want 30s", cfg.RequestTimeout)
	}
	if cfg.PollAttempts != defaultPollAttempts {
		t.Fatalf("PollAttempts = %d, want %d", cfg.PollAttempts, defaultPollAttempts)
	}
	if cfg.HAURL != defaultHAURL {
		t.Fatalf("HAURL = %q, want %q", cfg.HAURL, defaultHAURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VENDOR_POLL_INTERVAL", "3s")
	t.Setenv("VENDOR_POLL_ATTEMPTS", "4")
	t.Setenv("VENDOR_RATE_LIMIT", "0.5")
	t.Setenv("HA_URL", "https://ha.local:8123/")

	cfg := Load()
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.PollInterval != 3*time.Second || cfg.PollAttempts != 4 {
		t.Fatalf("poll settings = %s/%d", cfg.PollInterval, cfg.PollAttempts)
	}
	if cfg.VendorRateLimit != 0.5 {
		t.Fatalf("VendorRateLimit = %v, want 0.5", cfg.VendorRateLimit)
	}
	if cfg.HAURL != "https://ha.local:8123" {
		t.Fatalf("HAURL = %q, want trailing slash trimmed", cfg.HAURL)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("VENDOR_POLL_ATTEMPTS", "many")
	t.Setenv("VENDOR_REQUEST_TIMEOUT", "-1s")

	cfg := Load()
	if cfg.PollAttempts != defaultPollAttempts {
		t.Fatalf("PollAttempts = %d, want default", cfg.PollAttempts)
	}
	if cfg.RequestTimeout != defaultRequestTimeout {
		t.Fatalf("RequestTimeout = %s, want default", cfg.RequestTimeout)
	}
}
