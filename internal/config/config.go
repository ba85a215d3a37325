package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr              = ":8099"
	defaultDBPath                = "/data/audiconnect.db"
	defaultAddonOptionsPath      = "/data/options.json"
	defaultHAURL                 = "http://supervisor/core"
	defaultRequestTimeout        = 30 * time.Second
	defaultPollInterval          = 10 * time.Second
	defaultPollAttempts          = 10
	defaultVendorRateLimit       = 2.0
	defaultConfigRefreshInterval = 5 * time.Minute
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr              string
	DBPath                string
	AddonOptionsPath      string
	ConfigRefreshInterval time.Duration
	LogLevel              slog.Level

	HAURL   string
	HAToken string

	// RequestTimeout bounds every single vendor HTTP call.
	RequestTimeout time.Duration
	// PollInterval and PollAttempts bound vehicle refresh and action completion polling.
	PollInterval    time.Duration
	PollAttempts    int
	VendorRateLimit float64
}

// Load builds Config from environment variables using stable defaults.
// A .env file in the working directory is honored for local runs.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:              getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:                getenv("DB_PATH", defaultDBPath),
		AddonOptionsPath:      getenv("ADDON_OPTIONS_PATH", defaultAddonOptionsPath),
		ConfigRefreshInterval: parseDuration("CONFIG_REFRESH_INTERVAL", defaultConfigRefreshInterval),
		LogLevel:              parseLogLevel(getenv("LOG_LEVEL", "info")),
		HAURL:                 strings.TrimRight(getenv("HA_URL", defaultHAURL), "/"),
		HAToken:               getenv("SUPERVISOR_TOKEN", getenv("HA_TOKEN", "")),
		RequestTimeout:        parseDuration("VENDOR_REQUEST_TIMEOUT", defaultRequestTimeout),
		PollInterval:          parseDuration("VENDOR_POLL_INTERVAL", defaultPollInterval),
		PollAttempts:          parseInt("VENDOR_POLL_ATTEMPTS", defaultPollAttempts),
		VendorRateLimit:       parseFloat("VENDOR_RATE_LIMIT", defaultVendorRateLimit),
	}
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
