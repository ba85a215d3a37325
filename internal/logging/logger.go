package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New creates a process logger with JSON output for backend services.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}))
}

// RedactVIN keeps the last four characters of a VIN.
func RedactVIN(vin string) string {
	vin = strings.TrimSpace(vin)
	if len(vin) <= 4 {
		return strings.Repeat("*", len(vin))
	}
	return strings.Repeat("*", len(vin)-4) + vin[len(vin)-4:]
}

// VIN returns a log attribute carrying the redacted VIN.
func VIN(vin string) slog.Attr {
	return slog.String("vin", RedactVIN(vin))
}

var secretKeys = map[string]struct{}{
	"password":      {},
	"spin":          {},
	"pin":           {},
	"access_token":  {},
	"refresh_token": {},
	"id_token":      {},
	"token":         {},
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
