package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinScanInterval     = 5 * time.Minute
	DefaultScanInterval = 10 * time.Minute
)

// APILevel selects the vendor request/response schema of an account.
type APILevel int

const (
	APILevelLegacy APILevel = 0
	APILevelEtron  APILevel = 1
)

func (l APILevel) Valid() bool {
	return l == APILevelLegacy || l == APILevelEtron
}

func (l APILevel) String() string {
	switch l {
	case APILevelLegacy:
		return "legacy"
	case APILevelEtron:
		return "etron"
	default:
		return fmt.Sprintf("api_level(%d)", int(l))
	}
}

// Credentials represents one vendor account login. Immutable for a session.
type Credentials struct {
	Username string
	Password string
	SPIN     string
	Region   string
	APILevel APILevel
}

func (c Credentials) HasPIN() bool {
	return strings.TrimSpace(c.SPIN) != ""
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("invalid username: is required")
	}
	if c.Password == "" {
		return fmt.Errorf("invalid password: is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return fmt.Errorf("invalid region: is required")
	}
	if !c.APILevel.Valid() {
		return fmt.Errorf("invalid api_level: %d", int(c.APILevel))
	}
	return nil
}

// String keeps secrets out of logs.
func (c Credentials) String() string {
	return fmt.Sprintf("%s (region=%s, api_level=%s, spin=%t)", c.Username, strings.ToUpper(c.Region), c.APILevel, c.HasPIN())
}

// AccountConfig represents one configured account with its polling options.
type AccountConfig struct {
	Credentials     Credentials
	ScanIntervalMin int
	ScanInitial     bool
	ScanActive      bool
}

// ScanInterval returns the polling interval with the vendor floor applied.
func (c AccountConfig) ScanInterval() time.Duration {
	if c.ScanIntervalMin <= 0 {
		return DefaultScanInterval
	}
	interval := time.Duration(c.ScanIntervalMin) * time.Minute
	if interval < MinScanInterval {
		return MinScanInterval
	}
	return interval
}

// MQTTConfig is the optional state publisher target.
type MQTTConfig struct {
	BrokerURL   string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

func (c MQTTConfig) Enabled() bool {
	return strings.TrimSpace(c.BrokerURL) != ""
}

// Options is the normalized add-on configuration payload.
type Options struct {
	Accounts []AccountConfig
	MQTT     MQTTConfig
}
