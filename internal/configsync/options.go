package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

const defaultRegion = "DE"

type FetchResult struct {
	Configured bool
	Options    model.Options
	// Invalid lists accounts that were skipped, without secrets.
	Invalid []string
}

// OptionsLoader reads the add-on options file. When the file is missing or
// lists no account, a single account is taken from the environment.
type OptionsLoader struct {
	path   string
	getenv func(string) string
}

func NewOptionsLoader(path string) *OptionsLoader {
	return &OptionsLoader{path: strings.TrimSpace(path), getenv: os.Getenv}
}

type accountOptions struct {
	Username     string  `json:"username"`
	Password     string  `json:"password"`
	SPIN         string  `json:"spin"`
	Region       string  `json:"region"`
	APILevel     flexInt `json:"api_level"`
	ScanInterval flexInt `json:"scan_interval"`
	ScanInitial  *bool   `json:"scan_initial"`
	ScanActive   *bool   `json:"scan_active"`
}

type mqttOptions struct {
	BrokerURL   string `json:"broker_url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	ClientID    string `json:"client_id"`
}

type addonOptions struct {
	Accounts []accountOptions `json:"accounts"`
	MQTT     mqttOptions      `json:"mqtt"`
	// single account layout
	accountOptions
}

// flexInt accepts numbers and numeric strings; HA option forms send both.
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid integer %q", raw)
	}
	f.value, f.set = v, true
	return nil
}

func (l *OptionsLoader) FetchOptions(_ context.Context) (FetchResult, error) {
	var payload addonOptions
	if l.path != "" {
		body, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			if err := json.Unmarshal(body, &payload); err != nil {
				return FetchResult{}, fmt.Errorf("parse %s: %w", l.path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return FetchResult{}, err
		}
	}

	accounts := payload.Accounts
	if len(accounts) == 0 && payload.Username != "" {
		accounts = []accountOptions{payload.accountOptions}
	}
	if len(accounts) == 0 {
		if env, ok := l.envAccount(); ok {
			accounts = []accountOptions{env}
		}
	}

	var res FetchResult
	seen := map[string]bool{}
	for i, raw := range accounts {
		acc := normalizeAccount(raw)
		if err := acc.Credentials.Validate(); err != nil {
			res.Invalid = append(res.Invalid, fmt.Sprintf("account %d: %v", i+1, err))
			continue
		}
		key := strings.ToLower(acc.Credentials.Username)
		if seen[key] {
			res.Invalid = append(res.Invalid, fmt.Sprintf("account %d: duplicate username", i+1))
			continue
		}
		seen[key] = true
		res.Options.Accounts = append(res.Options.Accounts, acc)
	}

	res.Options.MQTT = l.mqttOptions(payload.MQTT)
	res.Configured = len(res.Options.Accounts) > 0
	return res, nil
}

func normalizeAccount(raw accountOptions) model.AccountConfig {
	region := strings.ToUpper(strings.TrimSpace(raw.Region))
	if region == "" {
		region = defaultRegion
	}
	acc := model.AccountConfig{
		Credentials: model.Credentials{
			Username: strings.TrimSpace(raw.Username),
			Password: raw.Password,
			SPIN:     strings.TrimSpace(raw.SPIN),
			Region:   region,
			APILevel: model.APILevel(raw.APILevel.value),
		},
		ScanIntervalMin: raw.ScanInterval.value,
		ScanInitial:     true,
		ScanActive:      true,
	}
	if raw.ScanInitial != nil {
		acc.ScanInitial = *raw.ScanInitial
	}
	if raw.ScanActive != nil {
		acc.ScanActive = *raw.ScanActive
	}
	return acc
}

func (l *OptionsLoader) envAccount() (accountOptions, bool) {
	username := strings.TrimSpace(l.getenv("AUDI_USERNAME"))
	if username == "" {
		return accountOptions{}, false
	}
	acc := accountOptions{
		Username: username,
		Password: l.getenv("AUDI_PASSWORD"),
		SPIN:     l.getenv("AUDI_SPIN"),
		Region:   l.getenv("AUDI_REGION"),
	}
	if v, err := strconv.Atoi(strings.TrimSpace(l.getenv("AUDI_API_LEVEL"))); err == nil {
		acc.APILevel = flexInt{value: v, set: true}
	}
	if v, err := strconv.Atoi(strings.TrimSpace(l.getenv("AUDI_SCAN_INTERVAL"))); err == nil {
		acc.ScanInterval = flexInt{value: v, set: true}
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(l.getenv("AUDI_SCAN_INITIAL"))); err == nil {
		acc.ScanInitial = &v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(l.getenv("AUDI_SCAN_ACTIVE"))); err == nil {
		acc.ScanActive = &v
	}
	return acc, true
}

func (l *OptionsLoader) mqttOptions(raw mqttOptions) model.MQTTConfig {
	cfg := model.MQTTConfig{
		BrokerURL:   strings.TrimSpace(raw.BrokerURL),
		Username:    raw.Username,
		Password:    raw.Password,
		TopicPrefix: strings.Trim(strings.TrimSpace(raw.TopicPrefix), "/"),
		ClientID:    strings.TrimSpace(raw.ClientID),
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = strings.TrimSpace(l.getenv("MQTT_BROKER_URL"))
		cfg.Username = l.getenv("MQTT_USERNAME")
		cfg.Password = l.getenv("MQTT_PASSWORD")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "audiconnect"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "audiconnect-addon"
	}
	return cfg
}
