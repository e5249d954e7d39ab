// Package config provides configuration management for shiftwatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	// DefaultDashboardPort is the default HTTP port of the dashboard API.
	DefaultDashboardPort = 37790

	// DefaultPollIntervalMinutes is used until the user picks another interval.
	DefaultPollIntervalMinutes = 5

	envPrefix = "SHIFTWATCH_"
)

// Config holds the application configuration.
type Config struct {
	// Data source
	Endpoint              string `json:"endpoint"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	CacheTTLSeconds       int    `json:"cache_ttl_seconds"`
	PushTimeoutSeconds    int    `json:"push_timeout_seconds"`

	// User
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	AreaAssignment string `json:"area_assignment"`
	AreasFile      string `json:"areas_file"`

	// Polling
	PollIntervalMinutes int `json:"poll_interval_minutes"`
	PollJitterSeconds   int `json:"poll_jitter_seconds"` // upper bound of the random delay added to each interval

	// Notifications
	NotificationPermission string `json:"notification_permission"` // granted, denied or default
	SoundMuted             bool   `json:"sound_muted"`

	// Service
	DashboardPort  int    `json:"dashboard_port"`
	DashboardToken string `json:"dashboard_token"` // empty disables token auth
	StateDSN       string `json:"state_dsn"`
	LogLevel       string `json:"log_level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.shiftwatch, or
// SHIFTWATCH_DATA_DIR).
func DataDir() string {
	if dir := os.Getenv(envPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shiftwatch")
}

// DBPath returns the default SQLite state file path.
func DBPath() string {
	return filepath.Join(DataDir(), "shiftwatch.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// AreasPath returns the default areas catalog path.
func AreasPath() string {
	return filepath.Join(DataDir(), "areas.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "SHIFTWATCH_ENDPOINT": "",
  "SHIFTWATCH_USER_ID": "",
  "SHIFTWATCH_AREA": "all",
  "SHIFTWATCH_POLL_INTERVAL_MINUTES": 5,
  "SHIFTWATCH_SOUND_MUTED": false,
  "SHIFTWATCH_DASHBOARD_PORT": 37790
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureSettings(); err != nil {
		return err
	}
	return nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		RequestTimeoutSeconds:  30,
		CacheTTLSeconds:        300,
		PushTimeoutSeconds:     10,
		PollIntervalMinutes:    DefaultPollIntervalMinutes,
		PollJitterSeconds:      60,
		NotificationPermission: "default",
		DashboardPort:          DefaultDashboardPort,
		StateDSN:               DBPath(),
		AreasFile:              AreasPath(),
		LogLevel:               "info",
	}
}

// Load loads configuration from the settings file, merging with defaults,
// then applies environment overrides.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom is Load with an explicit settings path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		applySettings(cfg, func(key string) (any, bool) {
			v, ok := settings[envPrefix+key]
			return v, ok
		})
	}

	applySettings(cfg, func(key string) (any, bool) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok || v == "" {
			return nil, false
		}
		return v, true
	})
	return cfg, nil
}

// applySettings maps settings keys onto cfg. Values may come from JSON
// (float64, bool, string) or the environment (always string).
func applySettings(cfg *Config, lookup func(key string) (any, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			if s, ok := v.(string); ok {
				*dst = strings.TrimSpace(s)
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, ok := asInt(v); ok && n >= 0 {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, ok := asBool(v); ok {
				*dst = b
			}
		}
	}

	str("ENDPOINT", &cfg.Endpoint)
	num("REQUEST_TIMEOUT_SECONDS", &cfg.RequestTimeoutSeconds)
	num("CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)
	num("PUSH_TIMEOUT_SECONDS", &cfg.PushTimeoutSeconds)
	str("USER_ID", &cfg.UserID)
	str("USER_NAME", &cfg.UserName)
	str("AREA", &cfg.AreaAssignment)
	str("AREAS_FILE", &cfg.AreasFile)
	num("POLL_INTERVAL_MINUTES", &cfg.PollIntervalMinutes)
	num("POLL_JITTER_SECONDS", &cfg.PollJitterSeconds)
	str("NOTIFICATION_PERMISSION", &cfg.NotificationPermission)
	flag("SOUND_MUTED", &cfg.SoundMuted)
	num("DASHBOARD_PORT", &cfg.DashboardPort)
	str("DASHBOARD_TOKEN", &cfg.DashboardToken)
	str("STATE_DSN", &cfg.StateDSN)
	str("LOG_LEVEL", &cfg.LogLevel)
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Set replaces the global configuration, e.g. after the settings file
// changed.
func Set(cfg *Config) {
	configOnce.Do(func() {})
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
}

// PollInterval returns the poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}

// PollJitter returns the upper bound of the per-interval random delay.
func (c *Config) PollJitter() time.Duration {
	return time.Duration(c.PollJitterSeconds) * time.Second
}

// RequestTimeout returns the data source request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CacheTTL returns how long a fetched snapshot is reused.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// PushTimeout bounds one background watermark push.
func (c *Config) PushTimeout() time.Duration {
	return time.Duration(c.PushTimeoutSeconds) * time.Second
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate reports settings the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is not set (SHIFTWATCH_ENDPOINT)"))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user id is not set (SHIFTWATCH_USER_ID)"))
	}
	if c.DashboardPort <= 0 || c.DashboardPort > 65535 {
		errs = append(errs, fmt.Errorf("dashboard port %d out of range", c.DashboardPort))
	}
	return errors.Join(errs...)
}
