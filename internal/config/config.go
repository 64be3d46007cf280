// Package config provides configuration management for banquet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPort is the HTTP port the service listens on.
	DefaultPort = 38920

	// DefaultBindAddress keeps the service on loopback unless configured otherwise.
	DefaultBindAddress = "127.0.0.1"

	// DefaultBookingURLPattern links a booking row to its record page.
	DefaultBookingURLPattern = "/lightning/r/Booking__c/%s/view"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultAllowedOrigins is the origin allow-list for popup messages.
var DefaultAllowedOrigins = []string{"https://*.herokuapp.com"}

// Config holds banquet configuration.
type Config struct {
	BindAddress       string
	DBDriver          string
	DBPath            string
	DBDSN             string
	AuthorizeURL      string
	OAuthClientID     string
	RedirectURL       string
	OAuthScope        string
	TokenKey          string
	BookingURLPattern string
	LogLevel          string
	AllowedOrigins    []string
	Port              int
	MaxConns          int
	PollInterval      time.Duration
	AuthTimeout       time.Duration
	CloseGrace        time.Duration
	HeartbeatGrace    time.Duration
}

var (
	global     *Config
	globalOnce sync.Once
)

// DataDir returns the data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".banquet")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "banquet.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaults := map[string]any{
		"BANQUET_PORT":            DefaultPort,
		"BANQUET_DB_DRIVER":       DriverSQLite,
		"BANQUET_ALLOWED_ORIGINS": strings.Join(DefaultAllowedOrigins, ","),
	}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := EnsureSettings(); err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	return nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		BindAddress:       DefaultBindAddress,
		DBDriver:          DriverSQLite,
		DBPath:            DBPath(),
		MaxConns:          4,
		AllowedOrigins:    append([]string(nil), DefaultAllowedOrigins...),
		OAuthScope:        "openid offline_access",
		BookingURLPattern: DefaultBookingURLPattern,
		LogLevel:          "info",
		PollInterval:      time.Second,
		AuthTimeout:       5 * time.Minute,
		CloseGrace:        500 * time.Millisecond,
		HeartbeatGrace:    15 * time.Second,
	}
}

// Load reads settings.json and environment overrides on top of the defaults.
// A missing or malformed settings file is not an error.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		} else {
			cfg.apply(settings)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

func (c *Config) apply(settings map[string]any) {
	if v, ok := intSetting(settings, "BANQUET_PORT"); ok && v > 0 {
		c.Port = v
	}
	if v, ok := stringSetting(settings, "BANQUET_BIND_ADDRESS"); ok {
		c.BindAddress = v
	}
	if v, ok := stringSetting(settings, "BANQUET_DB_DRIVER"); ok {
		c.DBDriver = strings.ToLower(v)
	}
	if v, ok := stringSetting(settings, "BANQUET_DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := stringSetting(settings, "BANQUET_DB_DSN"); ok {
		c.DBDSN = v
	}
	if v, ok := intSetting(settings, "BANQUET_DB_MAX_CONNS"); ok && v > 0 {
		c.MaxConns = v
	}
	if v, ok := stringSetting(settings, "BANQUET_ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitTrim(v)
	}
	if v, ok := stringSetting(settings, "BANQUET_OAUTH_AUTHORIZE_URL"); ok {
		c.AuthorizeURL = v
	}
	if v, ok := stringSetting(settings, "BANQUET_OAUTH_CLIENT_ID"); ok {
		c.OAuthClientID = v
	}
	if v, ok := stringSetting(settings, "BANQUET_OAUTH_REDIRECT_URL"); ok {
		c.RedirectURL = v
	}
	if v, ok := stringSetting(settings, "BANQUET_OAUTH_SCOPE"); ok {
		c.OAuthScope = v
	}
	if v, ok := stringSetting(settings, "BANQUET_TOKEN_KEY"); ok {
		c.TokenKey = v
	}
	if v, ok := stringSetting(settings, "BANQUET_BOOKING_URL_PATTERN"); ok {
		c.BookingURLPattern = v
	}
	if v, ok := stringSetting(settings, "BANQUET_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := intSetting(settings, "BANQUET_POLL_INTERVAL_MS"); ok && v > 0 {
		c.PollInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := intSetting(settings, "BANQUET_AUTH_TIMEOUT_SECONDS"); ok && v > 0 {
		c.AuthTimeout = time.Duration(v) * time.Second
	}
	if v, ok := intSetting(settings, "BANQUET_CLOSE_GRACE_MS"); ok && v >= 0 {
		c.CloseGrace = time.Duration(v) * time.Millisecond
	}
	if v, ok := intSetting(settings, "BANQUET_HEARTBEAT_GRACE_SECONDS"); ok && v > 0 {
		c.HeartbeatGrace = time.Duration(v) * time.Second
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BANQUET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := os.Getenv("BANQUET_DB_DSN"); v != "" {
		c.DBDSN = v
	}
	if v := os.Getenv("BANQUET_DB_DRIVER"); v != "" {
		c.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv("BANQUET_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitTrim(v)
	}
	if v := os.Getenv("BANQUET_TOKEN_KEY"); v != "" {
		c.TokenKey = v
	}
	if v := os.Getenv("BANQUET_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func stringSetting(settings map[string]any, key string) (string, bool) {
	v, ok := settings[key].(string)
	return v, ok
}

// intSetting accepts JSON numbers and numeric strings.
func intSetting(settings map[string]any, key string) (int, bool) {
	switch v := settings[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// splitTrim splits a comma-separated list, trimming whitespace and dropping empty values.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
