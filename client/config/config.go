// Package config loads chat client settings from an optional YAML file and
// MATCHCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"matchchat/client/connection"
	"matchchat/logging"
)

const envPrefix = "MATCHCHAT"

// Config is the complete client configuration.
type Config struct {
	Realtime  RealtimeConfig
	Reconnect ReconnectConfig
	Typing    TypingConfig
	API       APIConfig
	History   HistoryConfig
	Auth      AuthConfig
	Logging   logging.Config
}

type RealtimeConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
}

type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

type TypingConfig struct {
	IdleTimeout time.Duration
	Expiry      time.Duration
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type HistoryConfig struct {
	PageSize int
}

// AuthConfig holds the bearer token used for both the socket and REST calls.
type AuthConfig struct {
	Token  string
	UserID int64
}

func DefaultConfig() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:               "ws://localhost:8000/ws",
			HeartbeatInterval: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxAttempts: 5,
		},
		Typing: TypingConfig{
			IdleTimeout: 2 * time.Second,
			Expiry:      3 * time.Second,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 15 * time.Second,
		},
		History: HistoryConfig{
			PageSize: 100,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from path (optional), the environment and
// defaults, in decreasing order of precedence: environment, file, defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	return unmarshal(v), nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.heartbeat_interval", d.Realtime.HeartbeatInterval)
	v.SetDefault("realtime.handshake_timeout", d.Realtime.HandshakeTimeout)

	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)

	v.SetDefault("typing.idle_timeout", d.Typing.IdleTimeout)
	v.SetDefault("typing.expiry", d.Typing.Expiry)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout", d.API.Timeout)

	v.SetDefault("history.page_size", d.History.PageSize)

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", 0)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

func unmarshal(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Realtime.URL = v.GetString("realtime.url")
	cfg.Realtime.HeartbeatInterval = v.GetDuration("realtime.heartbeat_interval")
	cfg.Realtime.HandshakeTimeout = v.GetDuration("realtime.handshake_timeout")

	cfg.Reconnect.BaseDelay = v.GetDuration("reconnect.base_delay")
	cfg.Reconnect.MaxAttempts = v.GetInt("reconnect.max_attempts")

	cfg.Typing.IdleTimeout = v.GetDuration("typing.idle_timeout")
	cfg.Typing.Expiry = v.GetDuration("typing.expiry")

	cfg.API.BaseURL = v.GetString("api.base_url")
	cfg.API.Timeout = v.GetDuration("api.timeout")

	cfg.History.PageSize = v.GetInt("history.page_size")

	cfg.Auth.Token = v.GetString("auth.token")
	cfg.Auth.UserID = v.GetInt64("auth.user_id")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	return cfg
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() []error {
	var errs []error

	if u, err := url.Parse(c.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "realtime.url",
			Message: fmt.Sprintf("must be a ws:// or wss:// url, got %q", c.Realtime.URL),
		})
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "realtime.heartbeat_interval",
			Message: "must be positive",
		})
	}

	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "reconnect.base_delay",
			Message: "must be positive",
		})
	}
	if c.Reconnect.MaxAttempts < 1 || c.Reconnect.MaxAttempts > 16 {
		errs = append(errs, &ValidationError{
			Field:   "reconnect.max_attempts",
			Message: fmt.Sprintf("must be between 1 and 16, got %d", c.Reconnect.MaxAttempts),
		})
	}

	if c.Typing.IdleTimeout <= 0 || c.Typing.Expiry <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "typing",
			Message: "idle_timeout and expiry must be positive",
		})
	}

	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "api.base_url",
			Message: fmt.Sprintf("must be an http:// or https:// url, got %q", c.API.BaseURL),
		})
	}

	if c.History.PageSize < 1 || c.History.PageSize > 100 {
		errs = append(errs, &ValidationError{
			Field:   "history.page_size",
			Message: fmt.Sprintf("must be between 1 and 100, got %d", c.History.PageSize),
		})
	}

	if c.Auth.Token == "" {
		errs = append(errs, &ValidationError{
			Field:   "auth.token",
			Message: "token is required (set MATCHCHAT_AUTH_TOKEN)",
		})
	}

	return errs
}

// ConnectionConfig maps the realtime and reconnect sections onto the
// connection manager's settings.
func (c *Config) ConnectionConfig() connection.Config {
	return connection.Config{
		URL:               c.Realtime.URL,
		HeartbeatInterval: c.Realtime.HeartbeatInterval,
		BaseDelay:         c.Reconnect.BaseDelay,
		MaxAttempts:       c.Reconnect.MaxAttempts,
		HandshakeTimeout:  c.Realtime.HandshakeTimeout,
	}
}
