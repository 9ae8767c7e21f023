// Package config loads relay settings from a YAML file and CHATRELAY_*
// environment variables, and reloads them when the file changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"matchchat/logging"
)

const envPrefix = "CHATRELAY"

type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Logging logging.Config
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Inbound frame budget per socket.
	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
	SendQueue       int
}

// AuthConfig maps bearer tokens to user ids. JWTSecret, when set, also
// accepts HS256 session tokens issued by the REST backend. InternalKey, when
// set, guards the /internal endpoints used by that backend.
type AuthConfig struct {
	Users       []TokenEntry
	JWTSecret   string
	InternalKey string
}

type TokenEntry struct {
	Token  string `mapstructure:"token"`
	UserID int64  `mapstructure:"user_id"`
}

// Tokens returns the token table as a lookup map.
func (a AuthConfig) Tokens() map[string]int64 {
	out := make(map[string]int64, len(a.Users))
	for _, u := range a.Users {
		out[u.Token] = u.UserID
	}
	return out
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			FramesPerSecond: 10,
			FrameBurst:      20,
			MaxFrameBytes:   64 << 10,
			SendQueue:       256,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Manager owns the viper instance backing the relay configuration.
type Manager struct {
	v    *viper.Viper
	path string

	mu  sync.RWMutex
	cfg *Config
}

// Load reads path (optional), the environment and defaults.
func Load(path string) (*Manager, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	m := &Manager{v: v}
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			m.path = path
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch reloads the configuration whenever the file changes and sends each
// valid result on the returned channel. Invalid edits are reported through
// onError and otherwise ignored. Without a config file the channel never
// fires.
func (m *Manager) Watch(ctx context.Context, onError func(error)) <-chan *Config {
	ch := make(chan *Config, 1)
	if m.path == "" {
		return ch
	}
	if onError == nil {
		onError = func(error) {}
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(m.v)
		if err == nil {
			if errs := cfg.Validate(); len(errs) > 0 {
				err = errors.Join(errs...)
			}
		}
		if err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}

		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()

		// keep only the newest
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		case <-ctx.Done():
		}
	})
	m.v.WatchConfig()
	return ch
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.frames_per_second", d.Server.FramesPerSecond)
	v.SetDefault("server.frame_burst", d.Server.FrameBurst)
	v.SetDefault("server.max_frame_bytes", d.Server.MaxFrameBytes)
	v.SetDefault("server.send_queue", d.Server.SendQueue)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.internal_key", "")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Server.Addr = v.GetString("server.addr")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.FramesPerSecond = v.GetFloat64("server.frames_per_second")
	cfg.Server.FrameBurst = v.GetInt("server.frame_burst")
	cfg.Server.MaxFrameBytes = v.GetInt64("server.max_frame_bytes")
	cfg.Server.SendQueue = v.GetInt("server.send_queue")

	if err := v.UnmarshalKey("auth.users", &cfg.Auth.Users); err != nil {
		return nil, fmt.Errorf("decode auth.users: %w", err)
	}
	cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	cfg.Auth.InternalKey = v.GetString("auth.internal_key")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	return cfg, nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, &ValidationError{Field: "server.addr", Message: "address is required"})
	}
	if c.Server.FramesPerSecond <= 0 {
		errs = append(errs, &ValidationError{Field: "server.frames_per_second", Message: "must be positive"})
	}
	if c.Server.FrameBurst < 1 {
		errs = append(errs, &ValidationError{Field: "server.frame_burst", Message: "must be at least 1"})
	}
	if c.Server.SendQueue < 1 {
		errs = append(errs, &ValidationError{Field: "server.send_queue", Message: "must be at least 1"})
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, &ValidationError{Field: "auth.jwt_secret", Message: "must be at least 16 characters"})
	}

	seen := make(map[string]bool, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		field := fmt.Sprintf("auth.users[%d]", i)
		switch {
		case u.Token == "":
			errs = append(errs, &ValidationError{Field: field, Message: "token is empty"})
		case seen[u.Token]:
			errs = append(errs, &ValidationError{Field: field, Message: "duplicate token"})
		case u.UserID <= 0:
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("invalid user_id %d", u.UserID)})
		}
		seen[u.Token] = true
	}

	return errs
}
