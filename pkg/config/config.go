// Package config loads wirelink settings from a TOML file and can
// watch the file for changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// Duration unmarshals TOML strings like "30s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full wirelink configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig points at the service endpoints.
type ServerConfig struct {
	WebSocketURL      string   `toml:"websocket_url"`
	APIBaseURL        string   `toml:"api_base_url"`
	DialTimeout       Duration `toml:"dial_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// AuthConfig holds session credentials.
type AuthConfig struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

// ReconnectConfig tunes the reconnection schedule.
type ReconnectConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

// OutboxConfig tunes the offline request buffer.
type OutboxConfig struct {
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with every tunable at its default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			DialTimeout:       Duration(10 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
		},
		Outbox: OutboxConfig{
			TTL:           Duration(time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path and merges it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields a running client cannot do without.
func (c Config) Validate() error {
	if c.Server.WebSocketURL == "" {
		return errors.New("config: server.websocket_url is required")
	}
	u, err := url.Parse(c.Server.WebSocketURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("config: server.websocket_url must be a ws:// or wss:// URL, got %q", c.Server.WebSocketURL)
	}
	if c.Server.APIBaseURL == "" {
		return errors.New("config: server.api_base_url is required")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("config: reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay <= 0 {
		return errors.New("config: reconnect delays must be positive")
	}
	if c.Outbox.TTL <= 0 {
		return errors.New("config: outbox.ttl must be positive")
	}
	return nil
}

// LogLevel maps the configured level name to a slog.Level.
func (c Config) LogLevel() slog.Level {
	switch c.Log.Level {
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

// Watch reloads path whenever it changes and calls fn with the new
// Config. Change bursts are debounced; a file that fails to load is
// logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	const debounce = 100 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config: watcher error", "err", err)
		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config: reload failed, keeping previous", "err", err)
				continue
			}
			logger.Info("config: reloaded", "path", path)
			fn(cfg)
		}
	}
}
