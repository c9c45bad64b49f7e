package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
websocket_url = "wss://chat.example.com/ws"
api_base_url = "https://chat.example.com"
dial_timeout = "5s"
heartbeat_interval = "20s"

[auth]
user_id = "u-42"
token = "secret"

[reconnect]
max_attempts = 3
base_delay = "500ms"
max_delay = "10s"

[outbox]
ttl = "2h"
sweep_interval = "30s"

[log]
level = "debug"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wirelink.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "wss://chat.example.com/ws", cfg.Server.WebSocketURL)
	assert.Equal(t, "https://chat.example.com", cfg.Server.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.Server.DialTimeout.Std())
	assert.Equal(t, 20*time.Second, cfg.Server.HeartbeatInterval.Std())
	assert.Equal(t, "u-42", cfg.Auth.UserID)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay.Std())
	assert.Equal(t, 2*time.Hour, cfg.Outbox.TTL.Std())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
websocket_url = "wss://x.example.com/ws"
api_base_url = "https://x.example.com"
`))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Reconnect, cfg.Reconnect)
	assert.Equal(t, def.Outbox, cfg.Outbox)
	assert.Equal(t, def.Server.DialTimeout, cfg.Server.DialTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	_, err := Load(writeConfig(t, `[server` + "\n"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"missing websocket url": func(c *Config) { c.Server.WebSocketURL = "" },
		"http scheme":           func(c *Config) { c.Server.WebSocketURL = "https://x.example.com" },
		"missing api url":       func(c *Config) { c.Server.APIBaseURL = "" },
		"zero attempts":         func(c *Config) { c.Reconnect.MaxAttempts = 0 },
		"negative delay":        func(c *Config) { c.Reconnect.BaseDelay = Duration(-time.Second) },
		"zero ttl":              func(c *Config) { c.Outbox.TTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.WebSocketURL = "wss://x.example.com/ws"
			cfg.Server.APIBaseURL = "https://x.example.com"
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 1)
	go func() {
		_ = Watch(ctx, path, logger, func(cfg Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher time to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(
		"[server]\nwebsocket_url = \"wss://chat.example.com/ws\"\napi_base_url = \"https://chat.example.com\"\n\n[log]\nlevel = \"warn\"\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, slog.LevelWarn, cfg.LogLevel())
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}
}

func TestWatchSkipsInvalidReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 4)
	go func() {
		_ = Watch(ctx, path, logger, func(cfg Config) { reloaded <- cfg })
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("not toml at all ["), 0o600))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid file produced a reload: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
