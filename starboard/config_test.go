package starboard

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.RuntimeConfigTTL = 0
	cfg.Development = true

	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testBotUserID
	cfg.Discord.WorkerIdleTimeout = time.Minute

	cfg.API.Listen = "127.0.0.1:0"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	err := structValidator.Struct(cfg)
	require.Error(t, err, "token is required")

	cfg.Discord.Token = "token"
	require.NoError(t, structValidator.Struct(cfg))
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{
			name:    "valid",
			modify:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "unknown database type",
			modify: func(cfg *Config) {
				cfg.DatabaseType = "mysql"
			},
			wantErr: true,
		},
		{
			name: "persist interval longer than debounce",
			modify: func(cfg *Config) {
				cfg.Persist.Interval = 2 * time.Minute
				cfg.Persist.Debounce = time.Minute
			},
			wantErr: true,
		},
		{
			name: "persist interval equal to debounce",
			modify: func(cfg *Config) {
				cfg.Persist.Interval = time.Minute
				cfg.Persist.Debounce = time.Minute
			},
			wantErr: false,
		},
		{
			name: "reaction fetch concurrency too high",
			modify: func(cfg *Config) {
				cfg.Discord.ReactionFetchConcurrency = 100
			},
			wantErr: true,
		},
		{
			name: "bad listen network",
			modify: func(cfg *Config) {
				cfg.API.ListenNetwork = "udp"
			},
			wantErr: true,
		},
		{
			name: "ssl key without cert",
			modify: func(cfg *Config) {
				cfg.API.SSL.Key = "key.pem"
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := structValidator.Struct(cfg)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "super-secret-token"
	cfg.Sentry.DSN = "https://key@sentry.example.com/1"

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, "super-secret-token")
	assert.NotContains(t, rendered, "sentry.example.com")
	assert.Contains(t, rendered, "[redacted]")
}

func TestDefaultCORSConfig(t *testing.T) {
	cfg := DefaultCORSConfig()
	assert.Empty(t, cfg.AllowOrigins)
	assert.Contains(t, cfg.AllowHeaders, xRequestIDHeader)
	assert.Contains(t, cfg.ExposeHeaders, xRequestIDHeader)

	cfg.AllowMethods[0] = "CHANGED"
	assert.NotEqual(t, "CHANGED", DefaultCORSAllowMethods[0])

	ginCfg := cfg.GINConfig()
	assert.Equal(t, cfg.MaxAge, ginCfg.MaxAge)
	assert.True(t, ginCfg.AllowCredentials)
}
