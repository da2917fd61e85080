package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulsefeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 8765, cfg.Stream.Port)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, SettingsStatic, cfg.Settings.Source)
	require.True(t, cfg.Settings.IsWebsocketEnabled())
	require.True(t, cfg.Store.Sweep.IsEnabled())
	require.True(t, cfg.Sources.Browser.IsHeadless())
	require.NotEmpty(t, cfg.Sources.TopCoins.Primary.Coins)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  pretty: true
stream:
  port: 9100
settings:
  dashboard_refresh_interval_secs: 15
  websocket_enabled: false
store:
  backend: redis
  redis:
    addr: cache.internal:6379
    db: 2
sources:
  fx:
    api_key: file-key
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Stream.Port)
	require.Equal(t, "cache.internal:6379", cfg.Store.Redis.Addr)
	require.Equal(t, 2, cfg.Store.Redis.DB)
	require.Equal(t, "file-key", cfg.Sources.FX.APIKey)
	require.False(t, cfg.Settings.IsWebsocketEnabled())

	// Untouched keys keep their defaults.
	require.Equal(t, "localhost", cfg.Stream.Host)
	require.Equal(t, ":8080", cfg.Ops.Addr)
	require.Equal(t, 60, cfg.Settings.GeneralUpdateIntervalSecs)
	require.Equal(t, "*/5 * * * *", cfg.Store.Sweep.Schedule)

	level, err := cfg.Log.GetLevel()
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, level)

	require.Equal(t, 20*time.Second, cfg.Stream.GetPingInterval())
	require.Equal(t, 15*time.Second, cfg.Settings.GetDashboardRefreshInterval())
	require.Equal(t, 100*time.Millisecond, cfg.Sources.TopCoins.Primary.GetRequestGap())
	require.Equal(t, time.Hour, cfg.Sources.FX.GetRealtimeMinInterval())

	host, port, err := cfg.Ops.HostPort()
	require.NoError(t, err)
	require.Empty(t, host)
	require.Equal(t, 8080, port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "stream: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestEnvOverridesFileKey(t *testing.T) {
	t.Setenv(FXAPIKeyEnv, "env-key")
	path := writeConfig(t, `
sources:
  fx:
    api_key: file-key
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.Sources.FX.APIKey)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log level",
		},
		{
			name:    "stream port out of range",
			mutate:  func(c *Config) { c.Stream.Port = 0 },
			wantErr: "port must be between",
		},
		{
			name:    "ops addr without port",
			mutate:  func(c *Config) { c.Ops.Addr = "localhost" },
			wantErr: "ops",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: "backend must be",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Backend = BackendPostgres },
			wantErr: "postgres.dsn",
		},
		{
			name:    "redis without addr",
			mutate: func(c *Config) {
				c.Store.Backend = BackendRedis
				c.Store.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name:    "bad sweep schedule",
			mutate:  func(c *Config) { c.Store.Sweep.Schedule = "every 5 minutes" },
			wantErr: "sweep schedule",
		},
		{
			name:    "sql settings on memory store",
			mutate:  func(c *Config) { c.Settings.Source = SettingsSQL },
			wantErr: "requires store backend",
		},
		{
			name:    "unknown settings source",
			mutate:  func(c *Config) { c.Settings.Source = "consul" },
			wantErr: "source must be",
		},
		{
			name:    "zero collector cadence",
			mutate:  func(c *Config) { c.Collector.SliceIntervalSecs = 0 },
			wantErr: "slice_interval_secs",
		},
		{
			name:    "empty dashboard pages",
			mutate:  func(c *Config) { c.Dispatch.DashboardPages = nil },
			wantErr: "dashboard_pages",
		},
		{
			name: "coin without pair",
			mutate: func(c *Config) {
				c.Sources.TopCoins.Primary.Coins = []CoinConfig{{ID: "tether", Symbol: "USDT"}}
			},
			wantErr: "needs id, symbol and pair",
		},
		{
			name: "composite with no urls",
			mutate: func(c *Config) {
				c.Sources.Composite.PrimaryURL = ""
				c.Sources.Composite.AlternateURL = ""
			},
			wantErr: "primary_url or alternate_url",
		},
		{
			name: "fx key without realtime url",
			mutate: func(c *Config) {
				c.Sources.FX.APIKey = "k"
				c.Sources.FX.RealtimeURL = ""
			},
			wantErr: "realtime_url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSweepCanBeDisabled(t *testing.T) {
	path := writeConfig(t, `
store:
  sweep:
    enabled: false
    schedule: "not even parsed"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Store.Sweep.IsEnabled())
}

func TestBrowserHeadlessOverride(t *testing.T) {
	path := writeConfig(t, `
sources:
  browser:
    headless: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Sources.Browser.IsHeadless())
}
