// Package config loads and validates the service configuration.
//
// The file is YAML. Durations are plain integers in seconds (milliseconds
// where the field name says so) to keep the file editable without Go
// duration syntax; Get* methods convert to time.Duration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FXAPIKeyEnv overrides sources.fx.api_key so the key can stay out of
// checked-in files.
const FXAPIKeyEnv = "PULSEFEED_FX_API_KEY"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Settings sources.
const (
	SettingsStatic = "static"
	SettingsSQL    = "sql"
)

// Config is the root of the service configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Ops       OpsConfig       `yaml:"ops"`
	Store     StoreConfig     `yaml:"store"`
	Settings  SettingsConfig  `yaml:"settings"`
	Collector CollectorConfig `yaml:"collector"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sources   SourcesConfig   `yaml:"sources"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// GetLevel parses the configured level.
func (c LogConfig) GetLevel() (zerolog.Level, error) {
	if c.Level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(c.Level))
}

// StreamConfig configures the websocket listener.
type StreamConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	PingIntervalSecs int    `yaml:"ping_interval_secs"`
	PongTimeoutSecs  int    `yaml:"pong_timeout_secs"`
	CloseTimeoutSecs int    `yaml:"close_timeout_secs"`
	SendBuffer       int    `yaml:"send_buffer"`
}

func (c StreamConfig) GetPingInterval() time.Duration {
	return time.Duration(c.PingIntervalSecs) * time.Second
}

func (c StreamConfig) GetPongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutSecs) * time.Second
}

func (c StreamConfig) GetCloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutSecs) * time.Second
}

// OpsConfig configures the health/metrics HTTP listener.
type OpsConfig struct {
	Addr string `yaml:"addr"` // host:port, host may be empty
}

// HostPort splits Addr into its parts.
func (c OpsConfig) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return "", 0, fmt.Errorf("ops addr %q: %w", c.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("ops addr %q: bad port: %w", c.Addr, err)
	}
	return host, port, nil
}

// StoreConfig selects and configures the cache store backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memory|postgres|redis
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SweepConfig schedules the expired-record sweep. Enabled defaults to true;
// set it explicitly to false to opt out.
type SweepConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // standard 5-field cron expression
}

func (c SweepConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SettingsConfig configures runtime settings resolution. With source
// "static" the values below are served as-is; with "sql" they become the
// fallback defaults behind the app_settings table.
type SettingsConfig struct {
	Source                       string `yaml:"source"` // static|sql
	GeneralUpdateIntervalSecs    int    `yaml:"general_update_interval_secs"`
	DashboardRefreshIntervalSecs int    `yaml:"dashboard_refresh_interval_secs"`
	WebsocketEnabled             *bool  `yaml:"websocket_enabled"`
	CacheTTLSecs                 int    `yaml:"cache_ttl_secs"`
}

func (c SettingsConfig) GetGeneralUpdateInterval() time.Duration {
	return time.Duration(c.GeneralUpdateIntervalSecs) * time.Second
}

func (c SettingsConfig) GetDashboardRefreshInterval() time.Duration {
	return time.Duration(c.DashboardRefreshIntervalSecs) * time.Second
}

func (c SettingsConfig) IsWebsocketEnabled() bool {
	return c.WebsocketEnabled == nil || *c.WebsocketEnabled
}

func (c SettingsConfig) GetCacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// CollectorConfig paces the two collector loops.
type CollectorConfig struct {
	SliceIntervalSecs     int `yaml:"slice_interval_secs"`
	CompositeIntervalSecs int `yaml:"composite_interval_secs"`
	MarketIntervalSecs    int `yaml:"market_interval_secs"`
}

func (c CollectorConfig) GetSliceInterval() time.Duration {
	return time.Duration(c.SliceIntervalSecs) * time.Second
}

func (c CollectorConfig) GetCompositeInterval() time.Duration {
	return time.Duration(c.CompositeIntervalSecs) * time.Second
}

func (c CollectorConfig) GetMarketInterval() time.Duration {
	return time.Duration(c.MarketIntervalSecs) * time.Second
}

// DispatchConfig paces snapshot fan-out.
type DispatchConfig struct {
	BaseIntervalSecs int      `yaml:"base_interval_secs"`
	IdleWaitSecs     int      `yaml:"idle_wait_secs"`
	SendTimeoutSecs  int      `yaml:"send_timeout_secs"`
	DashboardPages   []string `yaml:"dashboard_pages"`
}

func (c DispatchConfig) GetBaseInterval() time.Duration {
	return time.Duration(c.BaseIntervalSecs) * time.Second
}

func (c DispatchConfig) GetIdleWait() time.Duration {
	return time.Duration(c.IdleWaitSecs) * time.Second
}

func (c DispatchConfig) GetSendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSecs) * time.Second
}

// SourcesConfig configures the upstream adapters.
type SourcesConfig struct {
	HTTPTimeoutSecs int             `yaml:"http_timeout_secs"`
	Browser         BrowserConfig   `yaml:"browser"`
	Composite       CompositeConfig `yaml:"composite"`
	Global          GlobalConfig    `yaml:"global"`
	TopCoins        TopCoinsConfig  `yaml:"top_coins"`
	FX              FXConfig        `yaml:"fx"`
}

func (c SourcesConfig) GetHTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// BrowserConfig configures the headless-Chrome scraper shared by the
// composite strategies. Headless defaults to true.
type BrowserConfig struct {
	TimeoutSecs   int   `yaml:"timeout_secs"`
	RenderDelayMS int   `yaml:"render_delay_ms"`
	Headless      *bool `yaml:"headless"`
}

func (c BrowserConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c BrowserConfig) GetRenderDelay() time.Duration {
	return time.Duration(c.RenderDelayMS) * time.Millisecond
}

func (c BrowserConfig) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

type CompositeConfig struct {
	PrimaryURL      string `yaml:"primary_url"`
	AlternateURL    string `yaml:"alternate_url"`
	MinIntervalSecs int    `yaml:"min_interval_secs"`
	TTLSecs         int    `yaml:"ttl_secs"`
}

func (c CompositeConfig) GetMinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

type GlobalConfig struct {
	URL             string `yaml:"url"`
	MinIntervalSecs int    `yaml:"min_interval_secs"`
	TTLSecs         int    `yaml:"ttl_secs"`
}

func (c GlobalConfig) GetMinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

type TopCoinsConfig struct {
	TTLSecs  int                    `yaml:"ttl_secs"`
	Primary  TopCoinsPrimaryConfig  `yaml:"primary"`
	Fallback TopCoinsFallbackConfig `yaml:"fallback"`
}

type TopCoinsPrimaryConfig struct {
	BaseURL         string       `yaml:"base_url"`
	RequestGapMS    int          `yaml:"request_gap_ms"`
	MinIntervalSecs int          `yaml:"min_interval_secs"`
	Coins           []CoinConfig `yaml:"coins"`
}

func (c TopCoinsPrimaryConfig) GetRequestGap() time.Duration {
	return time.Duration(c.RequestGapMS) * time.Millisecond
}

func (c TopCoinsPrimaryConfig) GetMinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

// CoinConfig names one tracked coin. Pair is the exchange ticker symbol the
// primary adapter queries; stablecoins have no such pair and are covered by
// the fallback feed instead.
type CoinConfig struct {
	ID     string `yaml:"id"`
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name"`
	Pair   string `yaml:"pair"`
}

type TopCoinsFallbackConfig struct {
	URL             string `yaml:"url"`
	Count           int    `yaml:"count"`
	MinIntervalSecs int    `yaml:"min_interval_secs"`
}

func (c TopCoinsFallbackConfig) GetMinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

// FXConfig configures the USD/KRW fallback adapter. RealtimeURL embeds the
// API key via %s; DailyURL embeds a date tag ("latest" or YYYY-MM-DD) via %s.
// An empty api_key disables the realtime strategy.
type FXConfig struct {
	APIKey                  string `yaml:"api_key"`
	RealtimeURL             string `yaml:"realtime_url"`
	DailyURL                string `yaml:"daily_url"`
	RealtimeMinIntervalSecs int    `yaml:"realtime_min_interval_secs"`
	DailyMinIntervalSecs    int    `yaml:"daily_min_interval_secs"`
	TTLSecs                 int    `yaml:"ttl_secs"`
}

func (c FXConfig) GetRealtimeMinInterval() time.Duration {
	return time.Duration(c.RealtimeMinIntervalSecs) * time.Second
}

func (c FXConfig) GetDailyMinInterval() time.Duration {
	return time.Duration(c.DailyMinIntervalSecs) * time.Second
}

// Default returns the configuration the service runs with when no file is
// given. Every field is valid; a config file only needs to state overrides.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Stream: StreamConfig{
			Host:             "localhost",
			Port:             8765,
			PingIntervalSecs: 20,
			PongTimeoutSecs:  10,
			CloseTimeoutSecs: 10,
			SendBuffer:       64,
		},
		Ops: OpsConfig{Addr: ":8080"},
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "localhost:6379"},
			Sweep:   SweepConfig{Schedule: "*/5 * * * *"},
		},
		Settings: SettingsConfig{
			Source:                       SettingsStatic,
			GeneralUpdateIntervalSecs:    60,
			DashboardRefreshIntervalSecs: 5,
			CacheTTLSecs:                 2,
		},
		Collector: CollectorConfig{
			SliceIntervalSecs:     1,
			CompositeIntervalSecs: 5,
			MarketIntervalSecs:    6,
		},
		Dispatch: DispatchConfig{
			BaseIntervalSecs: 5,
			IdleWaitSecs:     10,
			SendTimeoutSecs:  3,
			DashboardPages:   []string{"dashboard"},
		},
		Sources: SourcesConfig{
			HTTPTimeoutSecs: 10,
			Browser: BrowserConfig{
				TimeoutSecs:   30,
				RenderDelayMS: 1500,
			},
			Composite: CompositeConfig{
				PrimaryURL:      "https://www.ubcindex.com/indexes",
				AlternateURL:    "https://upbit.com/trends",
				MinIntervalSecs: 5,
				TTLSecs:         60,
			},
			Global: GlobalConfig{
				URL:             "https://api.coingecko.com/api/v3/global",
				MinIntervalSecs: 4,
				TTLSecs:         120,
			},
			TopCoins: TopCoinsConfig{
				TTLSecs: 180,
				Primary: TopCoinsPrimaryConfig{
					BaseURL:         "https://api.binance.com",
					RequestGapMS:    100,
					MinIntervalSecs: 1,
					Coins: []CoinConfig{
						{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Pair: "BTCUSDT"},
						{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", Pair: "ETHUSDT"},
						{ID: "ripple", Symbol: "XRP", Name: "XRP", Pair: "XRPUSDT"},
						{ID: "binancecoin", Symbol: "BNB", Name: "BNB", Pair: "BNBUSDT"},
						{ID: "solana", Symbol: "SOL", Name: "Solana", Pair: "SOLUSDT"},
						{ID: "dogecoin", Symbol: "DOGE", Name: "Dogecoin", Pair: "DOGEUSDT"},
						{ID: "cardano", Symbol: "ADA", Name: "Cardano", Pair: "ADAUSDT"},
						{ID: "tron", Symbol: "TRX", Name: "TRON", Pair: "TRXUSDT"},
					},
				},
				Fallback: TopCoinsFallbackConfig{
					URL:             "https://api.coingecko.com/api/v3/coins/markets",
					Count:           10,
					MinIntervalSecs: 4,
				},
			},
			FX: FXConfig{
				RealtimeURL:             "https://v6.exchangerate-api.com/v6/%s/pair/USD/KRW",
				DailyURL:                "https://cdn.jsdelivr.net/npm/@fawazahmed0/currency-api@%s/v1/currencies/usd.json",
				RealtimeMinIntervalSecs: 3600,
				DailyMinIntervalSecs:    60,
				TTLSecs:                 600,
			},
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. A file that only sets some keys
// inherits the rest from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(FXAPIKeyEnv); v != "" {
		c.Sources.FX.APIKey = v
	}
}

// Validate ensures the configuration is complete and consistent.
func (c *Config) Validate() error {
	if _, err := c.Log.GetLevel(); err != nil {
		return fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if _, _, err := c.Ops.HostPort(); err != nil {
		return fmt.Errorf("ops: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if c.Settings.Source == SettingsSQL && c.Store.Backend != BackendPostgres {
		return fmt.Errorf("settings source %q requires store backend %q, got %q",
			SettingsSQL, BackendPostgres, c.Store.Backend)
	}
	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("collector: %w", err)
	}
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := c.Sources.Validate(); err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	return nil
}

func (c StreamConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PingIntervalSecs <= 0 {
		return fmt.Errorf("ping_interval_secs must be positive, got %d", c.PingIntervalSecs)
	}
	if c.PongTimeoutSecs <= 0 {
		return fmt.Errorf("pong_timeout_secs must be positive, got %d", c.PongTimeoutSecs)
	}
	if c.CloseTimeoutSecs <= 0 {
		return fmt.Errorf("close_timeout_secs must be positive, got %d", c.CloseTimeoutSecs)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	return nil
}

func (c StoreConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres backend requires postgres.dsn")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires redis.addr")
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("redis.db cannot be negative, got %d", c.Redis.DB)
		}
	default:
		return fmt.Errorf("backend must be %s, %s or %s, got %q",
			BackendMemory, BackendPostgres, BackendRedis, c.Backend)
	}
	if c.Sweep.IsEnabled() {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("sweep schedule %q: %w", c.Sweep.Schedule, err)
		}
	}
	return nil
}

func (c SettingsConfig) Validate() error {
	if c.Source != SettingsStatic && c.Source != SettingsSQL {
		return fmt.Errorf("source must be %s or %s, got %q", SettingsStatic, SettingsSQL, c.Source)
	}
	if c.GeneralUpdateIntervalSecs <= 0 {
		return fmt.Errorf("general_update_interval_secs must be positive, got %d", c.GeneralUpdateIntervalSecs)
	}
	if c.DashboardRefreshIntervalSecs <= 0 {
		return fmt.Errorf("dashboard_refresh_interval_secs must be positive, got %d", c.DashboardRefreshIntervalSecs)
	}
	if c.CacheTTLSecs <= 0 {
		return fmt.Errorf("cache_ttl_secs must be positive, got %d", c.CacheTTLSecs)
	}
	return nil
}

func (c CollectorConfig) Validate() error {
	if c.SliceIntervalSecs <= 0 {
		return fmt.Errorf("slice_interval_secs must be positive, got %d", c.SliceIntervalSecs)
	}
	if c.CompositeIntervalSecs <= 0 {
		return fmt.Errorf("composite_interval_secs must be positive, got %d", c.CompositeIntervalSecs)
	}
	if c.MarketIntervalSecs <= 0 {
		return fmt.Errorf("market_interval_secs must be positive, got %d", c.MarketIntervalSecs)
	}
	return nil
}

func (c DispatchConfig) Validate() error {
	if c.BaseIntervalSecs <= 0 {
		return fmt.Errorf("base_interval_secs must be positive, got %d", c.BaseIntervalSecs)
	}
	if c.IdleWaitSecs <= 0 {
		return fmt.Errorf("idle_wait_secs must be positive, got %d", c.IdleWaitSecs)
	}
	if c.SendTimeoutSecs <= 0 {
		return fmt.Errorf("send_timeout_secs must be positive, got %d", c.SendTimeoutSecs)
	}
	if len(c.DashboardPages) == 0 {
		return fmt.Errorf("dashboard_pages cannot be empty")
	}
	return nil
}

func (c SourcesConfig) Validate() error {
	if c.HTTPTimeoutSecs <= 0 {
		return fmt.Errorf("http_timeout_secs must be positive, got %d", c.HTTPTimeoutSecs)
	}
	if c.Browser.TimeoutSecs <= 0 {
		return fmt.Errorf("browser timeout_secs must be positive, got %d", c.Browser.TimeoutSecs)
	}
	if c.Browser.RenderDelayMS < 0 {
		return fmt.Errorf("browser render_delay_ms cannot be negative, got %d", c.Browser.RenderDelayMS)
	}
	if c.Composite.PrimaryURL == "" && c.Composite.AlternateURL == "" {
		return fmt.Errorf("composite needs primary_url or alternate_url")
	}
	if c.Composite.MinIntervalSecs <= 0 {
		return fmt.Errorf("composite min_interval_secs must be positive, got %d", c.Composite.MinIntervalSecs)
	}
	if c.Composite.TTLSecs <= 0 {
		return fmt.Errorf("composite ttl_secs must be positive, got %d", c.Composite.TTLSecs)
	}
	if c.Global.URL == "" {
		return fmt.Errorf("global url cannot be empty")
	}
	if c.Global.MinIntervalSecs <= 0 {
		return fmt.Errorf("global min_interval_secs must be positive, got %d", c.Global.MinIntervalSecs)
	}
	if c.Global.TTLSecs <= 0 {
		return fmt.Errorf("global ttl_secs must be positive, got %d", c.Global.TTLSecs)
	}
	if err := c.TopCoins.Validate(); err != nil {
		return fmt.Errorf("top_coins: %w", err)
	}
	if err := c.FX.Validate(); err != nil {
		return fmt.Errorf("fx: %w", err)
	}
	return nil
}

func (c TopCoinsConfig) Validate() error {
	if c.TTLSecs <= 0 {
		return fmt.Errorf("ttl_secs must be positive, got %d", c.TTLSecs)
	}
	if c.Primary.BaseURL == "" {
		return fmt.Errorf("primary base_url cannot be empty")
	}
	if c.Primary.RequestGapMS < 0 {
		return fmt.Errorf("primary request_gap_ms cannot be negative, got %d", c.Primary.RequestGapMS)
	}
	if c.Primary.MinIntervalSecs <= 0 {
		return fmt.Errorf("primary min_interval_secs must be positive, got %d", c.Primary.MinIntervalSecs)
	}
	if len(c.Primary.Coins) == 0 {
		return fmt.Errorf("primary coins cannot be empty")
	}
	for i, coin := range c.Primary.Coins {
		if coin.ID == "" || coin.Symbol == "" || coin.Pair == "" {
			return fmt.Errorf("primary coins[%d] needs id, symbol and pair", i)
		}
	}
	if c.Fallback.URL == "" {
		return fmt.Errorf("fallback url cannot be empty")
	}
	if c.Fallback.Count <= 0 {
		return fmt.Errorf("fallback count must be positive, got %d", c.Fallback.Count)
	}
	if c.Fallback.MinIntervalSecs <= 0 {
		return fmt.Errorf("fallback min_interval_secs must be positive, got %d", c.Fallback.MinIntervalSecs)
	}
	return nil
}

func (c FXConfig) Validate() error {
	if c.APIKey != "" && c.RealtimeURL == "" {
		return fmt.Errorf("api_key set but realtime_url is empty")
	}
	if c.DailyURL == "" {
		return fmt.Errorf("daily_url cannot be empty")
	}
	if c.RealtimeMinIntervalSecs <= 0 {
		return fmt.Errorf("realtime_min_interval_secs must be positive, got %d", c.RealtimeMinIntervalSecs)
	}
	if c.DailyMinIntervalSecs <= 0 {
		return fmt.Errorf("daily_min_interval_secs must be positive, got %d", c.DailyMinIntervalSecs)
	}
	if c.TTLSecs <= 0 {
		return fmt.Errorf("ttl_secs must be positive, got %d", c.TTLSecs)
	}
	return nil
}
