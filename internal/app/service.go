// Package app assembles the collectors, dispatcher and listeners from
// configuration and runs them as one service.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pulsedash/pulsefeed/internal/collector"
	"github.com/pulsedash/pulsefeed/internal/config"
	"github.com/pulsedash/pulsefeed/internal/dispatch"
	"github.com/pulsedash/pulsefeed/internal/metrics"
	"github.com/pulsedash/pulsefeed/internal/ops"
	"github.com/pulsedash/pulsefeed/internal/settings"
	"github.com/pulsedash/pulsefeed/internal/source"
	"github.com/pulsedash/pulsefeed/internal/stream"
	"github.com/pulsedash/pulsefeed/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second

	// storeProbeSchedule feeds the store-health gauge between scrapes.
	storeProbeSchedule = "@every 1m"

	evictExpired = "ttl_expired"
)

// Service owns every long-lived component. New builds it, Run drives it
// until the context is cancelled, then tears it down back to front:
// listeners first, then dispatcher, collectors, cron and finally the store.
type Service struct {
	cfg     *config.Config
	log     zerolog.Logger
	version string

	metrics     *metrics.Registry
	store       store.Store
	settings    settings.Settings
	sqlSettings *settings.SQLStore
	health      *collector.HealthRegistry
	browser     *source.ChromeBrowser
	sources     *source.Registry
	collector   *collector.Collector
	dispatcher  *dispatch.Dispatcher
	streamSrv   *stream.Server
	opsSrv      *ops.Server
	cron        *cron.Cron
}

// New wires the service from a validated configuration. Nothing is started;
// connections to external stores are opened and verified here so a bad
// backend fails the process before any listener binds.
func New(cfg *config.Config, version string, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		log:     logger.With().Str("component", "service").Logger(),
		version: version,
		metrics: metrics.New(),
		health:  collector.NewHealthRegistry(),
	}

	st, err := BuildStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	s.store = st

	if err := s.buildSettings(logger); err != nil {
		st.Close()
		return nil, err
	}

	s.browser = BuildBrowser(cfg.Sources.Browser, logger)
	client := source.NewRESTClient(cfg.Sources.GetHTTPTimeout())
	s.sources = BuildSources(cfg.Sources, s.browser, client, logger)

	builder := dispatch.NewBuilder(st, logger)
	s.dispatcher = dispatch.New(dispatch.Config{
		BaseInterval:   cfg.Dispatch.GetBaseInterval(),
		DashboardPages: cfg.Dispatch.DashboardPages,
		SendTimeout:    cfg.Dispatch.GetSendTimeout(),
		IdleWait:       cfg.Dispatch.GetIdleWait(),
	}, builder, s.settings, s.metrics, logger)

	s.collector = collector.New(collector.Config{
		SliceInterval:      cfg.Collector.GetSliceInterval(),
		CompositeInterval:  cfg.Collector.GetCompositeInterval(),
		MarketInterval:     cfg.Collector.GetMarketInterval(),
		UpbitTTLSeconds:    cfg.Sources.Composite.TTLSecs,
		FXTTLSeconds:       cfg.Sources.FX.TTLSecs,
		GlobalTTLSeconds:   cfg.Sources.Global.TTLSecs,
		TopCoinsTTLSeconds: cfg.Sources.TopCoins.TTLSecs,
	}, st, collector.Sources{
		Composite:   s.sources.Composite,
		Global:      s.sources.Global,
		TopPrimary:  s.sources.TopPrimary,
		TopFallback: s.sources.TopFallback,
		FX:          s.sources.FX,
	}, s.settings, s.health, s.metrics, s.dispatcher.DashboardActive, logger)

	s.streamSrv = stream.NewServer(stream.Config{
		Host:         cfg.Stream.Host,
		Port:         cfg.Stream.Port,
		PingInterval: cfg.Stream.GetPingInterval(),
		PongTimeout:  cfg.Stream.GetPongTimeout(),
		CloseTimeout: cfg.Stream.GetCloseTimeout(),
		SendBuffer:   cfg.Stream.SendBuffer,
	}, s.dispatcher, logger)

	opsHost, opsPort, err := cfg.Ops.HostPort()
	if err != nil {
		st.Close()
		return nil, err
	}
	s.opsSrv = ops.NewServer(ops.Config{Host: opsHost, Port: opsPort}, ops.Deps{
		Health:   s.health,
		Store:    st,
		Metrics:  s.metrics,
		LastWire: s.dispatcher.LastWire,
		Clients:  s.dispatcher.ClientCount,
		Version:  version,
	}, logger)

	if err := s.buildCron(); err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) buildSettings(logger zerolog.Logger) error {
	cfg := s.cfg.Settings
	defaults := settings.Static{
		General:   cfg.GetGeneralUpdateInterval(),
		Dashboard: cfg.GetDashboardRefreshInterval(),
		Websocket: cfg.IsWebsocketEnabled(),
	}
	if cfg.Source == config.SettingsStatic {
		s.settings = defaults
		return nil
	}
	pg, ok := s.store.(*store.PostgresStore)
	if !ok {
		return fmt.Errorf("settings source %q requires the postgres store", cfg.Source)
	}
	s.sqlSettings = settings.NewSQLStore(pg.DB(), defaults, logger)
	s.settings = settings.NewCached(s.sqlSettings, cfg.GetCacheTTL())
	return nil
}

func (s *Service) buildCron() error {
	s.cron = cron.New()
	if s.cfg.Store.Sweep.IsEnabled() {
		if _, err := s.cron.AddFunc(s.cfg.Store.Sweep.Schedule, s.sweepTick); err != nil {
			return fmt.Errorf("sweep schedule: %w", err)
		}
	}
	if _, err := s.cron.AddFunc(storeProbeSchedule, s.storeProbeTick); err != nil {
		return fmt.Errorf("store probe schedule: %w", err)
	}
	return nil
}

func (s *Service) sweepTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("sweep failed")
		return
	}
	if removed > 0 {
		s.metrics.Evictions.WithLabelValues(evictExpired).Add(float64(removed))
	}
	s.log.Debug().Int("removed", removed).Msg("sweep complete")
}

func (s *Service) storeProbeTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.metrics.StoreHealthy.Set(0)
		s.log.Warn().Err(err).Msg("store probe failed")
		return
	}
	s.metrics.StoreHealthy.Set(1)
}

// StreamAddr reports the bound websocket address once Run has started.
func (s *Service) StreamAddr() string { return s.streamSrv.Addr() }

// OpsAddr reports the bound ops address once Run has started.
func (s *Service) OpsAddr() string { return s.opsSrv.Addr() }

// Run binds both listeners, starts the pipeline and blocks until ctx is
// cancelled or a listener fails. It always returns after teardown.
func (s *Service) Run(ctx context.Context) error {
	if err := s.prepareSchemas(ctx); err != nil {
		return err
	}
	if err := s.streamSrv.Listen(); err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}
	if err := s.opsSrv.Listen(); err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}

	// Collectors and the dispatcher get their own cancels so teardown can
	// stop the dispatcher before the loops that feed it are gone.
	dispCtx, dispCancel := context.WithCancel(context.Background())
	colCtx, colCancel := context.WithCancel(context.Background())
	defer dispCancel()
	defer colCancel()

	var dispDone, colDone sync.WaitGroup
	dispDone.Add(1)
	go func() {
		defer dispDone.Done()
		s.dispatcher.Run(dispCtx)
	}()
	colDone.Add(1)
	go func() {
		defer colDone.Done()
		s.collector.Run(colCtx)
	}()
	s.cron.Start()
	s.storeProbeTick()

	streamErr := make(chan error, 1)
	go func() {
		if err := s.streamSrv.Serve(); err != nil {
			streamErr <- err
		}
	}()
	opsErr := make(chan error, 1)
	go func() {
		if err := s.opsSrv.Serve(); err != nil {
			opsErr <- err
		}
	}()

	s.log.Info().
		Str("version", s.version).
		Str("stream", s.streamSrv.Addr()).
		Str("ops", s.opsSrv.Addr()).
		Str("store", s.cfg.Store.Backend).
		Msg("service started")

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutdown requested")
	case err := <-streamErr:
		runErr = fmt.Errorf("stream server: %w", err)
	case err := <-opsErr:
		runErr = fmt.Errorf("ops server: %w", err)
	}

	s.teardown(dispCancel, colCancel, &dispDone, &colDone)
	return runErr
}

func (s *Service) prepareSchemas(ctx context.Context) error {
	if pg, ok := s.store.(*store.PostgresStore); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if s.sqlSettings != nil {
		if err := s.sqlSettings.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) teardown(dispCancel, colCancel context.CancelFunc, dispDone, colDone *sync.WaitGroup) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.streamSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("stream shutdown error")
	}
	dispCancel()
	dispDone.Wait()
	colCancel()
	colDone.Wait()
	<-s.cron.Stop().Done()
	if err := s.opsSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("ops shutdown error")
	}
	if err := s.browser.Close(); err != nil {
		s.log.Warn().Err(err).Msg("browser close error")
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close error")
	}
	s.log.Info().Msg("service stopped")
}

// BuildStore opens the configured cache store backend.
func BuildStore(cfg config.StoreConfig, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendPostgres:
		return store.NewPostgresStore(cfg.Postgres.DSN, logger)
	case config.BackendRedis:
		return store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// BuildBrowser constructs the shared headless-Chrome handle.
func BuildBrowser(cfg config.BrowserConfig, logger zerolog.Logger) *source.ChromeBrowser {
	return source.NewChromeBrowser(source.BrowserConfig{
		Timeout:     cfg.GetTimeout(),
		RenderDelay: cfg.GetRenderDelay(),
		Headless:    cfg.IsHeadless(),
	}, logger)
}

// BuildSources constructs every upstream adapter from configuration. The
// probe command uses it too, so it stays independent of Service.
func BuildSources(cfg config.SourcesConfig, browser source.Browser, client *resty.Client, logger zerolog.Logger) *source.Registry {
	coins := make([]source.CoinSpec, 0, len(cfg.TopCoins.Primary.Coins))
	for _, c := range cfg.TopCoins.Primary.Coins {
		coins = append(coins, source.CoinSpec{ID: c.ID, Symbol: c.Symbol, Name: c.Name, Pair: c.Pair})
	}
	return &source.Registry{
		Composite: source.NewCompositeAdapter(source.CompositeConfig{
			PrimaryURL:   cfg.Composite.PrimaryURL,
			AlternateURL: cfg.Composite.AlternateURL,
			MinInterval:  cfg.Composite.GetMinInterval(),
		}, browser, client, logger),
		Global: source.NewGlobalAdapter(source.GlobalConfig{
			URL:         cfg.Global.URL,
			MinInterval: cfg.Global.GetMinInterval(),
		}, client, logger),
		TopPrimary: source.NewTopCoinsPrimaryAdapter(source.TopCoinsPrimaryConfig{
			BaseURL:     cfg.TopCoins.Primary.BaseURL,
			Coins:       coins,
			RequestGap:  cfg.TopCoins.Primary.GetRequestGap(),
			MinInterval: cfg.TopCoins.Primary.GetMinInterval(),
		}, client, logger),
		TopFallback: source.NewTopCoinsFallbackAdapter(source.TopCoinsFallbackConfig{
			URL:         cfg.TopCoins.Fallback.URL,
			Count:       cfg.TopCoins.Fallback.Count,
			MinInterval: cfg.TopCoins.Fallback.GetMinInterval(),
		}, client, logger),
		FX: source.NewFXAdapter(source.FXConfig{
			APIKey:              cfg.FX.APIKey,
			RealtimeURL:         cfg.FX.RealtimeURL,
			DailyURL:            cfg.FX.DailyURL,
			RealtimeMinInterval: cfg.FX.GetRealtimeMinInterval(),
			DailyMinInterval:    cfg.FX.GetDailyMinInterval(),
		}, client, logger),
	}
}
