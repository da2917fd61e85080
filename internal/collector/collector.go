// Package collector runs the two long-lived ingestion loops. Loop A drives
// the composite-index scrape (with the FX fallback), Loop B the global
// aggregates and the top-coins chain. Loops fetch, validate, and
// write-through to the cache store; they never serve clients directly.
package collector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsedash/pulsefeed/internal/dispatch"
	"github.com/pulsedash/pulsefeed/internal/market"
	"github.com/pulsedash/pulsefeed/internal/metrics"
	"github.com/pulsedash/pulsefeed/internal/settings"
	"github.com/pulsedash/pulsefeed/internal/source"
	"github.com/pulsedash/pulsefeed/internal/store"
)

// Loop names used in logs and metrics.
const (
	LoopComposite = "composite"
	LoopMarket    = "market"
)

// Source interfaces consumed by the loops. The concrete adapters in
// internal/source satisfy them; tests substitute canned ones.
type (
	CompositeSource interface {
		Fetch(ctx context.Context) (source.CompositeSnapshot, error)
	}
	GlobalSource interface {
		Fetch(ctx context.Context) (source.GlobalSnapshot, error)
	}
	TopCoinsSource interface {
		Fetch(ctx context.Context) (source.TopCoinsSnapshot, error)
	}
	FXSource interface {
		Fetch(ctx context.Context) (source.FXSnapshot, error)
	}
)

// Sources bundles the adapters the two loops drive.
type Sources struct {
	Composite   CompositeSource
	Global      GlobalSource
	TopPrimary  TopCoinsSource
	TopFallback TopCoinsSource
	FX          FXSource
}

// DashboardProbe reports whether any dashboard client is connected. The
// dispatcher provides it; loops poll it each sleep slice to pick their pace.
type DashboardProbe func() bool

// Config carries the loop cadences and per-kind TTLs.
type Config struct {
	SliceInterval     time.Duration
	CompositeInterval time.Duration
	MarketInterval    time.Duration

	UpbitTTLSeconds    int
	FXTTLSeconds       int
	GlobalTTLSeconds   int
	TopCoinsTTLSeconds int
}

func (c Config) withDefaults() Config {
	if c.SliceInterval <= 0 {
		c.SliceInterval = time.Second
	}
	if c.SliceInterval > 5*time.Second {
		c.SliceInterval = 5 * time.Second
	}
	if c.CompositeInterval <= 0 {
		c.CompositeInterval = 5 * time.Second
	}
	if c.MarketInterval <= 0 {
		c.MarketInterval = 6 * time.Second
	}
	if c.UpbitTTLSeconds <= 0 {
		c.UpbitTTLSeconds = 60
	}
	if c.FXTTLSeconds <= 0 {
		c.FXTTLSeconds = 600
	}
	if c.GlobalTTLSeconds <= 0 {
		c.GlobalTTLSeconds = 120
	}
	if c.TopCoinsTTLSeconds <= 0 {
		c.TopCoinsTTLSeconds = 180
	}
	return c
}

// Collector owns both loops. Loops share no state beyond the store and the
// health registry; each owns only its schedule cursor.
type Collector struct {
	cfg             Config
	store           store.Store
	sources         Sources
	settings        settings.Settings
	health          *HealthRegistry
	metrics         *metrics.Registry
	dashboardActive DashboardProbe
	log             zerolog.Logger
}

func New(cfg Config, st store.Store, src Sources, set settings.Settings, health *HealthRegistry, m *metrics.Registry, probe DashboardProbe, logger zerolog.Logger) *Collector {
	if probe == nil {
		probe = func() bool { return false }
	}
	return &Collector{
		cfg:             cfg.withDefaults(),
		store:           st,
		sources:         src,
		settings:        set,
		health:          health,
		metrics:         m,
		dashboardActive: probe,
		log:             logger.With().Str("component", "collector").Logger(),
	}
}

// Run starts both loops and blocks until ctx ends and both have exited.
// Each loop ticks immediately on startup.
func (c *Collector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runLoop(ctx, LoopComposite, c.cfg.CompositeInterval, c.compositeTick)
	}()
	go func() {
		defer wg.Done()
		c.runLoop(ctx, LoopMarket, c.cfg.MarketInterval, c.marketTick)
	}()
	wg.Wait()
}

func (c *Collector) runLoop(ctx context.Context, name string, fast time.Duration, tick func(context.Context)) {
	log := c.log.With().Str("loop", name).Logger()
	log.Info().Dur("fast_interval", fast).Msg("collector loop started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("collector loop stopped")
			return
		}
		cycleStart := time.Now()
		tick(ctx)
		c.metrics.CollectorCycles.WithLabelValues(name).Inc()
		if !c.sleepUntilNext(ctx, fast, cycleStart) {
			log.Info().Msg("collector loop stopped")
			return
		}
	}
}

// sleepUntilNext sleeps out the remainder of the cycle that began at
// cycleStart, in slices, re-reading the pace regime each slice so a
// dashboard-active transition shortens the wait within one slice. A minimum
// gap of one slice (at most 1s) separates consecutive ticks even when a
// tick overran its interval. Returns false once ctx ends.
func (c *Collector) sleepUntilNext(ctx context.Context, fast time.Duration, cycleStart time.Time) bool {
	minGap := c.cfg.SliceInterval
	if minGap > time.Second {
		minGap = time.Second
	}
	floor := time.Now().Add(minGap)
	for {
		next := cycleStart.Add(c.interval(ctx, fast))
		if next.Before(floor) {
			next = floor
		}
		remaining := time.Until(next)
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		slice := c.cfg.SliceInterval
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(slice):
		}
	}
}

// interval picks the cycle length: the fast pace while a dashboard client
// is connected, otherwise the configured background pace floored at the
// dispatch minimum.
func (c *Collector) interval(ctx context.Context, fast time.Duration) time.Duration {
	if c.dashboardActive() {
		return fast
	}
	background := c.settings.GeneralUpdateInterval(ctx)
	if background < dispatch.MinDispatchInterval {
		background = dispatch.MinDispatchInterval
	}
	return background
}

// compositeTick is one Loop A cycle: composite scrape, then the FX fallback
// whenever the scrape carried no usable rate.
func (c *Collector) compositeTick(ctx context.Context) {
	start := time.Now()
	snap, err := c.sources.Composite.Fetch(ctx)
	c.observe(source.SourceComposite, err, time.Since(start))
	if err != nil {
		c.noteFailure(source.SourceComposite, err, "composite fetch failed")
	} else {
		c.health.RecordSuccess(source.SourceComposite)
		c.persistComposite(ctx, snap)
	}
	if err != nil || !snap.HasFX() {
		c.fxTick(ctx)
	}
}

// persistComposite batches the positive index readings (partial fill) plus
// the bundled FX reading into one atomic write.
func (c *Collector) persistComposite(ctx context.Context, snap source.CompositeSnapshot) {
	recs := make([]market.CachedRecord, 0, len(market.UpbitCodes)+1)
	for _, code := range market.UpbitCodes {
		rd, ok := snap.Indices[code]
		if !ok || !rd.Positive() {
			continue
		}
		recs = append(recs, market.ScalarRecord(market.KindUpbitComposite, code, rd, c.cfg.UpbitTTLSeconds))
	}
	if snap.HasFX() {
		recs = append(recs, market.ScalarRecord(market.KindFxRate, market.CodeUSDKRW, *snap.FX, c.cfg.FXTTLSeconds))
	}
	if len(recs) == 0 {
		return
	}
	err := c.store.UpsertMany(ctx, recs)
	c.metrics.RecordStoreOp("upsert_many", err)
	if err != nil {
		c.log.Error().Err(err).Int("records", len(recs)).Msg("composite batch not persisted")
		return
	}
	c.log.Debug().Int("records", len(recs)).Str("stage", snap.Stage).Msg("composite readings stored")
}

func (c *Collector) fxTick(ctx context.Context) {
	start := time.Now()
	snap, err := c.sources.FX.Fetch(ctx)
	c.observe(source.SourceFX, err, time.Since(start))
	if err != nil {
		c.noteFailure(source.SourceFX, err, "fx fallback failed")
		return
	}
	c.health.RecordSuccess(source.SourceFX)
	rec := market.ScalarRecord(market.KindFxRate, market.CodeUSDKRW, snap.Rate, c.cfg.FXTTLSeconds)
	err = c.store.Upsert(ctx, rec)
	c.metrics.RecordStoreOp("upsert", err)
	if err != nil {
		c.log.Error().Err(err).Msg("fx reading not persisted")
		return
	}
	c.log.Debug().Str("stage", snap.Stage).Msg("fx reading stored")
}

// marketTick is one Loop B cycle: global aggregates, then the top-coins
// chain.
func (c *Collector) marketTick(ctx context.Context) {
	c.globalTick(ctx)
	c.topCoinsTick(ctx)
}

// signedGlobalCodes may legitimately carry zero or negative values and are
// exempt from the positive-value fill rule.
var signedGlobalCodes = map[string]struct{}{
	market.CodeMarketCapChange24h: {},
}

func (c *Collector) globalTick(ctx context.Context) {
	start := time.Now()
	snap, err := c.sources.Global.Fetch(ctx)
	c.observe(source.SourceGlobal, err, time.Since(start))
	if err != nil {
		c.noteFailure(source.SourceGlobal, err, "global fetch failed")
		return
	}
	c.health.RecordSuccess(source.SourceGlobal)

	codes := make([]string, 0, len(snap.Readings))
	for code := range snap.Readings {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	recs := make([]market.CachedRecord, 0, len(codes))
	for _, code := range codes {
		rd := snap.Readings[code]
		if _, signed := signedGlobalCodes[code]; !signed && !rd.Positive() {
			continue
		}
		recs = append(recs, market.ScalarRecord(market.KindGlobalCrypto, code, rd, c.cfg.GlobalTTLSeconds))
	}
	if len(recs) == 0 {
		return
	}
	err = c.store.UpsertMany(ctx, recs)
	c.metrics.RecordStoreOp("upsert_many", err)
	if err != nil {
		c.log.Error().Err(err).Int("records", len(recs)).Msg("global batch not persisted")
		return
	}
	c.log.Debug().Int("records", len(recs)).Msg("global aggregates stored")
}

func (c *Collector) topCoinsTick(ctx context.Context) {
	rows, tag, ok := c.fetchTopCoins(ctx)
	if !ok {
		return
	}
	payload, err := market.EncodeCoinRows(rows)
	if err != nil {
		c.log.Error().Err(err).Msg("top coins encode failed")
		return
	}
	rec := market.BlobRecord(market.KindTopCoins, market.CodeTopCoins, tag, payload, c.cfg.TopCoinsTTLSeconds)
	err = c.store.Upsert(ctx, rec)
	c.metrics.RecordStoreOp("upsert", err)
	if err != nil {
		c.log.Error().Err(err).Str("source_tag", tag).Msg("top coins not persisted")
		return
	}
	c.log.Debug().Int("rows", len(rows)).Str("source_tag", tag).Msg("top coins stored")
}

// fetchTopCoins tries the primary adapter and falls back to the markets
// endpoint. The returned tag names the adapter that produced the rows.
func (c *Collector) fetchTopCoins(ctx context.Context) ([]market.CoinRow, string, bool) {
	start := time.Now()
	snap, err := c.sources.TopPrimary.Fetch(ctx)
	c.observe(source.SourceTopPrimary, err, time.Since(start))
	if err == nil && len(snap.Rows) > 0 {
		c.health.RecordSuccess(source.SourceTopPrimary)
		return snap.Rows, market.SourcePrimary, true
	}
	c.noteFailure(source.SourceTopPrimary, err, "primary top coins failed, trying fallback")

	start = time.Now()
	fb, err := c.sources.TopFallback.Fetch(ctx)
	c.observe(source.SourceTopFallback, err, time.Since(start))
	if err != nil {
		c.noteFailure(source.SourceTopFallback, err, "fallback top coins failed")
		return nil, "", false
	}
	c.health.RecordSuccess(source.SourceTopFallback)
	return fb.Rows, market.SourceFallback, true
}

// observe translates an adapter outcome into the fetch metrics.
func (c *Collector) observe(src string, err error, elapsed time.Duration) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case source.IsRateLimited(err):
		outcome = metrics.OutcomeRateLimited
	case source.KindOf(err) == source.ErrInvalidData:
		outcome = metrics.OutcomeInvalid
	default:
		outcome = metrics.OutcomeError
	}
	c.metrics.ObserveFetch(src, outcome, elapsed)
}

// noteFailure logs a fetch failure and updates source health. Rate floor
// refusals skip the tick without counting against the source.
func (c *Collector) noteFailure(src string, err error, msg string) {
	if err == nil {
		err = errors.New("empty result")
	}
	if source.IsRateLimited(err) {
		c.log.Debug().Str("source", src).Msg("fetch refused by rate floor")
		return
	}
	c.health.RecordFailure(src, err)
	c.log.Warn().Err(err).Str("source", src).Msg(msg)
}
