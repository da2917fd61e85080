package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pulsedash/pulsefeed/internal/market"
	"github.com/pulsedash/pulsefeed/internal/store"
)

// Builder assembles the dispatch snapshot from the cache store and encodes
// it into the wire message.
type Builder struct {
	store store.Store
	clock func() time.Time
	log   zerolog.Logger
}

func NewBuilder(st store.Store, logger zerolog.Logger) *Builder {
	return &Builder{
		store: st,
		clock: time.Now,
		log:   logger.With().Str("component", "dispatch_builder").Logger(),
	}
}

// WithClock replaces the time source, for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build reads one coherent snapshot. Scalar series are served stale rather
// than dropped; the top-coins blob follows the selection rule: a fresh
// primary, else the fallback whatever its age, else absent. Only store
// failures surface as errors; misses leave sections empty.
func (b *Builder) Build(ctx context.Context) (*market.Snapshot, error) {
	now := b.clock()
	snap := &market.Snapshot{
		Upbit:       make(map[string]market.Reading),
		Global:      make(map[string]market.Reading),
		GeneratedAt: now,
	}

	upbit, err := b.store.GetByKind(ctx, market.KindUpbitComposite)
	if err != nil {
		return nil, fmt.Errorf("read upbit series: %w", err)
	}
	for _, rec := range upbit {
		snap.Upbit[rec.Code] = rec.Reading()
	}

	fx, err := b.store.Get(ctx, market.KindFxRate, market.CodeUSDKRW)
	if err != nil {
		return nil, fmt.Errorf("read fx rate: %w", err)
	}
	if fx != nil {
		rd := fx.Reading()
		snap.FX = &rd
	}

	global, err := b.store.GetByKind(ctx, market.KindGlobalCrypto)
	if err != nil {
		return nil, fmt.Errorf("read global series: %w", err)
	}
	for _, rec := range global {
		snap.Global[rec.Code] = rec.Reading()
	}

	rows, err := b.topCoins(ctx, now)
	if err != nil {
		return nil, err
	}
	snap.TopCoins = rows

	return snap, nil
}

// topCoins picks the blob to serve. A stale primary is never served; a
// stale fallback is.
func (b *Builder) topCoins(ctx context.Context, now time.Time) ([]market.CoinRow, error) {
	primary, err := b.store.GetBySource(ctx, market.KindTopCoins, market.CodeTopCoins, market.SourcePrimary)
	if err != nil {
		return nil, fmt.Errorf("read primary top coins: %w", err)
	}
	if primary != nil && primary.Fresh(now) {
		return b.decodeRows(primary)
	}

	fallback, err := b.store.GetBySource(ctx, market.KindTopCoins, market.CodeTopCoins, market.SourceFallback)
	if err != nil {
		return nil, fmt.Errorf("read fallback top coins: %w", err)
	}
	if fallback != nil {
		return b.decodeRows(fallback)
	}
	return nil, nil
}

func (b *Builder) decodeRows(rec *market.CachedRecord) ([]market.CoinRow, error) {
	rows, err := market.DecodeCoinRows(rec.Payload)
	if err != nil {
		// A corrupt blob is not a store outage; serve the snapshot without
		// the section.
		b.log.Error().Err(err).Str("source_tag", rec.SourceTag).Msg("top coins blob undecodable")
		return nil, nil
	}
	return rows, nil
}

// Wire shapes. Decimals become float64 here and nowhere earlier.
type wireReading struct {
	Value      float64 `json:"value"`
	Change     float64 `json:"change"`
	ChangeRate float64 `json:"change_rate"`
}

type wireCoin struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	CurrentPrice float64   `json:"current_price"`
	PriceKRW     float64   `json:"price_krw,omitempty"`
	Change24h    float64   `json:"price_change_percentage_24h"`
	Change7d     *float64  `json:"price_change_percentage_7d,omitempty"`
	USDFormatted string    `json:"price_usd_formatted"`
	KRWFormatted string    `json:"price_krw_formatted,omitempty"`
	MarketCap    *float64  `json:"market_cap,omitempty"`
	Sparkline    []float64 `json:"sparkline_in_7d,omitempty"`
	Source       string    `json:"source"`
}

type wirePayload struct {
	Upbit    map[string]wireReading `json:"upbit"`
	USDKRW   *wireReading           `json:"usd_krw,omitempty"`
	Global   map[string]float64     `json:"global"`
	TopCoins []wireCoin             `json:"top_coins"`
}

type wireEnvelope struct {
	Type           string      `json:"type"`
	Timestamp      string      `json:"timestamp"`
	UpdateDuration *float64    `json:"update_duration,omitempty"`
	Data           wirePayload `json:"data"`
}

// wireTimestamp is local wall time without zone, as the dashboard expects.
const wireTimestamp = "2006-01-02T15:04:05"

// Encode serializes a snapshot into the indices_updated message. KRW prices
// and display strings are derived here from the snapshot's FX rate.
func (b *Builder) Encode(snap *market.Snapshot, elapsed time.Duration) ([]byte, error) {
	payload := wirePayload{
		Upbit:    make(map[string]wireReading, len(snap.Upbit)),
		Global:   make(map[string]float64, len(snap.Global)),
		TopCoins: make([]wireCoin, 0, len(snap.TopCoins)),
	}
	for code, rd := range snap.Upbit {
		payload.Upbit[code] = wireReading{
			Value:      rd.Value.InexactFloat64(),
			Change:     rd.Change.InexactFloat64(),
			ChangeRate: rd.ChangeRate.InexactFloat64(),
		}
	}
	if snap.FX != nil {
		payload.USDKRW = &wireReading{
			Value:      snap.FX.Value.InexactFloat64(),
			Change:     snap.FX.Change.InexactFloat64(),
			ChangeRate: snap.FX.ChangeRate.InexactFloat64(),
		}
	}
	for code, rd := range snap.Global {
		payload.Global[code] = rd.Value.InexactFloat64()
	}

	var fxRate decimal.Decimal
	if snap.FX != nil {
		fxRate = snap.FX.Value
	}
	for _, row := range snap.TopCoins {
		coin := wireCoin{
			ID:           row.ID,
			Symbol:       row.Symbol,
			Name:         row.Name,
			CurrentPrice: row.PriceUSD.InexactFloat64(),
			Change24h:    row.ChangePct24h.InexactFloat64(),
			USDFormatted: market.FormatUSD(row.PriceUSD),
			Sparkline:    row.Sparkline,
			Source:       row.SourceTag,
		}
		if fxRate.IsPositive() {
			krw := row.PriceUSD.Mul(fxRate)
			coin.PriceKRW = krw.InexactFloat64()
			coin.KRWFormatted = market.FormatKRW(krw)
		}
		if row.ChangePct7d != nil {
			v := row.ChangePct7d.InexactFloat64()
			coin.Change7d = &v
		}
		if row.MarketCap != nil {
			v := row.MarketCap.InexactFloat64()
			coin.MarketCap = &v
		}
		payload.TopCoins = append(payload.TopCoins, coin)
	}

	env := wireEnvelope{
		Type:      "indices_updated",
		Timestamp: snap.GeneratedAt.Format(wireTimestamp),
		Data:      payload,
	}
	if elapsed > 0 {
		secs := elapsed.Seconds()
		env.UpdateDuration = &secs
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}
	return msg, nil
}
