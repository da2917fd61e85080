package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pulsedash/pulsefeed/internal/market"
)

// GlobalSnapshot carries the aggregate market scalars from one fetch. Change
// fields stay zero; the provider does not supply them.
type GlobalSnapshot struct {
	Readings  map[string]market.Reading
	FetchedAt time.Time
}

// GlobalConfig configures the aggregate-market adapter.
type GlobalConfig struct {
	URL         string
	MinInterval time.Duration
}

// GlobalAdapter fetches global market aggregates (total cap, volume,
// dominance) from the CoinGecko /global endpoint in a single call.
type GlobalAdapter struct {
	url    string
	client *resty.Client
	guard  *guard
	log    zerolog.Logger
}

func NewGlobalAdapter(cfg GlobalConfig, client *resty.Client, logger zerolog.Logger) *GlobalAdapter {
	return &GlobalAdapter{
		url:    cfg.URL,
		client: client,
		guard:  newGuard(cfg.MinInterval),
		log:    logger.With().Str("component", "source_global").Logger(),
	}
}

type globalResponse struct {
	Data struct {
		TotalMarketCap      map[string]float64 `json:"total_market_cap"`
		TotalVolume         map[string]float64 `json:"total_volume"`
		MarketCapPercentage map[string]float64 `json:"market_cap_percentage"`
		MarketCapChange24h  float64            `json:"market_cap_change_percentage_24h_usd"`
	} `json:"data"`
}

var errMissingAggregates = errors.New("missing total_market_cap/total_volume in usd")

func (a *GlobalAdapter) Name() string { return SourceGlobal }

func (a *GlobalAdapter) Fetch(ctx context.Context) (GlobalSnapshot, error) {
	if !a.guard.allow() {
		return GlobalSnapshot{}, newError(SourceGlobal, ErrRateLimited, errMinInterval)
	}

	start := time.Now()
	resp, err := a.client.R().SetContext(ctx).Get(a.url)
	if err != nil {
		return GlobalSnapshot{}, newError(SourceGlobal, classify(err), err)
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("http %d from %s", resp.StatusCode(), a.url)
		return GlobalSnapshot{}, newError(SourceGlobal, statusKind(resp.StatusCode()), err)
	}

	var out globalResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return GlobalSnapshot{}, newError(SourceGlobal, ErrParseFailed, err)
	}

	mcap, okCap := out.Data.TotalMarketCap["usd"]
	vol, okVol := out.Data.TotalVolume["usd"]
	if !okCap || !okVol {
		return GlobalSnapshot{}, newError(SourceGlobal, ErrInvalidData, errMissingAggregates)
	}

	readings := map[string]market.Reading{
		market.CodeTotalMarketCap:     {Value: decimal.NewFromFloat(mcap)},
		market.CodeTotalVolume:        {Value: decimal.NewFromFloat(vol)},
		market.CodeMarketCapChange24h: {Value: decimal.NewFromFloat(out.Data.MarketCapChange24h)},
	}
	if btc, ok := out.Data.MarketCapPercentage["btc"]; ok {
		readings[market.CodeBTCDominance] = market.Reading{Value: decimal.NewFromFloat(btc)}
	}
	if eth, ok := out.Data.MarketCapPercentage["eth"]; ok {
		readings[market.CodeETHDominance] = market.Reading{Value: decimal.NewFromFloat(eth)}
	}
	if mcap > 0 {
		ratio := decimal.NewFromFloat(vol).Div(decimal.NewFromFloat(mcap)).Mul(decimal.NewFromInt(100))
		readings[market.CodeVolumeToMarketCap] = market.Reading{Value: ratio}
	}

	if !anyPositive(readings) {
		return GlobalSnapshot{}, newError(SourceGlobal, ErrInvalidData, errors.New("all aggregate values are zero"))
	}

	a.log.Debug().
		Int("codes", len(readings)).
		Dur("duration", time.Since(start)).
		Msg("global aggregates retrieved")

	return GlobalSnapshot{Readings: readings, FetchedAt: time.Now()}, nil
}

func anyPositive(readings map[string]market.Reading) bool {
	for _, rd := range readings {
		if rd.Positive() {
			return true
		}
	}
	return false
}
