package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/pulsedash/pulsefeed/internal/market"
)

// TopCoinsSnapshot is the ranked coin list from either top-coins adapter.
type TopCoinsSnapshot struct {
	Rows      []market.CoinRow
	FetchedAt time.Time
}

// CoinSpec names one tracked coin. Pair is the exchange ticker symbol used
// by the primary adapter (e.g. BTCUSDT).
type CoinSpec struct {
	ID     string
	Symbol string
	Name   string
	Pair   string
}

// TopCoinsPrimaryConfig configures the per-coin ticker adapter.
type TopCoinsPrimaryConfig struct {
	BaseURL     string
	Coins       []CoinSpec
	RequestGap  time.Duration // spacing between per-coin calls
	MinInterval time.Duration // floor for the whole bundle
}

// TopCoinsPrimaryAdapter issues one 24h-ticker call per tracked coin against
// the Binance REST API. Rows carry no market cap or sparkline; the fallback
// adapter supplies those when it is the one serving.
type TopCoinsPrimaryAdapter struct {
	baseURL string
	coins   []CoinSpec
	client  *resty.Client
	guard   *guard
	pace    *rate.Limiter
	log     zerolog.Logger
}

func NewTopCoinsPrimaryAdapter(cfg TopCoinsPrimaryConfig, client *resty.Client, logger zerolog.Logger) *TopCoinsPrimaryAdapter {
	gap := cfg.RequestGap
	if gap <= 0 {
		gap = 100 * time.Millisecond
	}
	return &TopCoinsPrimaryAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		coins:   cfg.Coins,
		client:  client,
		guard:   newGuard(cfg.MinInterval),
		pace:    rate.NewLimiter(rate.Every(gap), 1),
		log:     logger.With().Str("component", "source_top_primary").Logger(),
	}
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
}

func (a *TopCoinsPrimaryAdapter) Name() string { return SourceTopPrimary }

func (a *TopCoinsPrimaryAdapter) Fetch(ctx context.Context) (TopCoinsSnapshot, error) {
	if !a.guard.allow() {
		return TopCoinsSnapshot{}, newError(SourceTopPrimary, ErrRateLimited, errMinInterval)
	}
	if len(a.coins) == 0 {
		return TopCoinsSnapshot{}, newError(SourceTopPrimary, ErrInvalidData, errors.New("no coins configured"))
	}

	start := time.Now()
	rows := make([]market.CoinRow, 0, len(a.coins))
	var lastErr error
	for _, coin := range a.coins {
		if err := a.pace.Wait(ctx); err != nil {
			return TopCoinsSnapshot{}, newError(SourceTopPrimary, classify(err), err)
		}
		row, err := a.fetchTicker(ctx, coin)
		if err != nil {
			a.log.Warn().Err(err).Str("coin", coin.ID).Msg("ticker fetch failed, skipping coin")
			lastErr = err
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no usable ticker rows")
		}
		return TopCoinsSnapshot{}, newError(SourceTopPrimary, ErrInvalidData, lastErr)
	}

	a.log.Debug().
		Int("rows", len(rows)).
		Int("requested", len(a.coins)).
		Dur("duration", time.Since(start)).
		Msg("primary top coins retrieved")

	return TopCoinsSnapshot{Rows: rows, FetchedAt: time.Now()}, nil
}

func (a *TopCoinsPrimaryAdapter) fetchTicker(ctx context.Context, coin CoinSpec) (market.CoinRow, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/24hr", a.baseURL)
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", coin.Pair).
		Get(url)
	if err != nil {
		return market.CoinRow{}, fmt.Errorf("%s: %w", coin.Pair, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return market.CoinRow{}, fmt.Errorf("%s: http %d", coin.Pair, resp.StatusCode())
	}
	var tk binanceTicker
	if err := json.Unmarshal(resp.Body(), &tk); err != nil {
		return market.CoinRow{}, fmt.Errorf("%s: %w", coin.Pair, err)
	}
	price, err := decimal.NewFromString(tk.LastPrice)
	if err != nil {
		return market.CoinRow{}, fmt.Errorf("%s: bad lastPrice %q: %w", coin.Pair, tk.LastPrice, err)
	}
	if !price.IsPositive() {
		return market.CoinRow{}, fmt.Errorf("%s: non-positive price %s", coin.Pair, price)
	}
	change, err := decimal.NewFromString(tk.PriceChangePercent)
	if err != nil {
		return market.CoinRow{}, fmt.Errorf("%s: bad priceChangePercent %q: %w", coin.Pair, tk.PriceChangePercent, err)
	}
	return market.CoinRow{
		ID:           coin.ID,
		Symbol:       coin.Symbol,
		Name:         coin.Name,
		PriceUSD:     price,
		ChangePct24h: change,
		SourceTag:    market.SourcePrimary,
	}, nil
}

// TopCoinsFallbackConfig configures the ranked-markets adapter.
type TopCoinsFallbackConfig struct {
	URL         string
	Count       int
	MinInterval time.Duration
}

// TopCoinsFallbackAdapter fetches the ranked coin list from the CoinGecko
// /coins/markets endpoint in one call, including market cap, the 7d change,
// and the 7d sparkline the primary adapter cannot provide.
type TopCoinsFallbackAdapter struct {
	url    string
	count  int
	client *resty.Client
	guard  *guard
	log    zerolog.Logger
}

func NewTopCoinsFallbackAdapter(cfg TopCoinsFallbackConfig, client *resty.Client, logger zerolog.Logger) *TopCoinsFallbackAdapter {
	count := cfg.Count
	if count <= 0 {
		count = 10
	}
	return &TopCoinsFallbackAdapter{
		url:    cfg.URL,
		count:  count,
		client: client,
		guard:  newGuard(cfg.MinInterval),
		log:    logger.With().Str("component", "source_top_fallback").Logger(),
	}
}

type geckoMarketRow struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	CurrentPrice             float64  `json:"current_price"`
	MarketCap                float64  `json:"market_cap"`
	PriceChangePercentage24h float64  `json:"price_change_percentage_24h"`
	PriceChangePercentage7d  *float64 `json:"price_change_percentage_7d_in_currency"`
	Sparkline                *struct {
		Price []float64 `json:"price"`
	} `json:"sparkline_in_7d"`
}

func (a *TopCoinsFallbackAdapter) Name() string { return SourceTopFallback }

func (a *TopCoinsFallbackAdapter) Fetch(ctx context.Context) (TopCoinsSnapshot, error) {
	if !a.guard.allow() {
		return TopCoinsSnapshot{}, newError(SourceTopFallback, ErrRateLimited, errMinInterval)
	}

	start := time.Now()
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"vs_currency":             "usd",
			"order":                   "market_cap_desc",
			"per_page":                fmt.Sprintf("%d", a.count),
			"page":                    "1",
			"sparkline":               "true",
			"price_change_percentage": "24h,7d",
		}).
		Get(a.url)
	if err != nil {
		return TopCoinsSnapshot{}, newError(SourceTopFallback, classify(err), err)
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("http %d from %s", resp.StatusCode(), a.url)
		return TopCoinsSnapshot{}, newError(SourceTopFallback, statusKind(resp.StatusCode()), err)
	}

	var raw []geckoMarketRow
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return TopCoinsSnapshot{}, newError(SourceTopFallback, ErrParseFailed, err)
	}

	rows := make([]market.CoinRow, 0, len(raw))
	for _, r := range raw {
		if r.CurrentPrice <= 0 {
			continue
		}
		row := market.CoinRow{
			ID:           r.ID,
			Symbol:       strings.ToUpper(r.Symbol),
			Name:         r.Name,
			PriceUSD:     decimal.NewFromFloat(r.CurrentPrice),
			ChangePct24h: decimal.NewFromFloat(r.PriceChangePercentage24h),
			SourceTag:    market.SourceFallback,
		}
		if r.MarketCap > 0 {
			mc := decimal.NewFromFloat(r.MarketCap)
			row.MarketCap = &mc
		}
		if r.PriceChangePercentage7d != nil {
			p7 := decimal.NewFromFloat(*r.PriceChangePercentage7d)
			row.ChangePct7d = &p7
		}
		if r.Sparkline != nil && len(r.Sparkline.Price) > 0 {
			row.Sparkline = r.Sparkline.Price
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return TopCoinsSnapshot{}, newError(SourceTopFallback, ErrInvalidData, errors.New("no rows with positive price"))
	}

	a.log.Debug().
		Int("rows", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("fallback top coins retrieved")

	return TopCoinsSnapshot{Rows: rows, FetchedAt: time.Now()}, nil
}
