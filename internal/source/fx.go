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

// FX strategy names, surfaced in logs and SourceError stages.
const (
	FXStageRealtime = "realtime"
	FXStageDaily    = "daily"
)

// FXSnapshot is one USD/KRW reading plus the strategy that produced it.
type FXSnapshot struct {
	Rate      market.Reading
	Stage     string
	FetchedAt time.Time
}

// FXConfig configures the standalone FX adapter. RealtimeURL is a template
// with one %s slot for the API key; DailyURL has one %s slot for a date tag
// ("latest" or YYYY-MM-DD).
type FXConfig struct {
	APIKey              string
	RealtimeURL         string
	DailyURL            string
	RealtimeMinInterval time.Duration
	DailyMinInterval    time.Duration
}

// FXAdapter resolves USD/KRW when the composite scrape carried no usable FX
// reading. Strategy order: the authenticated real-time service under an
// hourly floor (its plan is metered monthly), then the daily CDN JSON with a
// two-day lookback for change computation.
type FXAdapter struct {
	cfg           FXConfig
	client        *resty.Client
	realtimeGuard *guard
	dailyGuard    *guard
	log           zerolog.Logger
}

func NewFXAdapter(cfg FXConfig, client *resty.Client, logger zerolog.Logger) *FXAdapter {
	if cfg.RealtimeMinInterval <= 0 {
		cfg.RealtimeMinInterval = time.Hour
	}
	if cfg.DailyMinInterval <= 0 {
		cfg.DailyMinInterval = time.Minute
	}
	return &FXAdapter{
		cfg:           cfg,
		client:        client,
		realtimeGuard: newGuard(cfg.RealtimeMinInterval),
		dailyGuard:    newGuard(cfg.DailyMinInterval),
		log:           logger.With().Str("component", "source_fx").Logger(),
	}
}

func (a *FXAdapter) Name() string { return SourceFX }

func (a *FXAdapter) Fetch(ctx context.Context) (FXSnapshot, error) {
	if a.cfg.APIKey != "" && a.cfg.RealtimeURL != "" && a.realtimeGuard.allow() {
		rate, err := a.fetchRealtime(ctx)
		if err == nil && rate.Positive() {
			return FXSnapshot{Rate: rate, Stage: FXStageRealtime, FetchedAt: time.Now()}, nil
		}
		a.log.Warn().Err(err).Msg("realtime fx strategy failed, trying daily")
	}

	if !a.dailyGuard.allow() {
		return FXSnapshot{}, newError(SourceFX, ErrRateLimited, errMinInterval)
	}
	rate, err := a.fetchDaily(ctx)
	if err != nil {
		return FXSnapshot{}, err
	}
	return FXSnapshot{Rate: rate, Stage: FXStageDaily, FetchedAt: time.Now()}, nil
}

type pairResponse struct {
	Result         string  `json:"result"`
	ConversionRate float64 `json:"conversion_rate"`
}

// fetchRealtime hits the exchangerate-api pair endpoint. The provider quotes
// the spot rate only, so change fields stay zero.
func (a *FXAdapter) fetchRealtime(ctx context.Context) (market.Reading, error) {
	url := fmt.Sprintf(a.cfg.RealtimeURL, a.cfg.APIKey)
	resp, err := a.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return market.Reading{}, stageError(SourceFX, FXStageRealtime, classify(err), err)
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("http %d from pair endpoint", resp.StatusCode())
		return market.Reading{}, stageError(SourceFX, FXStageRealtime, statusKind(resp.StatusCode()), err)
	}
	var out pairResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return market.Reading{}, stageError(SourceFX, FXStageRealtime, ErrParseFailed, err)
	}
	if out.Result != "success" || out.ConversionRate <= 0 {
		err := fmt.Errorf("result %q rate %v", out.Result, out.ConversionRate)
		return market.Reading{}, stageError(SourceFX, FXStageRealtime, ErrInvalidData, err)
	}
	return market.Reading{Value: decimal.NewFromFloat(out.ConversionRate)}, nil
}

type dailyResponse struct {
	Date string             `json:"date"`
	USD  map[string]float64 `json:"usd"`
}

// fetchDaily reads the jsDelivr currency-api daily JSON. It fetches the
// latest day, then walks back up to two prior days for a reference rate to
// derive change and change_rate. A rate with zero change beats no rate, so
// lookback misses degrade rather than fail.
func (a *FXAdapter) fetchDaily(ctx context.Context) (market.Reading, error) {
	today, err := a.fetchDay(ctx, "latest")
	if err != nil {
		return market.Reading{}, err
	}
	krw, ok := today.USD["krw"]
	if !ok || krw <= 0 {
		err := fmt.Errorf("krw missing or non-positive for %s", today.Date)
		return market.Reading{}, stageError(SourceFX, FXStageDaily, ErrInvalidData, err)
	}
	reading := market.Reading{Value: decimal.NewFromFloat(krw)}

	day, err := time.Parse("2006-01-02", today.Date)
	if err != nil {
		a.log.Debug().Str("date", today.Date).Msg("unparseable date, skipping change lookback")
		return reading, nil
	}
	for back := 1; back <= 2; back++ {
		tag := day.AddDate(0, 0, -back).Format("2006-01-02")
		prev, err := a.fetchDay(ctx, tag)
		if err != nil {
			var se *SourceError
			if errors.As(err, &se) && se.Kind == ErrUnavailable {
				continue
			}
			a.log.Debug().Err(err).Str("date", tag).Msg("lookback day failed")
			break
		}
		prevKRW, ok := prev.USD["krw"]
		if !ok || prevKRW <= 0 {
			continue
		}
		prevDec := decimal.NewFromFloat(prevKRW)
		reading.Change = reading.Value.Sub(prevDec)
		reading.ChangeRate = reading.Change.Div(prevDec).Mul(decimal.NewFromInt(100))
		break
	}
	return reading, nil
}

func (a *FXAdapter) fetchDay(ctx context.Context, tag string) (dailyResponse, error) {
	url := fmt.Sprintf(a.cfg.DailyURL, tag)
	resp, err := a.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return dailyResponse{}, stageError(SourceFX, FXStageDaily, classify(err), err)
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("http %d for day %s", resp.StatusCode(), tag)
		return dailyResponse{}, stageError(SourceFX, FXStageDaily, statusKind(resp.StatusCode()), err)
	}
	var out dailyResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return dailyResponse{}, stageError(SourceFX, FXStageDaily, ErrParseFailed, err)
	}
	return out, nil
}
