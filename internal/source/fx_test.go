package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFXRealtimeStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v6/test-key/pair/USD/KRW", r.URL.Path)
		fmt.Fprint(w, `{"result":"success","conversion_rate":1400.5}`)
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		APIKey:      "test-key",
		RealtimeURL: srv.URL + "/v6/%s/pair/USD/KRW",
		DailyURL:    srv.URL + "/%s/usd.json",
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FXStageRealtime, snap.Stage)
	assert.True(t, snap.Rate.Value.Equal(decimal.RequireFromString("1400.5")))
	assert.True(t, snap.Rate.Change.IsZero(), "pair endpoint quotes spot only")
	assert.True(t, snap.Rate.ChangeRate.IsZero())
}

func dailyHandler(t *testing.T, days map[string]string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		for tag, body := range days {
			if r.URL.Path == "/"+tag+"/usd.json" {
				fmt.Fprint(w, body)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestFXDailyComputesChange(t *testing.T) {
	srv := httptest.NewServer(dailyHandler(t, map[string]string{
		"latest":     `{"date":"2026-08-25","usd":{"krw":1400.0,"eur":0.92}}`,
		"2026-08-24": `{"date":"2026-08-24","usd":{"krw":1390.0}}`,
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		DailyURL: srv.URL + "/%s/usd.json",
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FXStageDaily, snap.Stage)
	assert.True(t, snap.Rate.Value.Equal(decimal.NewFromInt(1400)))
	assert.True(t, snap.Rate.Change.Equal(decimal.NewFromInt(10)))
	assert.InDelta(t, 0.7194, snap.Rate.ChangeRate.InexactFloat64(), 0.001)
}

func TestFXDailyStepsBackOnMissingDay(t *testing.T) {
	srv := httptest.NewServer(dailyHandler(t, map[string]string{
		"latest":     `{"date":"2026-08-25","usd":{"krw":1400.0}}`,
		"2026-08-23": `{"date":"2026-08-23","usd":{"krw":1380.0}}`,
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		DailyURL: srv.URL + "/%s/usd.json",
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Rate.Change.Equal(decimal.NewFromInt(20)))
}

func TestFXDailyLookbackMissDegradesToZeroChange(t *testing.T) {
	srv := httptest.NewServer(dailyHandler(t, map[string]string{
		"latest": `{"date":"2026-08-25","usd":{"krw":1400.0}}`,
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		DailyURL: srv.URL + "/%s/usd.json",
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Rate.Value.Equal(decimal.NewFromInt(1400)))
	assert.True(t, snap.Rate.Change.IsZero())
}

func TestFXRealtimeFailureFallsToDaily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pair" {
			fmt.Fprint(w, `{"result":"error"}`)
			return
		}
		dailyHandler(t, map[string]string{
			"latest": `{"date":"2026-08-25","usd":{"krw":1400.0}}`,
		})(w, r)
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		APIKey:      "k",
		RealtimeURL: srv.URL + "/pair?key=%s",
		DailyURL:    srv.URL + "/%s/usd.json",
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FXStageDaily, snap.Stage)
}

func TestFXDailyFloorRefusal(t *testing.T) {
	srv := httptest.NewServer(dailyHandler(t, map[string]string{
		"latest": `{"date":"2026-08-25","usd":{"krw":1400.0}}`,
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		DailyURL:         srv.URL + "/%s/usd.json",
		DailyMinInterval: time.Hour,
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	_, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	_, err = adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestFXMissingKRW(t *testing.T) {
	srv := httptest.NewServer(dailyHandler(t, map[string]string{
		"latest": `{"date":"2026-08-25","usd":{"eur":0.92}}`,
	}))
	t.Cleanup(srv.Close)

	adapter := NewFXAdapter(FXConfig{
		DailyURL: srv.URL + "/%s/usd.json",
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	_, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrInvalidData, KindOf(err))
}
