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

	"github.com/pulsedash/pulsefeed/internal/market"
)

var testCoins = []CoinSpec{
	{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Pair: "BTCUSDT"},
	{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", Pair: "ETHUSDT"},
	{ID: "dogecoin", Symbol: "DOGE", Name: "Dogecoin", Pair: "DOGEUSDT"},
}

func tickerHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			fmt.Fprint(w, `{"symbol":"BTCUSDT","lastPrice":"107065.16000000","priceChangePercent":"0.800"}`)
		case "ETHUSDT":
			fmt.Fprint(w, `{"symbol":"ETHUSDT","lastPrice":"4250.42000000","priceChangePercent":"-1.250"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

func TestTopCoinsPrimaryFetch(t *testing.T) {
	srv := httptest.NewServer(tickerHandler(t))
	t.Cleanup(srv.Close)

	adapter := NewTopCoinsPrimaryAdapter(TopCoinsPrimaryConfig{
		BaseURL:    srv.URL,
		Coins:      testCoins,
		RequestGap: time.Millisecond,
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Rows, 2, "the failing coin is skipped, not fatal")

	btc := snap.Rows[0]
	assert.Equal(t, "bitcoin", btc.ID)
	assert.Equal(t, "BTC", btc.Symbol)
	assert.True(t, btc.PriceUSD.Equal(decimal.RequireFromString("107065.16")))
	assert.True(t, btc.ChangePct24h.Equal(decimal.RequireFromString("0.8")))
	assert.Equal(t, market.SourcePrimary, btc.SourceTag)
	assert.Nil(t, btc.MarketCap)
	assert.Nil(t, btc.ChangePct7d)
	assert.Empty(t, btc.Sparkline)

	assert.Equal(t, "ethereum", snap.Rows[1].ID)
}

func TestTopCoinsPrimaryAllCoinsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	adapter := NewTopCoinsPrimaryAdapter(TopCoinsPrimaryConfig{
		BaseURL:    srv.URL,
		Coins:      testCoins[:1],
		RequestGap: time.Millisecond,
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrInvalidData, KindOf(err))
	assert.Empty(t, snap.Rows)
}

func TestTopCoinsPrimaryRejectsNonPositivePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"symbol":"BTCUSDT","lastPrice":"0.00000000","priceChangePercent":"0.0"}`)
	}))
	t.Cleanup(srv.Close)

	adapter := NewTopCoinsPrimaryAdapter(TopCoinsPrimaryConfig{
		BaseURL:    srv.URL,
		Coins:      testCoins[:1],
		RequestGap: time.Millisecond,
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	_, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrInvalidData, KindOf(err))
}

func TestTopCoinsPrimaryHonorsBundleFloor(t *testing.T) {
	srv := httptest.NewServer(tickerHandler(t))
	t.Cleanup(srv.Close)

	adapter := NewTopCoinsPrimaryAdapter(TopCoinsPrimaryConfig{
		BaseURL:     srv.URL,
		Coins:       testCoins[:1],
		RequestGap:  time.Millisecond,
		MinInterval: time.Hour,
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	_, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	_, err = adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

const marketsBody = `[
	{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":107065.16,
	 "market_cap":2110000000000,"price_change_percentage_24h":0.80,
	 "price_change_percentage_7d_in_currency":2.35,
	 "sparkline_in_7d":{"price":[105000.1,106200.5,107065.16]}},
	{"id":"tether","symbol":"usdt","name":"Tether","current_price":1.0,
	 "market_cap":120000000000,"price_change_percentage_24h":0.01},
	{"id":"broken","symbol":"brk","name":"Broken","current_price":0,
	 "market_cap":0,"price_change_percentage_24h":0}
]`

func TestTopCoinsFallbackFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "usd", q.Get("vs_currency"))
		assert.Equal(t, "market_cap_desc", q.Get("order"))
		assert.Equal(t, "5", q.Get("per_page"))
		assert.Equal(t, "true", q.Get("sparkline"))
		assert.Equal(t, "24h,7d", q.Get("price_change_percentage"))
		fmt.Fprint(w, marketsBody)
	}))
	t.Cleanup(srv.Close)

	adapter := NewTopCoinsFallbackAdapter(TopCoinsFallbackConfig{
		URL:   srv.URL,
		Count: 5,
	}, NewRESTClient(2*time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Rows, 2, "zero-price rows are dropped")

	btc := snap.Rows[0]
	assert.Equal(t, "BTC", btc.Symbol, "symbols are upcased")
	assert.Equal(t, market.SourceFallback, btc.SourceTag)
	assert.True(t, btc.PriceUSD.Equal(decimal.RequireFromString("107065.16")))
	require.NotNil(t, btc.MarketCap)
	assert.True(t, btc.MarketCap.Equal(decimal.NewFromInt(2110000000000)))
	require.NotNil(t, btc.ChangePct7d)
	assert.True(t, btc.ChangePct7d.Equal(decimal.RequireFromString("2.35")))
	assert.Len(t, btc.Sparkline, 3)

	usdt := snap.Rows[1]
	assert.Nil(t, usdt.ChangePct7d)
	assert.Empty(t, usdt.Sparkline)
}

func TestTopCoinsFallbackEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(srv.Close)

	adapter := NewTopCoinsFallbackAdapter(TopCoinsFallbackConfig{URL: srv.URL},
		NewRESTClient(2*time.Second), zerolog.Nop())

	_, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrInvalidData, KindOf(err))
}
