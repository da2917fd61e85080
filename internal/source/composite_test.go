package source

import (
	"context"
	"errors"
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

const renderedIndexPage = `
Market Indexes
UBCI
3,024.15
-12.30
-0.41%
UBMI
2,871.03
+4.92
+0.17%
UB10
1,905.44
-1.02
-0.05%
UB30
985.23
+0.88
+0.09%
USD/KRW
1,400.50
-2.50
-0.18%
`

type stubBrowser struct {
	pages map[string]string
	calls []string
}

func (b *stubBrowser) Text(_ context.Context, url string) (string, error) {
	b.calls = append(b.calls, url)
	text, ok := b.pages[url]
	if !ok {
		return "", errors.New("render failed")
	}
	return text, nil
}

func (b *stubBrowser) Close() error { return nil }

func TestParseCompositeLines(t *testing.T) {
	snap := parseCompositeLines(renderedIndexPage)

	require.Len(t, snap.Indices, 4)
	ubci := snap.Indices["ubci"]
	assert.True(t, ubci.Value.Equal(decimal.RequireFromString("3024.15")))
	assert.True(t, ubci.Change.Equal(decimal.RequireFromString("-12.30")))
	assert.True(t, ubci.ChangeRate.Equal(decimal.RequireFromString("-0.41")))

	ub30 := snap.Indices["ub30"]
	assert.True(t, ub30.Value.Equal(decimal.RequireFromString("985.23")))
	assert.True(t, ub30.ChangeRate.Equal(decimal.RequireFromString("0.09")))

	require.True(t, snap.HasFX())
	assert.True(t, snap.FX.Value.Equal(decimal.RequireFromString("1400.50")))
	assert.True(t, snap.FX.Change.Equal(decimal.RequireFromString("-2.50")))
	assert.True(t, snap.FX.ChangeRate.Equal(decimal.RequireFromString("-0.18")))
	assert.True(t, snap.Valid())
}

func TestParseCompositeLinesNoAnchors(t *testing.T) {
	snap := parseCompositeLines("Maintenance page\nback soon")

	assert.Empty(t, snap.Indices)
	assert.False(t, snap.Valid())
	assert.False(t, snap.HasFX())
}

func TestScanCompositeText(t *testing.T) {
	text := `Indexes today: UBCI 3,024.15 (-0.41%) | UBMI 2,871.03 (+0.17%) | USD/KRW 1,400.50 -2.50 -0.18%`
	snap := scanCompositeText(text)

	require.Contains(t, snap.Indices, "ubci")
	assert.True(t, snap.Indices["ubci"].Value.Equal(decimal.RequireFromString("3024.15")))
	assert.True(t, snap.Indices["ubci"].ChangeRate.Equal(decimal.RequireFromString("-0.41")))
	assert.True(t, snap.Indices["ubci"].Change.IsZero(), "next anchor's numbers must not bleed in")
	require.Contains(t, snap.Indices, "ubmi")
	require.True(t, snap.HasFX())
	assert.True(t, snap.FX.Value.Equal(decimal.RequireFromString("1400.50")))
	assert.True(t, snap.FX.Change.Equal(decimal.RequireFromString("-2.50")))
}

func TestSweepCompositeHTML(t *testing.T) {
	html := `<html><td>2,871.03</td><td>3,024.15</td><td>1,905.44</td><td>1,400.50</td></html>`
	snap := sweepCompositeHTML(html)

	require.Len(t, snap.Indices, 4)
	assert.True(t, snap.Indices["ubci"].Value.Equal(decimal.RequireFromString("3024.15")))
	assert.True(t, snap.Indices["ubmi"].Value.Equal(decimal.RequireFromString("2871.03")))
	assert.True(t, snap.Indices["ub10"].Value.Equal(decimal.RequireFromString("1905.44")))
	assert.True(t, snap.Indices["ub30"].Value.Equal(decimal.RequireFromString("1400.50")))
	assert.Nil(t, snap.FX)
	assert.True(t, snap.Indices["ubci"].Change.IsZero())
}

func TestCompositeFetchFirstStageWins(t *testing.T) {
	browser := &stubBrowser{pages: map[string]string{
		"primary": renderedIndexPage,
	}}
	adapter := NewCompositeAdapter(CompositeConfig{
		PrimaryURL:   "primary",
		AlternateURL: "alternate",
	}, browser, NewRESTClient(time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CompositeStageStructured, snap.Stage)
	assert.Len(t, snap.Indices, 4)
	assert.True(t, snap.HasFX())
	assert.Equal(t, []string{"primary"}, browser.calls)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestCompositeFetchFallsThroughToHeuristic(t *testing.T) {
	browser := &stubBrowser{pages: map[string]string{
		"primary":   "nothing useful here",
		"alternate": "UBCI 3,024.15 -0.41%",
	}}
	adapter := NewCompositeAdapter(CompositeConfig{
		PrimaryURL:   "primary",
		AlternateURL: "alternate",
	}, browser, NewRESTClient(time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CompositeStageTextLine, snap.Stage)
	assert.Equal(t, []string{"primary", "alternate"}, browser.calls)
}

func TestCompositeFetchRegexSweepLastResort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<body><span>3,024.15</span><span>2,871.03</span></body>`)
	}))
	defer srv.Close()

	browser := &stubBrowser{pages: map[string]string{}}
	adapter := NewCompositeAdapter(CompositeConfig{
		PrimaryURL: srv.URL,
	}, browser, NewRESTClient(time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CompositeStageRegexSweep, snap.Stage)
	assert.True(t, snap.Indices["ubci"].Value.Equal(decimal.RequireFromString("3024.15")))
	assert.False(t, snap.HasFX())
	assert.Len(t, browser.calls, 2)
}

func TestCompositeFetchAllStagesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<body>no grouped numbers</body>`)
	}))
	defer srv.Close()

	browser := &stubBrowser{pages: map[string]string{}}
	adapter := NewCompositeAdapter(CompositeConfig{
		PrimaryURL: srv.URL,
	}, browser, NewRESTClient(time.Second), zerolog.Nop())

	snap, err := adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrInvalidData, KindOf(err))
	assert.False(t, snap.Valid())
	assert.Empty(t, snap.Indices)
}

func TestCompositeFetchHonorsFloor(t *testing.T) {
	browser := &stubBrowser{pages: map[string]string{"primary": renderedIndexPage}}
	adapter := NewCompositeAdapter(CompositeConfig{
		PrimaryURL:  "primary",
		MinInterval: time.Hour,
	}, browser, NewRESTClient(time.Second), zerolog.Nop())

	_, err := adapter.Fetch(context.Background())
	require.NoError(t, err)

	_, err = adapter.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Len(t, browser.calls, 1, "refused call must not touch the page")
}
