package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pulsedash/pulsefeed/internal/config"
	"github.com/pulsedash/pulsefeed/internal/market"
	"github.com/pulsedash/pulsefeed/internal/source"
	"github.com/pulsedash/pulsefeed/internal/store"
)

type stubBrowser struct{}

func (stubBrowser) Text(context.Context, string) (string, error) { return "", errors.New("stub") }
func (stubBrowser) Close() error                                 { return nil }

type pingFailStore struct {
	store.Store
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

func newMemoryService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(config.Default(), "test", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.store.Close() })
	return svc
}

func TestBuildStoreBackends(t *testing.T) {
	st, err := BuildStore(config.StoreConfig{Backend: config.BackendMemory}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &store.MemoryStore{}, st)

	_, err = BuildStore(config.StoreConfig{Backend: "etcd"}, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown store backend")
}

func TestNewWiresMemoryService(t *testing.T) {
	svc := newMemoryService(t)

	require.NotNil(t, svc.dispatcher)
	require.NotNil(t, svc.collector)
	require.NotNil(t, svc.streamSrv)
	require.NotNil(t, svc.opsSrv)
	require.NotNil(t, svc.cron)
	require.Nil(t, svc.sqlSettings)

	// Nothing is listening before Run.
	require.Empty(t, svc.StreamAddr())
	require.Empty(t, svc.OpsAddr())

	ctx := context.Background()
	require.Equal(t, time.Minute, svc.settings.GeneralUpdateInterval(ctx))
	require.Equal(t, 5*time.Second, svc.settings.DashboardRefreshInterval(ctx))
	require.True(t, svc.settings.WebsocketEnabled(ctx))
}

func TestNewRejectsSQLSettingsWithoutPostgres(t *testing.T) {
	cfg := config.Default()
	cfg.Settings.Source = config.SettingsSQL

	_, err := New(cfg, "test", zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres")
}

func TestNewRejectsBadSweepSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Sweep.Schedule = "every full moon"

	_, err := New(cfg, "test", zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "sweep schedule")
}

func TestSweepTickEvictsExpired(t *testing.T) {
	svc := newMemoryService(t)

	cur := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore().WithClock(func() time.Time { return cur })
	svc.store = mem

	rec := market.ScalarRecord(market.KindUpbitComposite, market.CodeUBCI,
		market.Reading{Value: decimal.NewFromFloat(3024.15)}, 1)
	require.NoError(t, mem.Upsert(context.Background(), rec))

	cur = cur.Add(5 * time.Second)
	svc.sweepTick()

	got, err := mem.Get(context.Background(), market.KindUpbitComposite, market.CodeUBCI)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.Evictions.WithLabelValues(evictExpired)))
}

func TestStoreProbeTracksGauge(t *testing.T) {
	svc := newMemoryService(t)

	svc.storeProbeTick()
	require.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.StoreHealthy))

	svc.store = pingFailStore{svc.store}
	svc.storeProbeTick()
	require.Equal(t, 0.0, testutil.ToFloat64(svc.metrics.StoreHealthy))
}

func TestBuildSourcesConstructsEveryAdapter(t *testing.T) {
	reg := BuildSources(config.Default().Sources, stubBrowser{},
		source.NewRESTClient(time.Second), zerolog.Nop())

	require.NotNil(t, reg.Composite)
	require.NotNil(t, reg.Global)
	require.NotNil(t, reg.TopPrimary)
	require.NotNil(t, reg.TopFallback)
	require.NotNil(t, reg.FX)
}
