package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedash/pulsefeed/internal/market"
)

func TestMemoryUpsertReplaces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := market.ScalarRecord(market.KindUpbitComposite, market.CodeUBCI,
		market.Reading{Value: decimal.NewFromFloat(18000.50)}, 60)
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, market.KindUpbitComposite, market.CodeUBCI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Value.Equal(decimal.NewFromFloat(18000.50)))
	assert.False(t, got.UpdatedAt.IsZero())

	rec.Value = decimal.NewFromFloat(18100.00)
	require.NoError(t, s.Upsert(ctx, rec))

	got, err = s.Get(ctx, market.KindUpbitComposite, market.CodeUBCI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Value.Equal(decimal.NewFromFloat(18100.00)))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryGetMiss(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.Get(context.Background(), market.KindFxRate, market.CodeUSDKRW)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetBySource(context.Background(), market.KindTopCoins, market.CodeTopCoins, market.SourcePrimary)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryGetFreshestAcrossTags(t *testing.T) {
	base := time.Now()
	clock := base
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	primary := market.BlobRecord(market.KindTopCoins, market.CodeTopCoins, market.SourcePrimary, []byte(`[]`), 180)
	require.NoError(t, s.Upsert(ctx, primary))

	clock = base.Add(10 * time.Second)
	fallback := market.BlobRecord(market.KindTopCoins, market.CodeTopCoins, market.SourceFallback, []byte(`[{}]`), 180)
	require.NoError(t, s.Upsert(ctx, fallback))

	got, err := s.Get(ctx, market.KindTopCoins, market.CodeTopCoins)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, market.SourceFallback, got.SourceTag)

	bySource, err := s.GetBySource(ctx, market.KindTopCoins, market.CodeTopCoins, market.SourcePrimary)
	require.NoError(t, err)
	require.NotNil(t, bySource)
	assert.Equal(t, market.SourcePrimary, bySource.SourceTag)
}

func TestMemoryGetByKindSorted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, code := range []string{market.CodeUB30, market.CodeUBCI, market.CodeUBMI, market.CodeUB10} {
		rec := market.ScalarRecord(market.KindUpbitComposite, code,
			market.Reading{Value: decimal.NewFromInt(1)}, 60)
		require.NoError(t, s.Upsert(ctx, rec))
	}
	require.NoError(t, s.Upsert(ctx, market.ScalarRecord(market.KindFxRate, market.CodeUSDKRW,
		market.Reading{Value: decimal.NewFromInt(1400)}, 600)))

	recs, err := s.GetByKind(ctx, market.KindUpbitComposite)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	var codes []string
	for _, rec := range recs {
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []string{market.CodeUB10, market.CodeUB30, market.CodeUBCI, market.CodeUBMI}, codes)
}

func TestMemorySweepExpired(t *testing.T) {
	base := time.Now()
	clock := base
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	old := market.ScalarRecord(market.KindGlobalCrypto, market.CodeBTCDominance,
		market.Reading{Value: decimal.NewFromFloat(52.1)}, 60)
	require.NoError(t, s.Upsert(ctx, old))

	clock = base.Add(2 * time.Minute)
	fresh := market.ScalarRecord(market.KindGlobalCrypto, market.CodeETHDominance,
		market.Reading{Value: decimal.NewFromFloat(17.3)}, 60)
	require.NoError(t, s.Upsert(ctx, fresh))

	swept, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(ctx, market.KindGlobalCrypto, market.CodeETHDominance)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMemoryPayloadIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payload := []byte(`[{"id":"bitcoin"}]`)
	rec := market.BlobRecord(market.KindTopCoins, market.CodeTopCoins, market.SourceFallback, payload, 180)
	require.NoError(t, s.Upsert(ctx, rec))

	// Mutating the caller's slice must not reach the stored copy.
	payload[2] = 'X'

	got, err := s.GetBySource(ctx, market.KindTopCoins, market.CodeTopCoins, market.SourceFallback)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `[{"id":"bitcoin"}]`, string(got.Payload))

	// Mutating a read result must not reach the store either.
	got.Payload[2] = 'Y'
	again, err := s.GetBySource(ctx, market.KindTopCoins, market.CodeTopCoins, market.SourceFallback)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"bitcoin"}]`, string(again.Payload))
}

func TestMemoryConcurrentReadersSeeWholeBatches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for n := 1; n <= 200; n++ {
			v := decimal.NewFromInt(int64(n))
			batch := make([]market.CachedRecord, 0, len(market.UpbitCodes))
			for _, code := range market.UpbitCodes {
				batch = append(batch, market.ScalarRecord(market.KindUpbitComposite, code,
					market.Reading{Value: v}, 60))
			}
			if err := s.UpsertMany(ctx, batch); err != nil {
				t.Errorf("upsert many: %v", err)
				return
			}
		}
	}()

	for {
		recs, err := s.GetByKind(ctx, market.KindUpbitComposite)
		if err != nil {
			t.Errorf("get by kind: %v", err)
			break
		}
		if len(recs) != 0 {
			if len(recs) != len(market.UpbitCodes) {
				t.Errorf("torn read: got %d records", len(recs))
				break
			}
			for _, rec := range recs[1:] {
				if !rec.Value.Equal(recs[0].Value) {
					t.Errorf("torn batch: %s vs %s", rec.Value, recs[0].Value)
				}
			}
		}
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
	}
	wg.Wait()
}
