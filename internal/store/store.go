// Package store persists the latest reading for each market series and
// answers the point reads and kind scans the dispatcher builds snapshots
// from. Three interchangeable backends cover tests (memory), durable runs
// (postgres) and shared hot caches (redis).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsedash/pulsefeed/internal/market"
)

// ErrUnavailable marks backing-store I/O failures. Callers treat it as
// "unable to persist": collectors log and retry next tick, the dispatcher
// degrades to its retained snapshot or skips the send.
var ErrUnavailable = errors.New("store unavailable")

// Store is the cache backend. Keys are (kind, code, source_tag) triples and
// writes replace whole records. Point reads return (nil, nil) on a miss;
// errors are reserved for backend failures.
type Store interface {
	// Upsert replaces the record with the same key, stamping UpdatedAt.
	Upsert(ctx context.Context, rec market.CachedRecord) error
	// UpsertMany writes a batch atomically: readers observe all of the
	// records or none of them.
	UpsertMany(ctx context.Context, recs []market.CachedRecord) error
	// Get returns the freshest record for (kind, code) across source tags.
	Get(ctx context.Context, kind market.IndexKind, code string) (*market.CachedRecord, error)
	// GetBySource returns the record for an exact (kind, code, source_tag) key.
	GetBySource(ctx context.Context, kind market.IndexKind, code, sourceTag string) (*market.CachedRecord, error)
	// GetByKind returns every record of a kind, ordered by code then tag.
	GetByKind(ctx context.Context, kind market.IndexKind) ([]market.CachedRecord, error)
	// SweepExpired deletes records older than their TTL and reports how many.
	SweepExpired(ctx context.Context) (int, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Kinds swept by maintenance and scanned by kind-wide reads.
var allKinds = []market.IndexKind{
	market.KindUpbitComposite,
	market.KindGlobalCrypto,
	market.KindFxRate,
	market.KindTopCoins,
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
