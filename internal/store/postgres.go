package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/pulsedash/pulsefeed/internal/market"
)

// PostgresStore keeps records in a single market_cache table. Every call
// runs through a circuit breaker so a struggling database fails fast with
// ErrUnavailable instead of absorbing retries from the collectors.
type PostgresStore struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS market_cache (
	kind        TEXT        NOT NULL,
	code        TEXT        NOT NULL,
	source_tag  TEXT        NOT NULL DEFAULT '',
	value       NUMERIC     NOT NULL DEFAULT 0,
	payload     BYTEA,
	change_abs  NUMERIC     NOT NULL DEFAULT 0,
	change_rate NUMERIC     NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL,
	ttl_seconds INTEGER     NOT NULL DEFAULT 0,
	PRIMARY KEY (kind, code, source_tag)
);
CREATE INDEX IF NOT EXISTS idx_market_cache_kind ON market_cache (kind)`

const upsertSQL = `
INSERT INTO market_cache (kind, code, source_tag, value, payload, change_abs, change_rate, updated_at, ttl_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (kind, code, source_tag) DO UPDATE SET
	value = EXCLUDED.value,
	payload = EXCLUDED.payload,
	change_abs = EXCLUDED.change_abs,
	change_rate = EXCLUDED.change_rate,
	updated_at = EXCLUDED.updated_at,
	ttl_seconds = EXCLUDED.ttl_seconds`

const selectColumns = `kind, code, source_tag, value, payload, change_abs, change_rate, updated_at, ttl_seconds`

// NewPostgresStore connects to the database and verifies it is reachable.
func NewPostgresStore(dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreWithDB(db, logger), nil
}

// NewPostgresStoreWithDB wraps an existing connection pool.
func NewPostgresStoreWithDB(db *sqlx.DB, logger zerolog.Logger) *PostgresStore {
	s := &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "store_postgres").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres-store",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store breaker state change")
		},
	})
	return s
}

// DB exposes the underlying pool so the settings table can share it.
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

// EnsureSchema creates the cache table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec market.CachedRecord) error {
	return s.execute("upsert", func() error {
		_, err := s.db.ExecContext(ctx, upsertSQL, upsertArgs(rec, time.Now())...)
		return err
	})
}

func (s *PostgresStore) UpsertMany(ctx context.Context, recs []market.CachedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.execute("upsert_many", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PreparexContext(ctx, upsertSQL)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		now := time.Now()
		for _, rec := range recs {
			if _, err := stmt.ExecContext(ctx, upsertArgs(rec, now)...); err != nil {
				return fmt.Errorf("exec %s: %w", rec.Key(), err)
			}
		}
		return tx.Commit()
	})
}

func (s *PostgresStore) Get(ctx context.Context, kind market.IndexKind, code string) (*market.CachedRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM market_cache
		WHERE kind = $1 AND code = $2 ORDER BY updated_at DESC LIMIT 1`

	var rec *market.CachedRecord
	err := s.execute("get", func() error {
		var row recordRow
		if err := s.db.GetContext(ctx, &row, query, string(kind), code); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		r := row.record()
		rec = &r
		return nil
	})
	return rec, err
}

func (s *PostgresStore) GetBySource(ctx context.Context, kind market.IndexKind, code, sourceTag string) (*market.CachedRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM market_cache
		WHERE kind = $1 AND code = $2 AND source_tag = $3`

	var rec *market.CachedRecord
	err := s.execute("get_by_source", func() error {
		var row recordRow
		if err := s.db.GetContext(ctx, &row, query, string(kind), code, sourceTag); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		r := row.record()
		rec = &r
		return nil
	})
	return rec, err
}

func (s *PostgresStore) GetByKind(ctx context.Context, kind market.IndexKind) ([]market.CachedRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM market_cache
		WHERE kind = $1 ORDER BY code, source_tag`

	var recs []market.CachedRecord
	err := s.execute("get_by_kind", func() error {
		var rows []recordRow
		if err := s.db.SelectContext(ctx, &rows, query, string(kind)); err != nil {
			return err
		}
		recs = make([]market.CachedRecord, 0, len(rows))
		for _, row := range rows {
			recs = append(recs, row.record())
		}
		return nil
	})
	return recs, err
}

func (s *PostgresStore) SweepExpired(ctx context.Context) (int, error) {
	query := `DELETE FROM market_cache
		WHERE ttl_seconds > 0 AND updated_at + make_interval(secs => ttl_seconds) < NOW()`

	swept := 0
	err := s.execute("sweep_expired", func() error {
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		swept = int(n)
		return nil
	})
	return swept, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// execute funnels an operation through the breaker and maps every failure,
// including an open breaker, to ErrUnavailable.
func (s *PostgresStore) execute(op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

func upsertArgs(rec market.CachedRecord, now time.Time) []interface{} {
	return []interface{}{
		string(rec.Kind),
		rec.Code,
		rec.SourceTag,
		rec.Value,
		rec.Payload,
		rec.Change,
		rec.ChangeRate,
		now,
		rec.TTLSeconds,
	}
}

type recordRow struct {
	Kind       string          `db:"kind"`
	Code       string          `db:"code"`
	SourceTag  string          `db:"source_tag"`
	Value      decimal.Decimal `db:"value"`
	Payload    []byte          `db:"payload"`
	ChangeAbs  decimal.Decimal `db:"change_abs"`
	ChangeRate decimal.Decimal `db:"change_rate"`
	UpdatedAt  time.Time       `db:"updated_at"`
	TTLSeconds int             `db:"ttl_seconds"`
}

func (r recordRow) record() market.CachedRecord {
	return market.CachedRecord{
		Kind:       market.IndexKind(r.Kind),
		Code:       r.Code,
		SourceTag:  r.SourceTag,
		Value:      r.Value,
		Payload:    r.Payload,
		Change:     r.ChangeAbs,
		ChangeRate: r.ChangeRate,
		UpdatedAt:  r.UpdatedAt,
		TTLSeconds: r.TTLSeconds,
	}
}
