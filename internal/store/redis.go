package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsedash/pulsefeed/internal/market"
)

const redisPrefix = "pulsefeed"

// RedisStore keeps one hash per kind with a JSON-encoded record per
// (code, source_tag) field. Batches go through MULTI/EXEC so readers never
// observe a half-written snapshot.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redis and verifies it is reachable.
func NewRedisStore(addr, password string, db int, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		log:    logger.With().Str("component", "store_redis").Logger(),
		now:    time.Now,
	}
}

// WithClock overrides the write clock. Tests use it to pin timestamps.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) Upsert(ctx context.Context, rec market.CachedRecord) error {
	rec.UpdatedAt = s.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rec.Key(), err)
	}
	if err := s.client.HSet(ctx, kindHashKey(rec.Kind), recordField(rec.Code, rec.SourceTag), data).Err(); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *RedisStore) UpsertMany(ctx context.Context, recs []market.CachedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	now := s.now()
	type entry struct {
		key   string
		field string
		data  []byte
	}
	entries := make([]entry, 0, len(recs))
	for _, rec := range recs {
		rec.UpdatedAt = now
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", rec.Key(), err)
		}
		entries = append(entries, entry{
			key:   kindHashKey(rec.Kind),
			field: recordField(rec.Code, rec.SourceTag),
			data:  data,
		})
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.HSet(ctx, e.key, e.field, e.data)
		}
		return nil
	})
	if err != nil {
		return unavailable("upsert_many", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, kind market.IndexKind, code string) (*market.CachedRecord, error) {
	fields, err := s.client.HGetAll(ctx, kindHashKey(kind)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}

	var best *market.CachedRecord
	for field, data := range fields {
		fieldCode, _ := splitField(field)
		if fieldCode != code {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			s.log.Warn().Err(err).Str("field", field).Msg("skipping undecodable record")
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			best = rec
		}
	}
	return best, nil
}

func (s *RedisStore) GetBySource(ctx context.Context, kind market.IndexKind, code, sourceTag string) (*market.CachedRecord, error) {
	data, err := s.client.HGet(ctx, kindHashKey(kind), recordField(code, sourceTag)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get_by_source", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, unavailable("get_by_source", err)
	}
	return rec, nil
}

func (s *RedisStore) GetByKind(ctx context.Context, kind market.IndexKind) ([]market.CachedRecord, error) {
	fields, err := s.client.HGetAll(ctx, kindHashKey(kind)).Result()
	if err != nil {
		return nil, unavailable("get_by_kind", err)
	}

	recs := make([]market.CachedRecord, 0, len(fields))
	for field, data := range fields {
		rec, err := decodeRecord(data)
		if err != nil {
			s.log.Warn().Err(err).Str("field", field).Msg("skipping undecodable record")
			continue
		}
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Code != recs[j].Code {
			return recs[i].Code < recs[j].Code
		}
		return recs[i].SourceTag < recs[j].SourceTag
	})
	return recs, nil
}

func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	swept := 0
	for _, kind := range allKinds {
		key := kindHashKey(kind)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return swept, unavailable("sweep_expired", err)
		}
		var stale []string
		for field, data := range fields {
			rec, err := decodeRecord(data)
			if err != nil {
				stale = append(stale, field)
				continue
			}
			if rec.TTLSeconds > 0 && !rec.Fresh(now) {
				stale = append(stale, field)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
			return swept, unavailable("sweep_expired", err)
		}
		swept += len(stale)
	}
	return swept, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func kindHashKey(kind market.IndexKind) string {
	return redisPrefix + ":kind:" + string(kind)
}

func recordField(code, sourceTag string) string {
	return code + "|" + sourceTag
}

func splitField(field string) (code, sourceTag string) {
	if i := strings.LastIndexByte(field, '|'); i >= 0 {
		return field[:i], field[i+1:]
	}
	return field, ""
}

func decodeRecord(data string) (*market.CachedRecord, error) {
	var rec market.CachedRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
