package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pulsedash/pulsefeed/internal/market"
)

// MemoryStore is the in-process backend. It is the default for tests and
// single-node development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]market.CachedRecord
	now  func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recs: make(map[string]market.CachedRecord),
		now:  time.Now,
	}
}

// WithClock overrides the write clock. Tests use it to age records.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) Upsert(ctx context.Context, rec market.CachedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rec)
	return nil
}

func (s *MemoryStore) UpsertMany(ctx context.Context, recs []market.CachedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.put(rec)
	}
	return nil
}

// put stamps and stores one record. Callers hold the write lock.
func (s *MemoryStore) put(rec market.CachedRecord) {
	rec.UpdatedAt = s.now()
	rec.Payload = clonePayload(rec.Payload)
	s.recs[rec.Key()] = rec
}

func (s *MemoryStore) Get(ctx context.Context, kind market.IndexKind, code string) (*market.CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *market.CachedRecord
	for _, rec := range s.recs {
		if rec.Kind != kind || rec.Code != code {
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			cp := cloneRecord(rec)
			best = &cp
		}
	}
	return best, nil
}

func (s *MemoryStore) GetBySource(ctx context.Context, kind market.IndexKind, code, sourceTag string) (*market.CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[market.RecordKey(kind, code, sourceTag)]
	if !ok {
		return nil, nil
	}
	cp := cloneRecord(rec)
	return &cp, nil
}

func (s *MemoryStore) GetByKind(ctx context.Context, kind market.IndexKind) ([]market.CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []market.CachedRecord
	for _, rec := range s.recs {
		if rec.Kind == kind {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].SourceTag < out[j].SourceTag
	})
	return out, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	swept := 0
	for key, rec := range s.recs {
		if rec.TTLSeconds > 0 && !rec.Fresh(now) {
			delete(s.recs, key)
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func cloneRecord(rec market.CachedRecord) market.CachedRecord {
	rec.Payload = clonePayload(rec.Payload)
	return rec
}

func clonePayload(p []byte) []byte {
	if p == nil {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}
