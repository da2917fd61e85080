package collector

import (
	"sort"
	"sync"
	"time"
)

// SourceHealth is one adapter's rolling status as seen by its loop.
type SourceHealth struct {
	Source              string    `json:"source"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Healthy reports whether the source's most recent outcome was a success.
func (h SourceHealth) Healthy() bool {
	return h.ConsecutiveFailures == 0
}

// HealthRegistry aggregates per-source outcomes for the ops endpoint. Rate
// floor refusals are not reported here; only real fetch attempts count.
type HealthRegistry struct {
	mu      sync.RWMutex
	sources map[string]*SourceHealth
	clock   func() time.Time
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		sources: make(map[string]*SourceHealth),
		clock:   time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (r *HealthRegistry) WithClock(clock func() time.Time) *HealthRegistry {
	r.clock = clock
	return r
}

func (r *HealthRegistry) RecordSuccess(src string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.entry(src)
	h.LastSuccess = r.clock()
	h.ConsecutiveFailures = 0
}

func (r *HealthRegistry) RecordFailure(src string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.entry(src)
	if err != nil {
		h.LastError = err.Error()
	} else {
		h.LastError = "unknown failure"
	}
	h.LastErrorAt = r.clock()
	h.ConsecutiveFailures++
}

// entry returns the record for src, creating it. Callers hold r.mu.
func (r *HealthRegistry) entry(src string) *SourceHealth {
	h, ok := r.sources[src]
	if !ok {
		h = &SourceHealth{Source: src}
		r.sources[src] = h
	}
	return h
}

// Snapshot returns a copy of every source's status, sorted by name.
func (r *HealthRegistry) Snapshot() []SourceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourceHealth, 0, len(r.sources))
	for _, h := range r.sources {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Degraded lists sources whose last attempt failed.
func (r *HealthRegistry) Degraded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, h := range r.sources {
		if !h.Healthy() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
