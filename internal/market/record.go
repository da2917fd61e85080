package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one scalar observation of a series: the value plus its absolute
// and percentage change over the provider's reference window.
type Reading struct {
	Value      decimal.Decimal `json:"value"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"change_rate"`
}

// Positive reports whether the reading carries a usable value.
func (r Reading) Positive() bool {
	return r.Value.IsPositive()
}

// CachedRecord is the latest stored reading for one (kind, code, source_tag)
// key. Scalar series populate Value/Change/ChangeRate; structured series
// (the top-coins listing) populate Payload with encoded JSON instead.
type CachedRecord struct {
	Kind       IndexKind       `json:"kind"`
	Code       string          `json:"code"`
	SourceTag  string          `json:"source_tag,omitempty"`
	Value      decimal.Decimal `json:"value"`
	Payload    []byte          `json:"payload,omitempty"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"change_rate"`
	UpdatedAt  time.Time       `json:"updated_at"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Key returns the unique identity of the record within the store.
func (r *CachedRecord) Key() string {
	return RecordKey(r.Kind, r.Code, r.SourceTag)
}

// RecordKey builds the store identity for a (kind, code, source_tag) triple.
func RecordKey(kind IndexKind, code, sourceTag string) string {
	return fmt.Sprintf("%s:%s:%s", kind, code, sourceTag)
}

// Fresh reports whether the record is within its TTL budget at t. Records
// without a TTL never go stale; TTL is advisory and does not govern deletion.
func (r *CachedRecord) Fresh(t time.Time) bool {
	if r.TTLSeconds <= 0 {
		return true
	}
	return t.Sub(r.UpdatedAt) < time.Duration(r.TTLSeconds)*time.Second
}

// Age returns how long ago the record was written.
func (r *CachedRecord) Age(t time.Time) time.Duration {
	return t.Sub(r.UpdatedAt)
}

// Reading converts a scalar record back into its observation form.
func (r *CachedRecord) Reading() Reading {
	return Reading{Value: r.Value, Change: r.Change, ChangeRate: r.ChangeRate}
}

// ScalarRecord builds a scalar series record. UpdatedAt is assigned by the
// store at write time.
func ScalarRecord(kind IndexKind, code string, rd Reading, ttlSeconds int) CachedRecord {
	return CachedRecord{
		Kind:       kind,
		Code:       code,
		Value:      rd.Value,
		Change:     rd.Change,
		ChangeRate: rd.ChangeRate,
		TTLSeconds: ttlSeconds,
	}
}

// BlobRecord builds a structured series record holding an encoded payload.
func BlobRecord(kind IndexKind, code, sourceTag string, payload []byte, ttlSeconds int) CachedRecord {
	return CachedRecord{
		Kind:       kind,
		Code:       code,
		SourceTag:  sourceTag,
		Payload:    payload,
		TTLSeconds: ttlSeconds,
	}
}
