// Package source implements the provider adapters. Each adapter is a pure
// request/response component: it enforces its own minimum inter-call
// interval, fetches, parses, validates, and classifies failures. Scheduling
// and retries belong to the collector loops.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Adapter names used in logs, metrics, and health reporting.
const (
	SourceComposite   = "composite"
	SourceGlobal      = "global"
	SourceTopPrimary  = "top_coins_primary"
	SourceTopFallback = "top_coins_fallback"
	SourceFX          = "fx_fallback"
)

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrParseFailed ErrorKind = "parse_failed"
	ErrUnavailable ErrorKind = "unavailable"
	ErrInvalidData ErrorKind = "invalid_data"
)

// SourceError is the typed failure every adapter returns. Stage names the
// fallback strategy that failed, when the adapter has a chain.
type SourceError struct {
	Source string
	Kind   ErrorKind
	Stage  string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s] %s: %v", e.Source, e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func newError(source string, kind ErrorKind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

func stageError(source, stage string, kind ErrorKind, err error) *SourceError {
	return &SourceError{Source: source, Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the failure classification, or ErrUnavailable for errors
// that did not originate from an adapter.
func KindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrUnavailable
}

// IsRateLimited reports whether the adapter refused the call to respect its
// own floor.
func IsRateLimited(err error) bool {
	return KindOf(err) == ErrRateLimited
}

var errMinInterval = errors.New("minimum inter-call interval not elapsed")

// guard enforces a per-adapter minimum inter-call interval. Calls that would
// violate the floor are refused, never queued.
type guard struct {
	limiter *rate.Limiter
}

func newGuard(minInterval time.Duration) *guard {
	if minInterval <= 0 {
		return &guard{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &guard{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

func (g *guard) allow() bool {
	return g.limiter.Allow()
}

// classify maps transport errors onto the taxonomy.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return ErrUnavailable
}

func statusKind(status int) ErrorKind {
	if status == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return ErrUnavailable
}

// Registry groups the adapters the collector loops drive.
type Registry struct {
	Composite   *CompositeAdapter
	Global      *GlobalAdapter
	TopPrimary  *TopCoinsPrimaryAdapter
	TopFallback *TopCoinsFallbackAdapter
	FX          *FXAdapter
}
