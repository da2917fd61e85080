package source

import (
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "pulsefeed/1.0"

// NewRESTClient builds the resty client shared by the REST adapters. One
// client means one connection pool across providers; per-call deadlines come
// from the caller's context on top of this transport timeout.
func NewRESTClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
}
