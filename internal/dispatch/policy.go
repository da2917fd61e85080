// Package dispatch owns the client session set and the page-cadence policy:
// it decides when each page class is due, assembles the wire snapshot from
// the cache store, and fans the bytes out to clients.
package dispatch

import (
	"strings"
	"time"
)

// PageClass partitions connected clients by the page they registered.
type PageClass string

const (
	PageDashboard PageClass = "dashboard"
	PageOther     PageClass = "other"
	PageUnknown   PageClass = "unknown"
)

// MinDispatchSeconds floors every cadence, matching the tightest adapter
// floor (the composite scrape's 5s).
const MinDispatchSeconds = 5

// MinDispatchInterval is MinDispatchSeconds as a duration.
const MinDispatchInterval = MinDispatchSeconds * time.Second

// Policy resolves the dispatch cadence for each page class. It is a total
// function over the closed class set: Dashboard is the only enabled class.
type Policy struct {
	dashboardPages map[string]struct{}
	base           time.Duration
}

// NewPolicy builds a policy treating the given page names as Dashboard.
// base is the Dashboard interval before overrides; it is clamped at the
// floor.
func NewPolicy(dashboardPages []string, base time.Duration) *Policy {
	if base < MinDispatchInterval {
		base = MinDispatchInterval
	}
	pages := make(map[string]struct{}, len(dashboardPages))
	for _, p := range dashboardPages {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			pages[p] = struct{}{}
		}
	}
	if len(pages) == 0 {
		pages[string(PageDashboard)] = struct{}{}
	}
	return &Policy{dashboardPages: pages, base: base}
}

// Classify maps a registered page name onto its class. Clients that never
// registered, or registered an empty page, stay Unknown.
func (p *Policy) Classify(page string) PageClass {
	page = strings.ToLower(strings.TrimSpace(page))
	if page == "" {
		return PageUnknown
	}
	if _, ok := p.dashboardPages[page]; ok {
		return PageDashboard
	}
	return PageOther
}

// Enabled reports whether a class receives periodic dispatches.
func (p *Policy) Enabled(class PageClass) bool {
	return class == PageDashboard
}

// Interval resolves the cadence for a class. override carries the settings
// value for the Dashboard refresh (zero keeps the base); hint is the
// tightest client-requested interval and can only tighten, never enable a
// disabled class or cross the floor. Disabled classes yield zero.
func (p *Policy) Interval(class PageClass, override, hint time.Duration) time.Duration {
	if !p.Enabled(class) {
		return 0
	}
	iv := p.base
	if override > 0 {
		iv = override
	}
	if hint > 0 && hint < iv {
		iv = hint
	}
	if iv < MinDispatchInterval {
		iv = MinDispatchInterval
	}
	return iv
}
