package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pulsedash/pulsefeed/internal/market"
)

// Composite stage names, surfaced in logs and SourceError stages.
const (
	CompositeStageStructured = "structured_scrape"
	CompositeStageTextLine   = "text_heuristic"
	CompositeStageRegexSweep = "regex_sweep"
)

// CompositeSnapshot bundles the Upbit composite index readings with the
// USD/KRW rate when the page carried one.
type CompositeSnapshot struct {
	Indices   map[string]market.Reading
	FX        *market.Reading
	Stage     string
	FetchedAt time.Time
}

// Valid reports whether at least one index carries a positive value. An
// invalid snapshot must never reach the cache.
func (s CompositeSnapshot) Valid() bool {
	for _, rd := range s.Indices {
		if rd.Positive() {
			return true
		}
	}
	return false
}

// HasFX reports whether the snapshot carries a usable USD/KRW reading.
func (s CompositeSnapshot) HasFX() bool {
	return s.FX != nil && s.FX.Positive()
}

// CompositeConfig configures the composite-index adapter.
type CompositeConfig struct {
	PrimaryURL   string
	AlternateURL string
	MinInterval  time.Duration
}

type compositeStrategy interface {
	name() string
	try(ctx context.Context) (CompositeSnapshot, error)
}

// CompositeAdapter scrapes the Upbit composite indices (and the bundled
// USD/KRW quote) from a client-rendered page. Strategies run in order and
// the first snapshot that validates wins: a structured line walk over the
// rendered primary page, a windowed text scan over the alternate page, and
// a last-resort regex sweep over the raw HTML.
type CompositeAdapter struct {
	guard      *guard
	strategies []compositeStrategy
	log        zerolog.Logger
}

func NewCompositeAdapter(cfg CompositeConfig, browser Browser, client *resty.Client, logger zerolog.Logger) *CompositeAdapter {
	alt := cfg.AlternateURL
	if alt == "" {
		alt = cfg.PrimaryURL
	}
	return &CompositeAdapter{
		guard: newGuard(cfg.MinInterval),
		strategies: []compositeStrategy{
			&structuredScrape{browser: browser, url: cfg.PrimaryURL},
			&textHeuristic{browser: browser, url: alt},
			&regexSweep{client: client, url: cfg.PrimaryURL},
		},
		log: logger.With().Str("component", "source_composite").Logger(),
	}
}

var errNoIndexValues = errors.New("no index with positive value")

func (a *CompositeAdapter) Name() string { return SourceComposite }

func (a *CompositeAdapter) Fetch(ctx context.Context) (CompositeSnapshot, error) {
	if !a.guard.allow() {
		return CompositeSnapshot{}, newError(SourceComposite, ErrRateLimited, errMinInterval)
	}

	start := time.Now()
	var lastErr error
	for _, st := range a.strategies {
		snap, err := st.try(ctx)
		if err != nil {
			a.log.Warn().Err(err).Str("stage", st.name()).Msg("composite stage failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !snap.Valid() {
			lastErr = stageError(SourceComposite, st.name(), ErrInvalidData, errNoIndexValues)
			a.log.Warn().Str("stage", st.name()).Msg("composite stage yielded no positive index")
			continue
		}
		snap.Stage = st.name()
		snap.FetchedAt = time.Now()
		a.log.Debug().
			Str("stage", st.name()).
			Int("indices", len(snap.Indices)).
			Bool("fx", snap.HasFX()).
			Dur("duration", time.Since(start)).
			Msg("composite indices retrieved")
		return snap, nil
	}
	if lastErr == nil {
		lastErr = newError(SourceComposite, ErrUnavailable, errors.New("no strategies configured"))
	}
	return CompositeSnapshot{}, lastErr
}

// Anchor labels as they appear in the rendered page text.
type anchor struct {
	label string
	code  string
}

var indexAnchors = []anchor{
	{label: "UBCI", code: market.CodeUBCI},
	{label: "UBMI", code: market.CodeUBMI},
	{label: "UB10", code: market.CodeUB10},
	{label: "UB30", code: market.CodeUB30},
}

const fxAnchor = "USD/KRW"

// structuredScrape renders the primary page and walks its visible text line
// by line: each anchor is followed by its value and change lines, the FX
// anchor by value / change / change_rate.
type structuredScrape struct {
	browser Browser
	url     string
}

func (s *structuredScrape) name() string { return CompositeStageStructured }

func (s *structuredScrape) try(ctx context.Context) (CompositeSnapshot, error) {
	text, err := s.browser.Text(ctx, s.url)
	if err != nil {
		return CompositeSnapshot{}, stageError(SourceComposite, s.name(), classify(err), err)
	}
	return parseCompositeLines(text), nil
}

// textHeuristic renders the alternate page and scans a bounded window after
// each anchor for numeric tokens.
type textHeuristic struct {
	browser Browser
	url     string
}

func (s *textHeuristic) name() string { return CompositeStageTextLine }

func (s *textHeuristic) try(ctx context.Context) (CompositeSnapshot, error) {
	text, err := s.browser.Text(ctx, s.url)
	if err != nil {
		return CompositeSnapshot{}, stageError(SourceComposite, s.name(), classify(err), err)
	}
	return scanCompositeText(text), nil
}

// regexSweep fetches the raw HTML without a browser, collects every grouped
// decimal token, and assigns the four largest to the index codes in order.
// FX is not recoverable at this stage.
type regexSweep struct {
	client *resty.Client
	url    string
}

func (s *regexSweep) name() string { return CompositeStageRegexSweep }

func (s *regexSweep) try(ctx context.Context) (CompositeSnapshot, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		Get(s.url)
	if err != nil {
		return CompositeSnapshot{}, stageError(SourceComposite, s.name(), classify(err), err)
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("http %d from %s", resp.StatusCode(), s.url)
		return CompositeSnapshot{}, stageError(SourceComposite, s.name(), statusKind(resp.StatusCode()), err)
	}
	return sweepCompositeHTML(string(resp.Body())), nil
}

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func parseCompositeLines(text string) CompositeSnapshot {
	lines := splitLines(text)
	snap := CompositeSnapshot{Indices: map[string]market.Reading{}}
	for i, line := range lines {
		for _, a := range indexAnchors {
			if strings.EqualFold(line, a.label) {
				if rd, ok := readingAfterAnchor(lines, i); ok {
					snap.Indices[a.code] = rd
				}
			}
		}
		if strings.EqualFold(line, fxAnchor) {
			if rd, ok := fxAfterAnchor(lines, i); ok {
				snap.FX = &rd
			}
		}
	}
	return snap
}

// readingAfterAnchor parses the value line right after an index anchor, then
// up to two trailing lines: a percent token is the change rate, a bare
// signed number the absolute change.
func readingAfterAnchor(lines []string, i int) (market.Reading, bool) {
	if i+1 >= len(lines) {
		return market.Reading{}, false
	}
	value, ok := parseSignedNumber(lines[i+1])
	if !ok {
		return market.Reading{}, false
	}
	rd := market.Reading{Value: value}
	for j := i + 2; j < len(lines) && j <= i+3; j++ {
		n, ok := parseSignedNumber(lines[j])
		if !ok {
			break
		}
		if strings.Contains(lines[j], "%") {
			rd.ChangeRate = n
		} else if rd.Change.IsZero() {
			rd.Change = n
		}
	}
	return rd, true
}

// fxAfterAnchor reads the three lines trailing the FX anchor as
// value / change / change_rate.
func fxAfterAnchor(lines []string, i int) (market.Reading, bool) {
	if i+1 >= len(lines) {
		return market.Reading{}, false
	}
	value, ok := parseSignedNumber(lines[i+1])
	if !ok || !value.IsPositive() {
		return market.Reading{}, false
	}
	rd := market.Reading{Value: value}
	if i+2 < len(lines) {
		if c, ok := parseSignedNumber(lines[i+2]); ok {
			rd.Change = c
		}
	}
	if i+3 < len(lines) {
		if r, ok := parseSignedNumber(lines[i+3]); ok {
			rd.ChangeRate = r
		}
	}
	return rd, true
}

var numberToken = regexp.MustCompile(`[-+]?\d{1,3}(?:,\d{3})*(?:\.\d+)?%?`)

// scanWindow caps how far past an anchor the heuristic scan looks.
const scanWindow = 160

func scanCompositeText(text string) CompositeSnapshot {
	snap := CompositeSnapshot{Indices: map[string]market.Reading{}}
	for _, a := range indexAnchors {
		tokens := tokensAfter(text, a.label)
		if len(tokens) == 0 {
			continue
		}
		value, ok := parseSignedNumber(tokens[0])
		if !ok {
			continue
		}
		rd := market.Reading{Value: value}
		for _, tok := range tokens[1:] {
			n, ok := parseSignedNumber(tok)
			if !ok {
				continue
			}
			if strings.HasSuffix(tok, "%") {
				rd.ChangeRate = n
			} else if rd.Change.IsZero() {
				rd.Change = n
			}
		}
		snap.Indices[a.code] = rd
	}
	if tokens := tokensAfter(text, fxAnchor); len(tokens) > 0 {
		if value, ok := parseSignedNumber(tokens[0]); ok && value.IsPositive() {
			rd := market.Reading{Value: value}
			if len(tokens) > 1 {
				if c, ok := parseSignedNumber(tokens[1]); ok {
					rd.Change = c
				}
			}
			if len(tokens) > 2 {
				if r, ok := parseSignedNumber(tokens[2]); ok {
					rd.ChangeRate = r
				}
			}
			snap.FX = &rd
		}
	}
	return snap
}

func tokensAfter(text, label string) []string {
	idx := strings.Index(text, label)
	if idx < 0 {
		return nil
	}
	window := text[idx+len(label):]
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}
	// Stop at the next anchor so one series' numbers never bleed into
	// another's.
	cut := len(window)
	for _, a := range indexAnchors {
		if j := strings.Index(window, a.label); j >= 0 && j < cut {
			cut = j
		}
	}
	if j := strings.Index(window, fxAnchor); j >= 0 && j < cut {
		cut = j
	}
	return numberToken.FindAllString(window[:cut], 3)
}

var sweepToken = regexp.MustCompile(`\d{1,3}(?:,\d{3})+\.\d{2}`)

func sweepCompositeHTML(html string) CompositeSnapshot {
	tokens := sweepToken.FindAllString(html, -1)
	values := make([]decimal.Decimal, 0, len(tokens))
	for _, tok := range tokens {
		if v, ok := parseSignedNumber(tok); ok {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i].GreaterThan(values[j]) })
	snap := CompositeSnapshot{Indices: map[string]market.Reading{}}
	for i, a := range indexAnchors {
		if i >= len(values) {
			break
		}
		snap.Indices[a.code] = market.Reading{Value: values[i]}
	}
	return snap
}

var numberCleaner = strings.NewReplacer("(", "", ")", "", "%", "", ",", "", "+", "", "−", "-")

func parseSignedNumber(s string) (decimal.Decimal, bool) {
	s = numberCleaner.Replace(strings.TrimSpace(s))
	if s == "" || s == "-" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
