package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsedash/pulsefeed/internal/metrics"
	"github.com/pulsedash/pulsefeed/internal/settings"
)

// Sink is one connected client as the dispatcher sees it. The transport
// owns the socket; Deliver must respect the context deadline and fail
// rather than block past it.
type Sink interface {
	ID() string
	Remote() string
	Deliver(ctx context.Context, msg []byte) error
	Close(reason string)
}

const (
	defaultSendTimeout = 3 * time.Second
	defaultIdleWait    = 10 * time.Second

	// minWait stops a hot loop when a class is already overdue.
	minWait = 100 * time.Millisecond

	evictSendFailed = "send_failed"
)

var pageClasses = []PageClass{PageDashboard, PageOther, PageUnknown}

type Config struct {
	// BaseInterval is the Dashboard cadence before settings overrides.
	BaseInterval time.Duration
	// DashboardPages lists page names classified as Dashboard.
	DashboardPages []string
	// SendTimeout bounds one delivery before the client is evicted.
	SendTimeout time.Duration
	// IdleWait is the poll interval while no enabled class has clients.
	IdleWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.IdleWait <= 0 {
		c.IdleWait = defaultIdleWait
	}
	return c
}

type session struct {
	sink        Sink
	page        string
	class       PageClass
	requested   time.Duration
	connectedAt time.Time
}

type eventKind int

const (
	evRegister eventKind = iota
	evClassify
	evUnregister
	evPushNow
)

type event struct {
	kind      eventKind
	sink      Sink
	id        string
	page      string
	requested time.Duration
}

// Dispatcher owns the client roster and the push cadence. All roster state
// is confined to the Run goroutine; the public methods only post events.
type Dispatcher struct {
	cfg      Config
	policy   *Policy
	builder  *Builder
	settings settings.Settings
	metrics  *metrics.Registry
	log      zerolog.Logger

	events chan event
	done   chan struct{}

	// Owned by Run.
	sessions     map[string]*session
	lastDispatch map[PageClass]time.Time

	wireMu   sync.RWMutex
	lastWire []byte

	clientCount    atomic.Int64
	dashboardCount atomic.Int64
}

func New(cfg Config, builder *Builder, set settings.Settings, m *metrics.Registry, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:          cfg,
		policy:       NewPolicy(cfg.DashboardPages, cfg.BaseInterval),
		builder:      builder,
		settings:     set,
		metrics:      m,
		log:          logger.With().Str("component", "dispatcher").Logger(),
		events:       make(chan event, 128),
		done:         make(chan struct{}),
		sessions:     make(map[string]*session),
		lastDispatch: make(map[PageClass]time.Time),
	}
}

// Register adds a connected client. The client gets an immediate snapshot
// push unless streaming is disabled.
func (d *Dispatcher) Register(sink Sink) {
	d.post(event{kind: evRegister, sink: sink})
}

// Classify records the page and interval hint a client announced.
func (d *Dispatcher) Classify(id, page string, requested time.Duration) {
	d.post(event{kind: evClassify, id: id, page: page, requested: requested})
}

// Unregister drops a client from the roster.
func (d *Dispatcher) Unregister(id string) {
	d.post(event{kind: evUnregister, id: id})
}

// PushNow sends the current snapshot to one client, bypassing both the
// cadence and the streaming gate.
func (d *Dispatcher) PushNow(id string) {
	d.post(event{kind: evPushNow, id: id})
}

func (d *Dispatcher) post(ev event) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// DashboardActive reports whether any Dashboard client is connected. The
// collectors poll this to pick their cadence regime.
func (d *Dispatcher) DashboardActive() bool {
	return d.dashboardCount.Load() > 0
}

// ClientCount reports the roster size.
func (d *Dispatcher) ClientCount() int {
	return int(d.clientCount.Load())
}

// LastWire returns a copy of the most recent wire message, or nil before
// the first dispatchable snapshot.
func (d *Dispatcher) LastWire() []byte {
	d.wireMu.RLock()
	defer d.wireMu.RUnlock()
	if d.lastWire == nil {
		return nil
	}
	out := make([]byte, len(d.lastWire))
	copy(out, d.lastWire)
	return out
}

func (d *Dispatcher) retain(msg []byte) {
	d.wireMu.Lock()
	d.lastWire = msg
	d.wireMu.Unlock()
}

// Run drives the dispatch loop until the context is canceled. It must be
// called exactly once.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	d.log.Info().
		Dur("send_timeout", d.cfg.SendTimeout).
		Msg("dispatcher started")

	// One forced pass covers clients that connected before the loop, still
	// honoring the streaming gate.
	d.dispatchDue(ctx, true)

	for {
		timer := time.NewTimer(d.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Info().Int("clients", len(d.sessions)).Msg("dispatcher stopped")
			return
		case ev := <-d.events:
			timer.Stop()
			d.handle(ctx, ev)
		case <-timer.C:
			d.dispatchDue(ctx, false)
		}
	}
}

// nextWait computes the sleep until the earliest due class, or the idle
// wait when nothing is connected.
func (d *Dispatcher) nextWait(ctx context.Context) time.Duration {
	now := time.Now()
	wait := d.cfg.IdleWait
	found := false
	for _, class := range pageClasses {
		if !d.policy.Enabled(class) || d.countOf(class) == 0 {
			continue
		}
		interval := d.classInterval(ctx, class)
		due := d.lastDispatch[class].Add(interval)
		w := due.Sub(now)
		if !found || w < wait {
			wait = w
			found = true
		}
	}
	if wait < minWait {
		wait = minWait
	}
	return wait
}

func (d *Dispatcher) countOf(class PageClass) int {
	n := 0
	for _, sess := range d.sessions {
		if sess.class == class {
			n++
		}
	}
	return n
}

// classInterval folds the settings override and the tightest client hint
// into the policy cadence.
func (d *Dispatcher) classInterval(ctx context.Context, class PageClass) time.Duration {
	var override time.Duration
	if class == PageDashboard {
		override = d.settings.DashboardRefreshInterval(ctx)
	}
	var hint time.Duration
	for _, sess := range d.sessions {
		if sess.class != class || sess.requested <= 0 {
			continue
		}
		if hint == 0 || sess.requested < hint {
			hint = sess.requested
		}
	}
	return d.policy.Interval(class, override, hint)
}

func (d *Dispatcher) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evRegister:
		sess := &session{sink: ev.sink, class: PageUnknown, connectedAt: time.Now()}
		d.sessions[ev.sink.ID()] = sess
		d.refreshCounts()
		d.log.Info().
			Str("client_id", ev.sink.ID()).
			Str("remote", ev.sink.Remote()).
			Int("clients", len(d.sessions)).
			Msg("client registered")
		if d.settings.WebsocketEnabled(ctx) {
			if msg, _ := d.currentWire(ctx); msg != nil {
				d.deliverOne(ctx, sess, msg)
			}
		}
	case evClassify:
		sess, ok := d.sessions[ev.id]
		if !ok {
			return
		}
		sess.page = ev.page
		sess.class = d.policy.Classify(ev.page)
		sess.requested = ev.requested
		d.refreshCounts()
		d.log.Info().
			Str("client_id", ev.id).
			Str("page", ev.page).
			Str("class", string(sess.class)).
			Dur("requested", ev.requested).
			Msg("client classified")
	case evUnregister:
		d.remove(ev.id, "")
	case evPushNow:
		sess, ok := d.sessions[ev.id]
		if !ok {
			return
		}
		if msg, _ := d.currentWire(ctx); msg != nil {
			d.deliverOne(ctx, sess, msg)
		}
	}
}

func (d *Dispatcher) remove(id, reason string) {
	sess, ok := d.sessions[id]
	if !ok {
		return
	}
	delete(d.sessions, id)
	d.refreshCounts()
	if reason != "" {
		d.metrics.Evictions.WithLabelValues(reason).Inc()
		sess.sink.Close(reason)
		d.log.Warn().
			Str("client_id", id).
			Str("remote", sess.sink.Remote()).
			Str("reason", reason).
			Int("clients", len(d.sessions)).
			Msg("client evicted")
		return
	}
	d.log.Info().
		Str("client_id", id).
		Int("clients", len(d.sessions)).
		Msg("client unregistered")
}

func (d *Dispatcher) refreshCounts() {
	counts := make(map[PageClass]int, len(pageClasses))
	for _, sess := range d.sessions {
		counts[sess.class]++
	}
	d.clientCount.Store(int64(len(d.sessions)))
	d.dashboardCount.Store(int64(counts[PageDashboard]))
	for _, class := range pageClasses {
		d.metrics.StreamClients.WithLabelValues(string(class)).Set(float64(counts[class]))
	}
}

// dispatchDue pushes to every enabled class whose cadence elapsed. When the
// streaming gate is off the tick is dropped entirely and no cadence clock
// advances, so re-enabling triggers a prompt dispatch.
func (d *Dispatcher) dispatchDue(ctx context.Context, force bool) {
	if !d.settings.WebsocketEnabled(ctx) {
		d.log.Debug().Msg("streaming disabled, holding dispatch")
		return
	}
	now := time.Now()
	for _, class := range pageClasses {
		if !d.policy.Enabled(class) {
			continue
		}
		targets := d.sessionsOf(class)
		if len(targets) == 0 {
			continue
		}
		if !force && now.Sub(d.lastDispatch[class]) < d.classInterval(ctx, class) {
			continue
		}
		msg, degraded := d.currentWire(ctx)
		if msg == nil {
			d.metrics.Dispatches.WithLabelValues(string(class), metrics.OutcomeSkipped).Inc()
			continue
		}
		d.fanOut(ctx, class, targets, msg)
		d.lastDispatch[class] = now
		outcome := metrics.OutcomeSuccess
		if degraded {
			outcome = metrics.OutcomeDegraded
		}
		d.metrics.Dispatches.WithLabelValues(string(class), outcome).Inc()
	}
}

func (d *Dispatcher) sessionsOf(class PageClass) []*session {
	var out []*session
	for _, sess := range d.sessions {
		if sess.class == class {
			out = append(out, sess)
		}
	}
	return out
}

// currentWire builds a fresh wire message. On build failure it falls back
// to the retained message (degraded=true); an empty store or encode failure
// yields nil, which the caller treats as a skipped tick.
func (d *Dispatcher) currentWire(ctx context.Context) (msg []byte, degraded bool) {
	start := time.Now()
	snap, err := d.builder.Build(ctx)
	if err != nil {
		if last := d.LastWire(); last != nil {
			d.log.Warn().Err(err).Msg("snapshot build failed, serving retained message")
			return last, true
		}
		d.log.Warn().Err(err).Msg("snapshot build failed, nothing retained")
		return nil, false
	}
	if snap.Empty() {
		d.log.Debug().Msg("store empty, nothing to dispatch")
		return nil, false
	}
	wire, err := d.builder.Encode(snap, time.Since(start))
	if err != nil {
		d.log.Error().Err(err).Msg("snapshot encode failed")
		return nil, false
	}
	d.metrics.SnapshotSeconds.Observe(time.Since(start).Seconds())
	d.retain(wire)
	return wire, false
}

// fanOut delivers one message to every target concurrently. Each delivery
// gets the send timeout; failures evict the client after the wave settles.
func (d *Dispatcher) fanOut(ctx context.Context, class PageClass, targets []*session, msg []byte) {
	start := time.Now()
	var mu sync.Mutex
	var failed []string
	var wg sync.WaitGroup
	for _, sess := range targets {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			if err := d.deliver(ctx, sess, msg); err != nil {
				mu.Lock()
				failed = append(failed, sess.sink.ID())
				mu.Unlock()
				d.log.Warn().Err(err).
					Str("client_id", sess.sink.ID()).
					Str("remote", sess.sink.Remote()).
					Msg("delivery failed")
			}
		}(sess)
	}
	wg.Wait()
	for _, id := range failed {
		d.remove(id, evictSendFailed)
	}
	d.metrics.DispatchSeconds.Observe(time.Since(start).Seconds())
	d.log.Debug().
		Str("class", string(class)).
		Int("targets", len(targets)).
		Int("failed", len(failed)).
		Msg("dispatched")
}

func (d *Dispatcher) deliver(ctx context.Context, sess *session, msg []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return sess.sink.Deliver(sendCtx, msg)
}

// deliverOne is the single-client path used for connect pushes and
// get_latest replies. Failures evict like a fan-out failure would.
func (d *Dispatcher) deliverOne(ctx context.Context, sess *session, msg []byte) {
	if err := d.deliver(ctx, sess, msg); err != nil {
		d.log.Warn().Err(err).
			Str("client_id", sess.sink.ID()).
			Msg("single delivery failed")
		d.remove(sess.sink.ID(), evictSendFailed)
	}
}
