// Package settings exposes the runtime-tunable keys that collector loops and
// the dispatcher consult on every tick: the background cadence, the dashboard
// cadence override, and the global dispatch gate.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Keys recognized in the app_settings table.
const (
	KeyGeneralUpdateInterval    = "general_update_interval"
	KeyDashboardRefreshInterval = "dashboard_refresh_interval"
	KeyWebsocketEnabled         = "websocket_enabled"
)

// Settings is read at each tick; implementations must keep reads cheap.
type Settings interface {
	// GeneralUpdateInterval is the background collection cadence.
	GeneralUpdateInterval(ctx context.Context) time.Duration
	// DashboardRefreshInterval overrides the dashboard dispatch cadence.
	DashboardRefreshInterval(ctx context.Context) time.Duration
	// WebsocketEnabled is the global dispatch gate.
	WebsocketEnabled(ctx context.Context) bool
}

// Static serves fixed values from configuration.
type Static struct {
	General   time.Duration
	Dashboard time.Duration
	Websocket bool
}

var _ Settings = Static{}

func (s Static) GeneralUpdateInterval(context.Context) time.Duration    { return s.General }
func (s Static) DashboardRefreshInterval(context.Context) time.Duration { return s.Dashboard }
func (s Static) WebsocketEnabled(context.Context) bool                  { return s.Websocket }

// SQLStore reads the app_settings key/value table, falling back to defaults
// for keys that are missing or unparsable.
type SQLStore struct {
	db       *sqlx.DB
	defaults Static
	log      zerolog.Logger
}

var _ Settings = (*SQLStore)(nil)

func NewSQLStore(db *sqlx.DB, defaults Static, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:       db,
		defaults: defaults,
		log:      logger.With().Str("component", "settings").Logger(),
	}
}

// EnsureSchema creates the settings table when it does not exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS app_settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure settings schema: %w", err)
	}
	return nil
}

// Put writes one key, replacing any previous value.
func (s *SQLStore) Put(ctx context.Context, key, value string) error {
	const query = `INSERT INTO app_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) GeneralUpdateInterval(ctx context.Context) time.Duration {
	return s.seconds(ctx, KeyGeneralUpdateInterval, s.defaults.General)
}

func (s *SQLStore) DashboardRefreshInterval(ctx context.Context) time.Duration {
	return s.seconds(ctx, KeyDashboardRefreshInterval, s.defaults.Dashboard)
}

func (s *SQLStore) WebsocketEnabled(ctx context.Context) bool {
	raw, ok := s.value(ctx, KeyWebsocketEnabled)
	if !ok {
		return s.defaults.Websocket
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		s.log.Debug().Str("key", KeyWebsocketEnabled).Str("value", raw).Msg("unparsable setting, using default")
		return s.defaults.Websocket
	}
	return enabled
}

func (s *SQLStore) seconds(ctx context.Context, key string, def time.Duration) time.Duration {
	raw, ok := s.value(ctx, key)
	if !ok {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		s.log.Debug().Str("key", key).Str("value", raw).Msg("unparsable setting, using default")
		return def
	}
	return time.Duration(secs) * time.Second
}

func (s *SQLStore) value(ctx context.Context, key string) (string, bool) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM app_settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("settings read failed, using default")
		return "", false
	}
	return v, true
}

// Cached memoizes another Settings source briefly so per-tick reads stay
// cheap even when the source is a database.
type Cached struct {
	inner Settings
	cache *gocache.Cache
}

var _ Settings = (*Cached)(nil)

func NewCached(inner Settings, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *Cached) GeneralUpdateInterval(ctx context.Context) time.Duration {
	if v, ok := c.cache.Get(KeyGeneralUpdateInterval); ok {
		return v.(time.Duration)
	}
	d := c.inner.GeneralUpdateInterval(ctx)
	c.cache.SetDefault(KeyGeneralUpdateInterval, d)
	return d
}

func (c *Cached) DashboardRefreshInterval(ctx context.Context) time.Duration {
	if v, ok := c.cache.Get(KeyDashboardRefreshInterval); ok {
		return v.(time.Duration)
	}
	d := c.inner.DashboardRefreshInterval(ctx)
	c.cache.SetDefault(KeyDashboardRefreshInterval, d)
	return d
}

func (c *Cached) WebsocketEnabled(ctx context.Context) bool {
	if v, ok := c.cache.Get(KeyWebsocketEnabled); ok {
		return v.(bool)
	}
	enabled := c.inner.WebsocketEnabled(ctx)
	c.cache.SetDefault(KeyWebsocketEnabled, enabled)
	return enabled
}
