package settings

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticValues(t *testing.T) {
	s := Static{
		General:   30 * time.Second,
		Dashboard: 5 * time.Second,
		Websocket: true,
	}
	ctx := context.Background()

	assert.Equal(t, 30*time.Second, s.GeneralUpdateInterval(ctx))
	assert.Equal(t, 5*time.Second, s.DashboardRefreshInterval(ctx))
	assert.True(t, s.WebsocketEnabled(ctx))
}

func newMockSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	defaults := Static{General: 30 * time.Second, Dashboard: 5 * time.Second, Websocket: true}
	return NewSQLStore(sqlx.NewDb(db, "sqlmock"), defaults, zerolog.Nop()), mock
}

func TestSQLStoreReadsValues(t *testing.T) {
	s, mock := newMockSQLStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(KeyGeneralUpdateInterval).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("60"))
	assert.Equal(t, time.Minute, s.GeneralUpdateInterval(ctx))

	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(KeyWebsocketEnabled).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("false"))
	assert.False(t, s.WebsocketEnabled(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreFallsBackToDefaults(t *testing.T) {
	s, mock := newMockSQLStore(t)
	ctx := context.Background()

	// Missing key.
	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(KeyGeneralUpdateInterval).
		WillReturnError(sql.ErrNoRows)
	assert.Equal(t, 30*time.Second, s.GeneralUpdateInterval(ctx))

	// Unparsable value.
	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(KeyDashboardRefreshInterval).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("soon"))
	assert.Equal(t, 5*time.Second, s.DashboardRefreshInterval(ctx))

	// Non-positive interval.
	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(KeyGeneralUpdateInterval).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("0"))
	assert.Equal(t, 30*time.Second, s.GeneralUpdateInterval(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePut(t *testing.T) {
	s, mock := newMockSQLStore(t)

	mock.ExpectExec("INSERT INTO app_settings").
		WithArgs(KeyWebsocketEnabled, "false").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Put(context.Background(), KeyWebsocketEnabled, "false"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// countingSettings counts how often the underlying source is consulted.
type countingSettings struct {
	Static
	calls int64
}

func (c *countingSettings) GeneralUpdateInterval(ctx context.Context) time.Duration {
	atomic.AddInt64(&c.calls, 1)
	return c.Static.GeneralUpdateInterval(ctx)
}

func (c *countingSettings) WebsocketEnabled(ctx context.Context) bool {
	atomic.AddInt64(&c.calls, 1)
	return c.Static.WebsocketEnabled(ctx)
}

func TestCachedMemoizesReads(t *testing.T) {
	inner := &countingSettings{Static: Static{General: 30 * time.Second, Websocket: true}}
	cached := NewCached(inner, 100*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, 30*time.Second, cached.GeneralUpdateInterval(ctx))
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&inner.calls))

	for i := 0; i < 5; i++ {
		assert.True(t, cached.WebsocketEnabled(ctx))
	}
	assert.Equal(t, int64(2), atomic.LoadInt64(&inner.calls))

	// Expired entries are re-read from the source.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 30*time.Second, cached.GeneralUpdateInterval(ctx))
	assert.Equal(t, int64(3), atomic.LoadInt64(&inner.calls))
}
