package collector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRegistryTransitions(t *testing.T) {
	base := time.Now()
	clock := base
	r := NewHealthRegistry().WithClock(func() time.Time { return clock })

	r.RecordFailure("composite", errors.New("timeout"))
	clock = base.Add(time.Second)
	r.RecordFailure("composite", errors.New("timeout again"))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].ConsecutiveFailures)
	assert.Equal(t, "timeout again", snap[0].LastError)
	assert.False(t, snap[0].Healthy())
	assert.Equal(t, []string{"composite"}, r.Degraded())

	clock = base.Add(2 * time.Second)
	r.RecordSuccess("composite")

	snap = r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
	assert.True(t, snap[0].Healthy())
	assert.Equal(t, "timeout again", snap[0].LastError, "last error text is kept for inspection")
	assert.True(t, snap[0].LastSuccess.Equal(base.Add(2*time.Second)))
	assert.Empty(t, r.Degraded())
}

func TestHealthRegistrySnapshotSorted(t *testing.T) {
	r := NewHealthRegistry()
	r.RecordSuccess("global")
	r.RecordSuccess("composite")
	r.RecordSuccess("fx_fallback")

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "composite", snap[0].Source)
	assert.Equal(t, "fx_fallback", snap[1].Source)
	assert.Equal(t, "global", snap[2].Source)
}
