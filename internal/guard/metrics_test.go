package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountsByOutcome(t *testing.T) {
	r := NewRecorder(time.Hour)

	r.Record("handler-a", true, false, 10*time.Millisecond)
	r.Record("handler-a", true, false, 20*time.Millisecond)
	r.Record("handler-a", false, false, 30*time.Millisecond)
	r.Record("handler-a", false, true, 1*time.Millisecond)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	agg := snap[0]
	assert.Equal(t, "handler-a", agg.Handler)
	assert.Equal(t, int64(4), agg.CallCount)
	assert.Equal(t, int64(2), agg.SuccessCount)
	assert.Equal(t, int64(1), agg.FailureCount)
	assert.Equal(t, int64(1), agg.DedupeHitCount)
	assert.Equal(t, 61*time.Millisecond, agg.TotalDuration)
}

func TestRecorder_SeparateHandlers(t *testing.T) {
	r := NewRecorder(time.Hour)

	r.Record("handler-a", true, false, time.Millisecond)
	r.Record("handler-b", true, false, time.Millisecond)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
}

func TestRecorder_Percentiles(t *testing.T) {
	r := NewRecorder(time.Hour)
	for i := 1; i <= 100; i++ {
		r.Record("handler-a", true, false, time.Duration(i)*time.Millisecond)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 50*time.Millisecond, snap[0].P50)
	assert.Equal(t, 95*time.Millisecond, snap[0].P95)
	assert.Equal(t, 99*time.Millisecond, snap[0].P99)
}

func TestPercentile_SmallSamples(t *testing.T) {
	sorted := []time.Duration{10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, percentile(sorted, 0.5))
	assert.Equal(t, 10*time.Millisecond, percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}

func TestFlush_PersistsRollups(t *testing.T) {
	store := testGuardStore(t)
	r := NewRecorder(time.Hour)
	ctx := context.Background()

	r.Record("handler-a", true, false, 10*time.Millisecond)
	r.Record("handler-a", false, false, 20*time.Millisecond)

	r.Flush(ctx, store)

	rollups, err := store.QueryRollups(ctx, "handler-a", 0)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, int64(2), rollups[0].CallCount)
	assert.Equal(t, int64(1), rollups[0].SuccessCount)
	assert.Equal(t, int64(1), rollups[0].FailureCount)
}

func TestFlush_OpenPeriodReflushedWithUpdatedTotals(t *testing.T) {
	store := testGuardStore(t)
	r := NewRecorder(time.Hour)
	ctx := context.Background()

	r.Record("handler-a", true, false, 10*time.Millisecond)
	r.Flush(ctx, store)

	r.Record("handler-a", true, false, 10*time.Millisecond)
	r.Flush(ctx, store)

	rollups, err := store.QueryRollups(ctx, "handler-a", 0)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, int64(2), rollups[0].CallCount)
}
