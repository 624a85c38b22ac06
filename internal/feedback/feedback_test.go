package feedback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/provider"
)

func testLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })
	return loop
}

func record(t *testing.T, l *Loop, handler string, success bool) {
	t.Helper()
	actual := 0.0
	if success {
		actual = 1.0
	}
	require.NoError(t, l.RecordOutcome(context.Background(), "dec_test", handler,
		provider.TierLocal, 0.9, actual, success))
}

func TestFactor_NeutralBelowSampleFloor(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < MinSamples-1; i++ {
		record(t, l, "handler-a", false)
	}
	assert.Equal(t, 1.0, l.Factor("handler-a", provider.TierLocal))
}

func TestFactor_NeutralForUnknownHandler(t *testing.T) {
	l := testLoop(t)
	assert.Equal(t, 1.0, l.Factor("never-seen", provider.TierCheap))
}

func TestFactor_SustainedFailuresSuppress(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", false)
	}
	factor := l.Factor("handler-a", provider.TierLocal)
	assert.Less(t, factor, 1.0)
	assert.GreaterOrEqual(t, factor, 0.5)
}

func TestFactor_SustainedSuccessesBoost(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", true)
	}
	factor := l.Factor("handler-a", provider.TierLocal)
	assert.Greater(t, factor, 1.0)
	assert.LessOrEqual(t, factor, 1.25)
}

func TestFactor_SingleFailureBarelyMoves(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", true)
	}
	before := l.Factor("handler-a", provider.TierLocal)
	record(t, l, "handler-a", false)
	after := l.Factor("handler-a", provider.TierLocal)

	assert.Less(t, after, before)
	assert.InDelta(t, before, after, 0.2)
}

func TestFactor_RecoveryNeedsSustainedSuccess(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", false)
	}
	suppressed := l.Factor("handler-a", provider.TierLocal)

	record(t, l, "handler-a", true)
	assert.Less(t, l.Factor("handler-a", provider.TierLocal), 1.0)

	for i := 0; i < 30; i++ {
		record(t, l, "handler-a", true)
	}
	assert.Greater(t, l.Factor("handler-a", provider.TierLocal), suppressed)
	assert.Greater(t, l.Factor("handler-a", provider.TierLocal), 1.0)
}

func TestFactor_PerTierIsolation(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", false)
	}
	assert.Less(t, l.Factor("handler-a", provider.TierLocal), 1.0)
	assert.Equal(t, 1.0, l.Factor("handler-a", provider.TierCheap))
}

func TestScores_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feedback.db")

	l, err := New(path)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", true)
	}
	before := l.Factor("handler-a", provider.TierLocal)
	require.NoError(t, l.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, before, reopened.Factor("handler-a", provider.TierLocal))
}

func TestRecentOutcomes_NewestFirst(t *testing.T) {
	l := testLoop(t)
	ctx := context.Background()

	record(t, l, "handler-a", true)
	record(t, l, "handler-a", false)
	record(t, l, "handler-b", true)

	outcomes, err := l.RecentOutcomes(ctx, "handler-a", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Success)
	assert.True(t, outcomes[1].Success)
}

func TestRecentOutcomes_RespectsLimit(t *testing.T) {
	l := testLoop(t)

	for i := 0; i < 10; i++ {
		record(t, l, "handler-a", true)
	}
	outcomes, err := l.RecentOutcomes(context.Background(), "handler-a", 3)
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
}

func TestPurgeOutcomes_KeepsScores(t *testing.T) {
	l := testLoop(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		record(t, l, "handler-a", true)
	}
	before := l.Factor("handler-a", provider.TierLocal)

	n, err := l.PurgeOutcomes(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	assert.Equal(t, before, l.Factor("handler-a", provider.TierLocal))
}
