package guard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/provider"
)

func testGuardStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "guard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testGuard(t *testing.T) *Guard {
	t.Helper()
	return New(testGuardStore(t), NewRecorder(time.Hour), time.Hour)
}

func TestCorrelationID_Deterministic(t *testing.T) {
	a := CorrelationID("session-1", "task.execute", 7)
	b := CorrelationID("session-1", "task.execute", 7)
	assert.Equal(t, a, b)
	assert.Len(t, a, CorrelationHexLen)
}

func TestCorrelationID_DistinctInputsDiffer(t *testing.T) {
	base := CorrelationID("session-1", "task.execute", 7)
	assert.NotEqual(t, base, CorrelationID("session-2", "task.execute", 7))
	assert.NotEqual(t, base, CorrelationID("session-1", "webhook.received", 7))
	assert.NotEqual(t, base, CorrelationID("session-1", "task.execute", 8))
}

func TestRun_Success(t *testing.T) {
	g := testGuard(t)

	outcome := g.Run(context.Background(), Invocation{
		Handler: "test-handler", EventKind: "task.execute", SessionID: "s1",
	}, func(ctx context.Context) (string, error) {
		return "value", nil
	})

	require.True(t, outcome.OK())
	assert.Equal(t, "value", outcome.Value)
	assert.Len(t, outcome.CorrelationID, CorrelationHexLen)
	assert.Greater(t, outcome.Duration, time.Duration(0))
}

func TestRun_ContainsPanic(t *testing.T) {
	g := testGuard(t)

	outcome := g.Run(context.Background(), Invocation{
		Handler: "test-handler", EventKind: "task.execute", SessionID: "s1",
	}, func(ctx context.Context) (string, error) {
		panic("boom")
	})

	require.False(t, outcome.OK())
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindPanic, outcome.ErrorKind)
	assert.Contains(t, outcome.ErrorMessage, "boom")
	assert.NotEmpty(t, outcome.CorrelationID)
}

func TestRun_ClassifiesErrors(t *testing.T) {
	g := testGuard(t)

	cases := []struct {
		err  error
		kind string
	}{
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("calling ollama: %w", provider.ErrProviderNotAvailable), KindProvider},
		{fmt.Errorf("attempted all: %w", provider.ErrChainExhausted), KindProvider},
		{errors.New("something else"), KindExecution},
	}
	for _, tc := range cases {
		outcome := g.Run(context.Background(), Invocation{
			Handler: "test-handler", EventKind: "task.execute", SessionID: "s1",
		}, func(ctx context.Context) (string, error) {
			return "", tc.err
		})
		assert.Equal(t, StatusFailed, outcome.Status)
		assert.Equal(t, tc.kind, outcome.ErrorKind, "error %v", tc.err)
	}
}

func TestRun_DeduplicatesWithinTTL(t *testing.T) {
	g := testGuard(t)
	inv := Invocation{
		Handler: "test-handler", EventKind: "task.execute", SessionID: "s1",
		DedupeKey: "evt-123",
	}

	executions := 0
	fn := func(ctx context.Context) (string, error) {
		executions++
		return "done", nil
	}

	first := g.Run(context.Background(), inv, fn)
	require.True(t, first.OK())

	second := g.Run(context.Background(), inv, fn)
	assert.Equal(t, StatusDeduplicated, second.Status)
	assert.True(t, second.Deduplicated())
	assert.Equal(t, 1, executions)
}

func TestRun_ExpiredDedupeKeyExecutesAgain(t *testing.T) {
	store := testGuardStore(t)
	g := New(store, NewRecorder(time.Hour), -time.Minute)
	inv := Invocation{
		Handler: "test-handler", EventKind: "task.execute", SessionID: "s1",
		DedupeKey: "evt-123",
	}

	executions := 0
	fn := func(ctx context.Context) (string, error) {
		executions++
		return "done", nil
	}

	require.True(t, g.Run(context.Background(), inv, fn).OK())
	require.True(t, g.Run(context.Background(), inv, fn).OK())
	assert.Equal(t, 2, executions)
}

func TestRun_StoreFaultFailsClosed(t *testing.T) {
	// A dedupe key with no store configured must fail the call, not risk a
	// duplicated execution.
	g := New(nil, NewRecorder(time.Hour), time.Hour)

	executions := 0
	outcome := g.Run(context.Background(), Invocation{
		Handler: "test-handler", EventKind: "task.execute", SessionID: "s1",
		DedupeKey: "evt-123",
	}, func(ctx context.Context) (string, error) {
		executions++
		return "done", nil
	})

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, KindStore, outcome.ErrorKind)
	assert.Zero(t, executions)
}

func TestRun_NoDedupeKeySkipsDedup(t *testing.T) {
	g := testGuard(t)
	inv := Invocation{Handler: "test-handler", EventKind: "task.execute", SessionID: "s1"}

	executions := 0
	fn := func(ctx context.Context) (string, error) {
		executions++
		return "done", nil
	}

	require.True(t, g.Run(context.Background(), inv, fn).OK())
	require.True(t, g.Run(context.Background(), inv, fn).OK())
	assert.Equal(t, 2, executions)
}

func TestInsertDedupe_ConcurrentSingleWinner(t *testing.T) {
	store := testGuardStore(t)
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	fresh := make([]bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.InsertDedupe(ctx, "same-key", time.Hour)
			assert.NoError(t, err)
			fresh[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range fresh {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestPurgeExpiredDedupe(t *testing.T) {
	store := testGuardStore(t)
	ctx := context.Background()

	_, err := store.InsertDedupe(ctx, "expired", -time.Minute)
	require.NoError(t, err)
	_, err = store.InsertDedupe(ctx, "live", time.Hour)
	require.NoError(t, err)

	n, err := store.PurgeExpiredDedupe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
