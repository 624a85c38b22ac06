package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/cascade"
	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/provider"
	"github.com/harrier-ai/harrier/internal/router"
	"github.com/harrier-ai/harrier/internal/testutil"
)

type pipelineFixture struct {
	store *Store
	loop  *feedback.Loop
	local *testutil.MockProvider
	pool  *Pool
}

func newPipeline(t *testing.T, opts ...PoolOption) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := NewStore(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache, err := router.NewCache(filepath.Join(dir, "cache.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	gstore, err := guard.NewStore(filepath.Join(dir, "guard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { gstore.Close() })

	loop, err := feedback.New(filepath.Join(dir, "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })

	local := testutil.NewMockProvider("ollama", provider.TierLocal, "pipeline answer")
	rt := router.New([]provider.Provider{local}, cache, 0, router.WithOrdering(loop))
	g := guard.New(gstore, guard.NewRecorder(time.Hour), time.Hour)
	casc := cascade.New(nil, nil, nil, cascade.WithAdjustments(loop))

	opts = append(opts, WithPollInterval(10*time.Millisecond))
	pool := NewPool(store, casc, rt, g, loop, 2, opts...)

	return &pipelineFixture{store: store, loop: loop, local: local, pool: pool}
}

// waitTerminal polls until the task reaches a terminal state or the deadline
// passes.
func waitTerminal(t *testing.T, store *Store, id string) *Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestPool_ProcessesTaskToCompletion(t *testing.T) {
	f := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	defer f.pool.Wait()

	task, err := f.store.Submit(ctx, "summarize the incident report", PriorityNormal, nil)
	require.NoError(t, err)

	got := waitTerminal(t, f.store, task.ID)
	cancel()

	require.Equal(t, StatusCompleted, got.Status)

	var result router.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(got.Result), &result))
	assert.Equal(t, "pipeline answer", result.Content)
	assert.Equal(t, "ollama", result.Provider)
}

func TestPool_FailedExecutionMarksTaskFailed(t *testing.T) {
	f := newPipeline(t)
	f.local.FailWith(errors.New("model not loaded"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	defer f.pool.Wait()

	task, err := f.store.Submit(ctx, "summarize the incident report", PriorityNormal, nil)
	require.NoError(t, err)

	got := waitTerminal(t, f.store, task.ID)
	cancel()

	require.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "provider chain exhausted")
}

func TestPool_DuplicateDedupeKeyShortCircuits(t *testing.T) {
	f := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	defer f.pool.Wait()

	meta := map[string]string{"dedupe_key": "evt-42"}
	first, err := f.store.Submit(ctx, "summarize the incident report", PriorityNormal, meta)
	require.NoError(t, err)
	firstDone := waitTerminal(t, f.store, first.ID)
	require.Equal(t, StatusCompleted, firstDone.Status)

	second, err := f.store.Submit(ctx, "summarize the incident report again", PriorityNormal, meta)
	require.NoError(t, err)
	secondDone := waitTerminal(t, f.store, second.ID)
	cancel()

	require.Equal(t, StatusCompleted, secondDone.Status)
	assert.Contains(t, secondDone.Result, "deduplicated")
	assert.Equal(t, 1, f.local.Calls())
}

func TestPool_RecordsFeedbackOutcome(t *testing.T) {
	f := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	defer f.pool.Wait()

	task, err := f.store.Submit(ctx, "summarize the incident report", PriorityNormal, nil)
	require.NoError(t, err)
	waitTerminal(t, f.store, task.ID)
	cancel()
	f.pool.Wait()

	outcomes, err := f.loop.RecentOutcomes(context.Background(), "summary-handler", 10)
	require.NoError(t, err)
	require.NotEmpty(t, outcomes)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, string(provider.TierLocal), outcomes[0].Tier)
}

type recordingNotifier struct {
	ch chan *Task
}

func (n *recordingNotifier) TaskFinished(ctx context.Context, task *Task) {
	n.ch <- task
}

func TestPool_NotifiesOnCompletion(t *testing.T) {
	notifier := &recordingNotifier{ch: make(chan *Task, 1)}
	f := newPipeline(t, WithNotifier(notifier))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)
	defer f.pool.Wait()

	task, err := f.store.Submit(ctx, "summarize the incident report", PriorityNormal, nil)
	require.NoError(t, err)

	select {
	case notified := <-notifier.ch:
		assert.Equal(t, task.ID, notified.ID)
		assert.Equal(t, StatusCompleted, notified.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("notifier never fired")
	}
	cancel()
}
