package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/queue"
	"github.com/harrier-ai/harrier/internal/router"
)

func TestRegister_AddsAllJobs(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, 30, time.Minute)
	require.NoError(t, s.Register())
	assert.Equal(t, 3, s.Entries())
}

func TestRegister_DefaultsFlushInterval(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, 30, 0)
	require.NoError(t, s.Register())
	assert.Equal(t, 3, s.Entries())
}

func TestRunPurges_RemovesExpiredEntries(t *testing.T) {
	dir := t.TempDir()

	cache, err := router.NewCache(filepath.Join(dir, "cache.db"), -time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	gstore, err := guard.NewStore(filepath.Join(dir, "guard.db"))
	require.NoError(t, err)
	defer gstore.Close()

	ctx := context.Background()
	key := router.Fingerprint("handler-dispatch", 3, "ollama", "expired content")
	require.NoError(t, cache.Put(ctx, key, `{"content":"stale"}`, "ollama", "llama3", "handler-dispatch", 3))

	s := New(nil, cache, gstore, nil, nil, 30, time.Minute)
	s.runPurges()

	entries, _, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, entries)
}

func TestRunRetention_SweepsTerminalTasks(t *testing.T) {
	dir := t.TempDir()

	tasks, err := queue.NewStore(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	defer tasks.Close()

	ctx := context.Background()
	task, err := tasks.Submit(ctx, "x", queue.PriorityNormal, nil)
	require.NoError(t, err)
	_, err = tasks.Claim(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, tasks.Complete(ctx, task.ID, "r"))

	s := New(tasks, nil, nil, nil, nil, 0, time.Minute)
	s.runRetention()

	_, err = tasks.Get(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
}

func TestRunFlush_PersistsRollups(t *testing.T) {
	gstore, err := guard.NewStore(filepath.Join(t.TempDir(), "guard.db"))
	require.NoError(t, err)
	defer gstore.Close()

	metrics := guard.NewRecorder(time.Hour)
	metrics.Record("handler-a", true, false, 5*time.Millisecond)

	s := New(nil, nil, gstore, metrics, nil, 30, time.Minute)
	s.runFlush()

	rollups, err := gstore.QueryRollups(context.Background(), "handler-a", 0)
	require.NoError(t, err)
	assert.Len(t, rollups, 1)
}

func TestStartStop(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, 30, time.Minute)
	require.NoError(t, s.Register())
	s.Start()
	s.Stop()
}
