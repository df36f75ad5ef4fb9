package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunActionFires(t *testing.T) {
	dir := t.TempDir()
	messages := make(chan string, 4)

	m := New(newTestStore(t), bus.New(), Actions{
		Run: func(_ context.Context, message string) error {
			messages <- message
			return nil
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	_, err := m.Create(context.Background(), CreateInput{
		Pattern:      filepath.Join(dir, "*.txt"),
		Action:       models.WatcherRun,
		ActionConfig: map[string]any{"message": "saw {event} on {basename}"},
		DebounceMs:   20,
		Enabled:      true,
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("x"), 0o644))

	select {
	case msg := <-messages:
		assert.Equal(t, "saw add on note.txt", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}
}

func TestDebounceCoalescesRapidEvents(t *testing.T) {
	dir := t.TempDir()
	var fires atomic.Int32

	m := New(newTestStore(t), bus.New(), Actions{
		Run: func(context.Context, string) error {
			fires.Add(1)
			return nil
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	_, err := m.Create(context.Background(), CreateInput{
		Pattern:    filepath.Join(dir, "*.log"),
		Action:     models.WatcherRun,
		DebounceMs: 60,
		Enabled:    true,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "app.log")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fires.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Let any stray timers elapse.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestQueueActionPayload(t *testing.T) {
	dir := t.TempDir()
	type enqueued struct {
		taskType string
		payload  map[string]any
		priority int
	}
	got := make(chan enqueued, 4)

	m := New(newTestStore(t), bus.New(), Actions{
		Enqueue: func(_ context.Context, taskType string, payload map[string]any, priority int) error {
			got <- enqueued{taskType, payload, priority}
			return nil
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	w, err := m.Create(context.Background(), CreateInput{
		Pattern:      filepath.Join(dir, "*.csv"),
		Action:       models.WatcherQueue,
		ActionConfig: map[string]any{"taskType": "ingest", "priority": float64(2)},
		DebounceMs:   20,
		Enabled:      true,
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b"), 0o644))

	select {
	case e := <-got:
		assert.Equal(t, "ingest", e.taskType)
		assert.Equal(t, 2, e.priority)
		assert.Equal(t, path, e.payload["path"])
		assert.Equal(t, "add", e.payload["event"])
		assert.Equal(t, w.ID, e.payload["watcherId"])
	case <-time.After(5 * time.Second):
		t.Fatal("queue action did not fire")
	}
}

func TestStartRestoresEnabledWatchers(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.SaveWatcher(context.Background(), &models.Watcher{
		ID: models.NewID(), Pattern: filepath.Join(dir, "*.md"),
		Action: models.WatcherRun, Enabled: true, DebounceMs: 20,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveWatcher(context.Background(), &models.Watcher{
		ID: models.NewID(), Pattern: filepath.Join(dir, "*.md"),
		Action: models.WatcherRun, Enabled: false, DebounceMs: 20,
		CreatedAt: now, UpdatedAt: now,
	}))

	fires := make(chan string, 4)
	m := New(s, bus.New(), Actions{
		Run: func(_ context.Context, message string) error {
			fires <- message
			return nil
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("x"), 0o644))

	// Only the enabled watcher fires.
	select {
	case <-fires:
	case <-time.After(5 * time.Second):
		t.Fatal("restored watcher did not fire")
	}
	select {
	case <-fires:
		t.Fatal("disabled watcher fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCreateValidates(t *testing.T) {
	m := New(newTestStore(t), nil, Actions{})
	ctx := context.Background()

	_, err := m.Create(ctx, CreateInput{Pattern: "", Action: models.WatcherRun})
	assert.Error(t, err)

	_, err = m.Create(ctx, CreateInput{Pattern: "/tmp/*.txt", Action: "explode"})
	assert.Error(t, err)

	_, err = m.Create(ctx, CreateInput{Pattern: "/tmp/[", Action: models.WatcherRun})
	assert.Error(t, err)

	w, err := m.Create(ctx, CreateInput{Pattern: "/tmp/*.txt", Action: models.WatcherRun})
	require.NoError(t, err)
	assert.Equal(t, int(DefaultDebounce/time.Millisecond), w.DebounceMs)
}

func TestSubstitute(t *testing.T) {
	got := substitute("{event}:{path} ({basename})", "/var/log/app.log", "change")
	assert.Equal(t, "change:/var/log/app.log (app.log)", got)
}
