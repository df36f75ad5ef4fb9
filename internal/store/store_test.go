package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/pkg/models"
)

func newTestStore(t *testing.T, vector bool) *Store {
	t.Helper()
	s, err := Open(Options{Path: ":memory:", VectorSearch: vector, Dimension: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMemory(tier models.Tier, content string) *models.Memory {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Memory{
		ID:             models.NewID(),
		Tier:           tier,
		Content:        content,
		Importance:     0.5,
		DecayRate:      0.1,
		Source:         models.SourceAgent,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	m := testMemory(models.TierWorking, "user prefers dark mode")
	m.Summary = "dark mode preference"
	m.Tags = []string{"preference", "ui"}
	require.NoError(t, s.SaveMemory(ctx, m))

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Tier, got.Tier)
	assert.Equal(t, m.Summary, got.Summary)
	assert.Equal(t, m.Tags, got.Tags)
	assert.Equal(t, m.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.ExpiresAt)
}

func TestMemoryNotFound(t *testing.T) {
	s := newTestStore(t, false)
	_, err := s.GetMemory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTierCheck(t *testing.T) {
	s := newTestStore(t, false)
	m := testMemory("bogus", "x")
	err := s.SaveMemory(context.Background(), m)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestListMemoriesOrder(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	old := testMemory(models.TierWorking, "old")
	old.CreatedAt = base.Add(-2 * time.Hour)
	newer := testMemory(models.TierWorking, "newer")
	newer.CreatedAt = base.Add(-time.Hour)
	strong := testMemory(models.TierWorking, "strong")
	strong.Importance = 0.9
	strong.CreatedAt = base.Add(-3 * time.Hour)

	for _, m := range []*models.Memory{old, newer, strong} {
		require.NoError(t, s.SaveMemory(ctx, m))
	}

	got, err := s.ListMemories(ctx, models.TierWorking, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Importance first, then recency on ties.
	assert.Equal(t, "strong", got[0].Content)
	assert.Equal(t, "newer", got[1].Content)
	assert.Equal(t, "old", got[2].Content)
}

func TestMemoryContentSearch(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.SaveMemory(ctx, testMemory(models.TierWorking, "The deploy script lives in ops/deploy.sh")))
	require.NoError(t, s.SaveMemory(ctx, testMemory(models.TierSystem2, "Always run tests before a DEPLOY")))
	require.NoError(t, s.SaveMemory(ctx, testMemory(models.TierSystem1, "unrelated note")))

	hits, err := s.SearchMemoriesByContent(ctx, "deploy", "", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.SearchMemoriesByContent(ctx, "deploy", models.TierWorking, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMemoryExpiry(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := testMemory(models.TierSystem1, "old")
	expired.ExpiresAt = &past
	live := testMemory(models.TierSystem1, "fresh")
	live.ExpiresAt = &future
	require.NoError(t, s.SaveMemory(ctx, expired))
	require.NoError(t, s.SaveMemory(ctx, live))

	n, err := s.DeleteExpiredMemories(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetMemory(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMemory(ctx, live.ID)
	assert.NoError(t, err)
}

func TestMemoryTouch(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	m := testMemory(models.TierWorking, "touched")
	require.NoError(t, s.SaveMemory(ctx, m))

	later := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.TouchMemory(ctx, later, m.ID))

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, later.Truncate(time.Second), got.LastAccessedAt)
}

func TestMemoryStats(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.SaveMemory(ctx, testMemory(models.TierWorking, "aaaa")))
	require.NoError(t, s.SaveMemory(ctx, testMemory(models.TierWorking, "bb")))
	require.NoError(t, s.SaveMemory(ctx, testMemory(models.TierSystem2, "c")))

	stats, err := s.MemoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[models.TierWorking].Count)
	assert.Equal(t, 6, stats[models.TierWorking].TotalChars)
	assert.Equal(t, 1, stats[models.TierSystem2].Count)
}

func TestVectorSearchOrdering(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	near := testMemory(models.TierWorking, "near")
	near.Embedding = []float32{1, 0, 0, 0}
	mid := testMemory(models.TierWorking, "mid")
	mid.Embedding = []float32{1, 1, 0, 0}
	far := testMemory(models.TierWorking, "far")
	far.Embedding = []float32{0, 1, 0, 0}
	for _, m := range []*models.Memory{far, mid, near} {
		require.NoError(t, s.SaveMemory(ctx, m))
	}

	results, err := s.SearchMemoriesByVector(ctx, []float32{1, 0, 0, 0}, 0.5, "", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Memory.Content)
	assert.Equal(t, "mid", results[1].Memory.Content)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestVectorSearchDisabled(t *testing.T) {
	s := newTestStore(t, false)
	_, err := s.VectorSearch(context.Background(), "memory", []float32{1, 0, 0, 0}, 0, "", nil, 10)
	assert.ErrorIs(t, err, ErrVectorDisabled)
}

func TestEmbeddingCodec(t *testing.T) {
	in := []float32{0.25, -1.5, 3.125, 0}
	out := DecodeEmbedding(EncodeEmbedding(in))
	assert.Equal(t, in, out)

	assert.Nil(t, EncodeEmbedding(nil))
	assert.Nil(t, DecodeEmbedding(nil))
	assert.Nil(t, DecodeEmbedding([]byte{1, 2, 3}))
}

func TestJournalAppendAndQuery(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	entries := []*models.JournalEntry{
		{ID: models.NewID(), EntryType: models.EntryThought, Content: "considering options", SessionID: "sess1", CreatedAt: base},
		{ID: models.NewID(), EntryType: models.EntryAction, Content: "ran shell tool", SessionID: "sess1", ToolID: "shell", CreatedAt: base},
		{ID: models.NewID(), EntryType: models.EntryObservation, Content: "exit code 0", SessionID: "sess2", CreatedAt: base.Add(time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendJournalEntry(ctx, e))
	}

	recent, err := s.RecentJournalEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "exit code 0", recent[0].Content)
	// Same-timestamp rows come back in reverse insertion order.
	assert.Equal(t, "ran shell tool", recent[1].Content)

	byType, err := s.JournalEntriesByType(ctx, models.EntryThought, 10)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "considering options", byType[0].Content)

	bySession, err := s.JournalEntriesBySession(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Equal(t, "considering options", bySession[0].Content)

	found, err := s.SearchJournalByContent(ctx, "SHELL", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "shell", found[0].ToolID)
}

func TestSessionLifecycleAndMessageLog(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	sess := &models.Session{
		ID:        models.NewID(),
		Status:    models.SessionActive,
		Goal:      "summarize inbox",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	messages := []models.Message{
		{Role: models.RoleSystem, Content: "you are an agent"},
		{Role: models.RoleUser, Content: "summarize inbox"},
		{Role: models.RoleAssistant, Content: "done"},
	}
	require.NoError(t, s.SaveSessionMessageLog(ctx, sess.ID, messages))

	ended := time.Now().UTC().Truncate(time.Second)
	sess.Status = models.SessionCompleted
	sess.EndedAt = &ended
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
	require.NotNil(t, got.EndedAt)

	// The update must not clobber the stored log.
	log, err := s.GetSessionMessageLog(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, models.RoleAssistant, log[2].Role)
}

func TestToolUpsertKeepsIdentity(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tool := &models.Tool{
		ID: models.NewID(), Name: "shell", Description: "run a command",
		HandlerRef: "core:shell", Enabled: true, Priority: 10,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveTool(ctx, tool))

	update := &models.Tool{
		ID: models.NewID(), Name: "shell", Description: "run a shell command",
		HandlerRef: "core:shell", Enabled: true, Priority: 20,
		CreatedAt: now.Add(time.Hour), UpdatedAt: now.Add(time.Hour),
	}
	require.NoError(t, s.SaveTool(ctx, update))

	got, err := s.GetToolByName(ctx, "shell")
	require.NoError(t, err)
	assert.Equal(t, tool.ID, got.ID, "re-register keeps original id")
	assert.Equal(t, "run a shell command", got.Description)
	assert.Equal(t, 20, got.Priority)
	assert.Equal(t, now, got.CreatedAt)
}

func TestToolEnabledFilter(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"alpha", "beta"} {
		require.NoError(t, s.SaveTool(ctx, &models.Tool{
			ID: models.NewID(), Name: name, HandlerRef: "core:" + name,
			Enabled: true, CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, s.SetToolEnabled(ctx, "beta", false))

	all, err := s.ListTools(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListTools(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "alpha", enabled[0].Name)

	assert.ErrorIs(t, s.SetToolEnabled(ctx, "missing", true), ErrNotFound)
}

func testTask(typ string, priority int, createdAt time.Time) *models.QueueTask {
	return &models.QueueTask{
		ID: models.NewID(), Type: typ, Priority: priority,
		Status: models.TaskPending, MaxRetries: 3, CreatedAt: createdAt,
	}
}

func TestClaimOrder(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	low := testTask("agent_run", 1, base)
	high := testTask("agent_run", 5, base.Add(time.Second))
	older := testTask("agent_run", 5, base)
	for _, task := range []*models.QueueTask{low, high, older} {
		require.NoError(t, s.EnqueueTask(ctx, task))
	}

	now := base.Add(time.Minute)
	first, err := s.ClaimNextTask(ctx, now, []string{"agent_run"})
	require.NoError(t, err)
	assert.Equal(t, older.ID, first.ID, "highest priority, oldest first")
	assert.Equal(t, models.TaskRunning, first.Status)

	second, err := s.ClaimNextTask(ctx, now, []string{"agent_run"})
	require.NoError(t, err)
	assert.Equal(t, high.ID, second.ID)

	third, err := s.ClaimNextTask(ctx, now, []string{"agent_run"})
	require.NoError(t, err)
	assert.Equal(t, low.ID, third.ID)

	_, err = s.ClaimNextTask(ctx, now, []string{"agent_run"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimHonorsHoldoffAndType(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	held := testTask("agent_run", 0, base)
	held.NextAttemptAt = base.Add(time.Minute)
	other := testTask("unregistered", 0, base)
	require.NoError(t, s.EnqueueTask(ctx, held))
	require.NoError(t, s.EnqueueTask(ctx, other))

	_, err := s.ClaimNextTask(ctx, base, []string{"agent_run"})
	assert.ErrorIs(t, err, ErrNotFound, "hold-off not yet elapsed")

	claimed, err := s.ClaimNextTask(ctx, base.Add(2*time.Minute), []string{"agent_run"})
	require.NoError(t, err)
	assert.Equal(t, held.ID, claimed.ID)
}

func TestRetryAndFail(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	task := testTask("agent_run", 0, base)
	require.NoError(t, s.EnqueueTask(ctx, task))

	claimed, err := s.ClaimNextTask(ctx, base, []string{"agent_run"})
	require.NoError(t, err)

	next := base.Add(2 * time.Second)
	require.NoError(t, s.RetryTask(ctx, claimed.ID, "boom", next))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, next, got.NextAttemptAt)

	require.NoError(t, s.FailTask(ctx, task.ID, "gave up", base.Add(time.Minute)))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "gave up", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelPendingOnly(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	pending := testTask("agent_run", 0, base)
	running := testTask("agent_run", 1, base)
	require.NoError(t, s.EnqueueTask(ctx, pending))
	require.NoError(t, s.EnqueueTask(ctx, running))

	_, err := s.ClaimNextTask(ctx, base, []string{"agent_run"})
	require.NoError(t, err)

	// The running task exists, so cancelling it is a no-op, not an error.
	cancelled, err := s.CancelTask(ctx, running.ID, base)
	require.NoError(t, err)
	assert.False(t, cancelled)
	runningGot, err := s.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, runningGot.Status)

	cancelled, err = s.CancelTask(ctx, pending.ID, base)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := s.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)

	_, err = s.CancelTask(ctx, "no-such-task", base)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueStatsAndCleanup(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	done := testTask("agent_run", 0, base)
	pending := testTask("agent_run", 0, base)
	require.NoError(t, s.EnqueueTask(ctx, done))
	require.NoError(t, s.EnqueueTask(ctx, pending))

	claimed, err := s.ClaimNextTask(ctx, base, []string{"agent_run"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, claimed.ID, map[string]any{"ok": true}, base))

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)

	n, err := s.CleanupTasks(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 1, stats.Pending)
}

func TestResetRunningTasks(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	task := testTask("agent_run", 0, base)
	require.NoError(t, s.EnqueueTask(ctx, task))
	_, err := s.ClaimNextTask(ctx, base, []string{"agent_run"})
	require.NoError(t, err)

	n, err := s.ResetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestWatcherRoundTrip(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	w := &models.Watcher{
		ID: models.NewID(), Pattern: "/tmp/watch/*.txt",
		Action: models.WatcherQueue,
		ActionConfig: map[string]any{
			"taskType": "agent_run",
			"payload":  map[string]any{"goal": "inspect {path}"},
		},
		Enabled: true, DebounceMs: 500,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveWatcher(ctx, w))

	got, err := s.GetWatcher(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Pattern, got.Pattern)
	assert.Equal(t, models.WatcherQueue, got.Action)
	assert.Equal(t, "agent_run", got.ActionConfig["taskType"])

	enabled, err := s.ListWatchers(ctx, true)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	require.NoError(t, s.DeleteWatcher(ctx, w.ID))
	assert.ErrorIs(t, s.DeleteWatcher(ctx, w.ID), ErrNotFound)
}

func TestBulkWriteRollsBack(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	boom := errors.New("boom")
	err := s.BulkWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory (id, tier, content, created_at, updated_at, last_accessed_at)
			VALUES (?, 'working', 'keep me out', ?, ?, ?)`,
			models.NewID(), fmtTime(now), fmtTime(now), fmtTime(now))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := s.ListMemories(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}
