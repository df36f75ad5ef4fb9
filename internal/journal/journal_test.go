package journal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/internal/memory"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

func newTestJournal(t *testing.T, opts ...Option) (*Journal, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, opts...), s
}

func TestLogValidatesEntryType(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Log(ctx, "bogus", "x", nil)
	assert.Error(t, err)
	_, err = j.Log(ctx, models.EntryThought, "", nil)
	assert.Error(t, err)
}

func TestEntriesInheritCurrentSession(t *testing.T) {
	j, s := newTestJournal(t)
	ctx := context.Background()

	before, err := j.Thought(ctx, "no session yet")
	require.NoError(t, err)
	assert.Empty(t, before.SessionID)

	sess, err := j.StartSession(ctx, "ship the release")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, j.CurrentSessionID())

	during, err := j.Action(ctx, "ran the build", &EntryInput{ToolID: "shell"})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, during.SessionID)
	assert.Equal(t, "shell", during.ToolID)

	require.NoError(t, j.EndSession(ctx, models.SessionCompleted))
	assert.Empty(t, j.CurrentSessionID())

	after, err := j.Thought(ctx, "session over")
	require.NoError(t, err)
	assert.Empty(t, after.SessionID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestEndSessionWithoutStartIsNoOp(t *testing.T) {
	j, _ := newTestJournal(t)
	assert.NoError(t, j.EndSession(context.Background(), models.SessionCompleted))
}

func TestQueries(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	_, err := j.Thought(ctx, "first idea")
	require.NoError(t, err)
	_, err = j.Decision(ctx, "picked option two")
	require.NoError(t, err)
	_, err = j.Milestone(ctx, "phase one complete")
	require.NoError(t, err)

	recent, err := j.GetRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "phase one complete", recent[0].Content)

	decisions, err := j.GetByType(ctx, models.EntryDecision, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "picked option two", decisions[0].Content)

	_, err = j.GetByType(ctx, "bogus", 10)
	assert.Error(t, err)

	found, err := j.Search(ctx, "option", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestFormatAsNarrative(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	j, _ := newTestJournal(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	_, err := j.Thought(ctx, "what next")
	require.NoError(t, err)
	_, err = j.Action(ctx, "listed files", nil)
	require.NoError(t, err)

	narrative, err := j.FormatAsNarrative(ctx, 10)
	require.NoError(t, err)

	lines := strings.Split(narrative, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[2026-03-01 09:30:00] THOUGHT: what next", lines[0])
	assert.Equal(t, "[2026-03-01 09:30:00] ACTION: listed files", lines[1])
}

func TestReflectWritesEntryAndMemory(t *testing.T) {
	j, s := newTestJournal(t)
	mem := memory.NewManager(s)
	ctx := context.Background()

	_, err := j.Thought(ctx, "tried approach A, too slow")
	require.NoError(t, err)

	summarize := func(_ context.Context, text string) (string, error) {
		assert.Contains(t, text, "approach A")
		return "approach A is too slow, prefer B", nil
	}
	entry, err := j.Reflect(ctx, mem, summarize, 10)
	require.NoError(t, err)
	assert.Equal(t, models.EntryReflection, entry.EntryType)

	working, err := mem.GetByTier(ctx, models.TierWorking, 0)
	require.NoError(t, err)
	require.Len(t, working, 1)
	assert.Equal(t, "approach A is too slow, prefer B", working[0].Content)
	assert.Contains(t, working[0].Tags, "reflection")
}

func TestReflectWithEmptyJournal(t *testing.T) {
	j, _ := newTestJournal(t)
	_, err := j.Reflect(context.Background(), nil,
		func(context.Context, string) (string, error) { return "x", nil }, 10)
	assert.Error(t, err)
}
