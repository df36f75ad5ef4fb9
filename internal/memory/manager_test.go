package memory

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, errors.New("no vector for text")
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s, opts...), s
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}

func TestStoreAppliesTierDefaults(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mem, err := m.Store(ctx, StoreInput{Content: "remember this"})
	require.NoError(t, err)
	assert.Equal(t, models.TierWorking, mem.Tier)
	assert.Equal(t, 0.6, mem.Importance)
	assert.Equal(t, 0.10, mem.DecayRate)
	assert.Equal(t, models.SourceAgent, mem.Source)

	got, err := m.Get(ctx, mem.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "remember this", got.Content)

	missing, err := m.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreRejectsBadInput(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, StoreInput{Content: ""})
	assert.Error(t, err)
	_, err = m.Store(ctx, StoreInput{Content: "x", Tier: "bogus"})
	assert.Error(t, err)
}

func TestSearchContentFallback(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	important := 0.9
	_, err := m.Store(ctx, StoreInput{Content: "deploy uses blue-green strategy", Importance: &important})
	require.NoError(t, err)
	faint := 0.2
	_, err = m.Store(ctx, StoreInput{Content: "deploy notes from last week", Importance: &faint})
	require.NoError(t, err)
	_, err = m.Store(ctx, StoreInput{Content: "grocery list"})
	require.NoError(t, err)

	results, err := m.Search(ctx, "deploy", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "deploy uses blue-green strategy", results[0].Memory.Content)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.0)
		assert.LessOrEqual(t, r.Similarity, 1.0)
	}
}

func TestSearchVector(t *testing.T) {
	s, err := store.Open(store.Options{Path: ":memory:", VectorSearch: true, Dimension: 3})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emb := &fakeEmbedder{dim: 3, vectors: map[string][]float32{
		"cats are great":   {1, 0, 0},
		"dogs are loyal":   {0, 1, 0},
		"tell me about it": {0.9, 0.1, 0},
	}}
	m := NewManager(s, WithEmbedder(emb))
	ctx := context.Background()

	_, err = m.Store(ctx, StoreInput{Content: "cats are great"})
	require.NoError(t, err)
	_, err = m.Store(ctx, StoreInput{Content: "dogs are loyal"})
	require.NoError(t, err)

	results, err := m.Search(ctx, "tell me about it", SearchOptions{MinSimilarity: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cats are great", results[0].Memory.Content)
}

func TestApplyDecayCompounds(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	clock := now
	m, s := newTestManager(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	mem, err := m.Store(ctx, StoreInput{Content: "decaying fact", Tier: models.TierWorking})
	require.NoError(t, err)
	original := mem.Importance

	// Two one-day passes must equal one two-day pass.
	clock = now.Add(24 * time.Hour)
	_, err = m.ApplyDecay(ctx)
	require.NoError(t, err)
	clock = now.Add(48 * time.Hour)
	n, err := m.ApplyDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	want := original * math.Exp(-mem.DecayRate*2)
	assert.InDelta(t, want, got.Importance, 1e-9)
}

func TestCleanupRemovesExpiredAndFaint(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, err := m.Store(ctx, StoreInput{Content: "expired", ExpiresAt: &past})
	require.NoError(t, err)
	faint := ImportanceFloor / 2
	_, err = m.Store(ctx, StoreInput{Content: "forgotten", Importance: &faint})
	require.NoError(t, err)
	_, err = m.Store(ctx, StoreInput{Content: "kept"})
	require.NoError(t, err)

	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := s.ListMemories(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "kept", remaining[0].Content)
}

func TestConsolidateWriteThenDelete(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	high := 0.9
	for _, content := range []string{"fact one", "fact two", "fact three"} {
		_, err := m.Store(ctx, StoreInput{Content: content, Tier: models.TierWorking, Importance: &high})
		require.NoError(t, err)
	}
	low := 0.1
	_, err := m.Store(ctx, StoreInput{Content: "minor note", Tier: models.TierWorking, Importance: &low})
	require.NoError(t, err)

	summarize := func(_ context.Context, text string) (string, error) {
		assert.Contains(t, text, "fact one")
		return "three facts, summarized", nil
	}
	consolidated, err := m.Consolidate(ctx, models.TierWorking, summarize)
	require.NoError(t, err)
	require.NotNil(t, consolidated)
	assert.Equal(t, 0.9, consolidated.Importance, "summary takes the max input importance")
	assert.Len(t, consolidated.RelatedIDs, 3)

	remaining, err := s.ListMemories(ctx, models.TierWorking, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	contents := []string{remaining[0].Content, remaining[1].Content}
	assert.Contains(t, contents, "three facts, summarized")
	assert.Contains(t, contents, "minor note")
}

func TestConsolidateFailedSummarizerKeepsInputs(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	high := 0.9
	for _, content := range []string{"alpha", "beta"} {
		_, err := m.Store(ctx, StoreInput{Content: content, Tier: models.TierWorking, Importance: &high})
		require.NoError(t, err)
	}

	_, err := m.Consolidate(ctx, models.TierWorking, func(context.Context, string) (string, error) {
		return "", errors.New("summarizer down")
	})
	assert.Error(t, err)

	remaining, err := s.ListMemories(ctx, models.TierWorking, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "failed summarization must not delete inputs")
}

func TestConsolidateEmptyEligibleSetIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)

	consolidated, err := m.Consolidate(context.Background(), models.TierWorking,
		func(context.Context, string) (string, error) { return "unused", nil })
	require.NoError(t, err)
	assert.Nil(t, consolidated)
}

func TestBuildContextWindowBudgets(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Each entry is 400 tokens; system1's 4000-token budget fits ten.
	content := strings.Repeat("m", 1600)
	for i := 0; i < 12; i++ {
		imp := float64(i) / 20
		_, err := m.Store(ctx, StoreInput{Content: content, Tier: models.TierSystem1, Importance: &imp})
		require.NoError(t, err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	top := 0.99
	_, err := m.Store(ctx, StoreInput{Content: content, Tier: models.TierSystem1, Importance: &top, ExpiresAt: &past})
	require.NoError(t, err)

	window, err := m.BuildContextWindow(ctx)
	require.NoError(t, err)
	assert.Len(t, window.System1, 10)
	assert.Equal(t, 4000, window.TotalTokens)
	for _, mem := range window.System1 {
		assert.NotEqual(t, 0.99, mem.Importance, "expired memory must be elided")
	}
	// Greedy by importance: the strongest survivors got in.
	assert.InDelta(t, 0.55, window.System1[0].Importance, 1e-9)
}

func TestWithTierBudgetsOverridesSelection(t *testing.T) {
	m, _ := newTestManager(t, WithTierBudgets(map[models.Tier]int{
		models.TierSystem1: 800,
	}))
	ctx := context.Background()

	// Each entry is 400 tokens; the configured 800-token budget fits two
	// where the default 4000 would fit all five.
	content := strings.Repeat("m", 1600)
	for i := 0; i < 5; i++ {
		imp := float64(i+1) / 10
		_, err := m.Store(ctx, StoreInput{Content: content, Tier: models.TierSystem1, Importance: &imp})
		require.NoError(t, err)
	}

	window, err := m.BuildContextWindow(ctx)
	require.NoError(t, err)
	assert.Len(t, window.System1, 2)
	assert.Equal(t, 800, window.TotalTokens)
	assert.InDelta(t, 0.5, window.System1[0].Importance, 1e-9)
	assert.InDelta(t, 0.4, window.System1[1].Importance, 1e-9)

	// Zero and unknown overrides leave defaults alone.
	fallback := NewManager(nil, WithTierBudgets(map[models.Tier]int{
		models.TierWorking: 0,
		models.Tier("??"):  123,
	}))
	assert.Equal(t, 8000, fallback.tiers[models.TierWorking].MaxTokens)
}

func TestFormatContextForPrompt(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, StoreInput{Content: "core belief", Tier: models.TierSystem2})
	require.NoError(t, err)
	_, err = m.Store(ctx, StoreInput{Content: "current task", Tier: models.TierWorking})
	require.NoError(t, err)

	window, err := m.BuildContextWindow(ctx)
	require.NoError(t, err)
	text := m.FormatContextForPrompt(window)
	assert.Contains(t, text, "## Long-term knowledge")
	assert.Contains(t, text, "- core belief")
	assert.Contains(t, text, "## Working memory")
	assert.Contains(t, text, "- current task")
	assert.NotContains(t, text, "Recent context")
}

func TestAutosummarizeCollapsesOverBudgetTier(t *testing.T) {
	summarize := func(_ context.Context, text string) (string, error) {
		return "condensed history", nil
	}
	m, s := newTestManager(t, WithSummarizer(summarize))
	ctx := context.Background()

	// 4 x 1500 tokens in system1 blows its 4000-token budget.
	content := strings.Repeat("y", 6000)
	for i := 0; i < 4; i++ {
		imp := 0.1 * float64(i+1)
		_, err := m.Store(ctx, StoreInput{Content: content, Tier: models.TierSystem1, Importance: &imp})
		require.NoError(t, err)
	}

	require.NoError(t, m.Autosummarize(ctx, models.TierSystem1))

	remaining, err := s.ListMemories(ctx, models.TierSystem1, 0)
	require.NoError(t, err)

	total := 0
	summaries := 0
	for _, mem := range remaining {
		total += EstimateTokens(mem.Content)
		if mem.Content == "condensed history" {
			summaries++
		}
	}
	assert.LessOrEqual(t, total, TierConfigs[models.TierSystem1].MaxTokens)
	assert.Equal(t, 1, summaries)
}

func TestGetStatsMatchesStore(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, StoreInput{Content: "abcdefgh", Tier: models.TierWorking})
	require.NoError(t, err)
	_, err = m.Store(ctx, StoreInput{Content: "xyz", Tier: models.TierSystem2})
	require.NoError(t, err)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Tiers[models.TierWorking].Tokens)
	assert.Equal(t, 1, stats.Tiers[models.TierSystem2].Tokens)
	assert.Equal(t, 2, stats.Total.Count)

	// The reported totals agree with a direct pass over the rows.
	for tier, ts := range stats.Tiers {
		memories, err := s.ListMemories(ctx, tier, 0)
		require.NoError(t, err)
		direct := 0
		for _, mem := range memories {
			direct += EstimateTokens(mem.Content)
		}
		assert.Equal(t, direct, ts.Tokens, "tier %s", tier)
	}
}
