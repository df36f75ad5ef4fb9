// Package memory owns the three-tier memory store, context-window assembly,
// and maintenance (decay, cleanup, consolidation, autosummarization).
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/memory/embeddings"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

// ImportanceFloor is the threshold below which cleanup removes a memory.
const ImportanceFloor = 1e-3

// consolidateBatch is how many eligible memories one consolidation collapses.
const consolidateBatch = 5

// TierConfig is the fixed per-tier budget and decay profile.
type TierConfig struct {
	MaxTokens         int
	DecayRate         float64
	DefaultImportance float64
}

// TierConfigs are the default per-tier profiles. Token budgets can be
// overridden per manager with WithTierBudgets; decay rates and default
// importances are fixed.
var TierConfigs = map[models.Tier]TierConfig{
	models.TierSystem2: {MaxTokens: 4000, DecayRate: 0.01, DefaultImportance: 0.8},
	models.TierWorking: {MaxTokens: 8000, DecayRate: 0.10, DefaultImportance: 0.6},
	models.TierSystem1: {MaxTokens: 4000, DecayRate: 0.50, DefaultImportance: 0.3},
}

// tierOrder is the rendering and budgeting order.
var tierOrder = []models.Tier{models.TierSystem2, models.TierWorking, models.TierSystem1}

// EstimateTokens is the fixed token estimator, ceil(len/4). This exact
// formula is a contract with budgeting and tests.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// Summarizer collapses text into a shorter form, typically LLM-backed.
type Summarizer func(ctx context.Context, text string) (string, error)

// Manager is the memory subsystem facade.
type Manager struct {
	store      *store.Store
	embedder   embeddings.Provider
	summarizer Summarizer
	events     *bus.Bus
	logger     *slog.Logger
	now        func() time.Time
	tiers      map[models.Tier]TierConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmbedder attaches an embedding provider, enabling vector search.
func WithEmbedder(p embeddings.Provider) Option {
	return func(m *Manager) { m.embedder = p }
}

// WithSummarizer attaches the summarizer used by consolidation and
// autosummarization.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithEvents attaches the event bus.
func WithEvents(b *bus.Bus) Option {
	return func(m *Manager) { m.events = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTierBudgets overrides per-tier token budgets. Zero or negative values
// keep the tier's default.
func WithTierBudgets(budgets map[models.Tier]int) Option {
	return func(m *Manager) {
		for tier, tokens := range budgets {
			cfg, ok := m.tiers[tier]
			if !ok || tokens <= 0 {
				continue
			}
			cfg.MaxTokens = tokens
			m.tiers[tier] = cfg
		}
	}
}

// NewManager returns a manager over the given store.
func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: slog.Default().With("component", "memory"),
		now:    func() time.Time { return time.Now().UTC() },
		tiers:  make(map[models.Tier]TierConfig, len(TierConfigs)),
	}
	for tier, cfg := range TierConfigs {
		m.tiers[tier] = cfg
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StoreInput is the caller-facing shape for creating a memory.
type StoreInput struct {
	Content    string
	Tier       models.Tier
	Summary    string
	Importance *float64
	Source     models.MemorySource
	Tags       []string
	RelatedIDs []string
	ExpiresAt  *time.Time
}

// Store writes a new memory, applying tier defaults for missing fields and
// computing an embedding when an embedder is attached.
func (m *Manager) Store(ctx context.Context, input StoreInput) (*models.Memory, error) {
	if input.Content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	tier := input.Tier
	if tier == "" {
		tier = models.TierWorking
	}
	cfg, ok := m.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown memory tier %q", tier)
	}

	importance := cfg.DefaultImportance
	if input.Importance != nil {
		importance = *input.Importance
	}
	source := input.Source
	if source == "" {
		source = models.SourceAgent
	}

	now := m.now().Truncate(time.Second)
	mem := &models.Memory{
		ID:             models.NewID(),
		Tier:           tier,
		Content:        input.Content,
		Summary:        input.Summary,
		Importance:     importance,
		DecayRate:      cfg.DecayRate,
		Source:         source,
		Tags:           input.Tags,
		RelatedIDs:     input.RelatedIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      input.ExpiresAt,
	}

	if m.embedder != nil && m.store.VectorEnabled() {
		emb, err := m.embedder.Embed(ctx, input.Content)
		if err != nil {
			m.logger.Warn("embedding failed, storing without vector", "error", err)
		} else {
			mem.Embedding = emb
		}
	}

	if err := m.store.SaveMemory(ctx, mem); err != nil {
		return nil, err
	}

	if m.events != nil {
		m.events.Publish("memory:stored", map[string]any{
			"memoryId": mem.ID,
			"tier":     string(mem.Tier),
		})
	}
	return mem, nil
}

// Get fetches a memory by id, returning nil when absent.
func (m *Manager) Get(ctx context.Context, id string) (*models.Memory, error) {
	mem, err := m.store.GetMemory(ctx, id)
	if err == store.ErrNotFound {
		return nil, nil
	}
	return mem, err
}

// SearchOptions narrows Search.
type SearchOptions struct {
	Limit         int
	Tier          models.Tier
	MinSimilarity float64
}

// Search finds memories semantically when vector search is available, and
// by content match scored by importance and recency otherwise. Results carry
// a similarity in [0,1].
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]*models.MemorySearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	if m.embedder != nil && m.store.VectorEnabled() {
		emb, err := m.embedder.Embed(ctx, query)
		if err == nil {
			results, err := m.store.SearchMemoriesByVector(ctx, emb, opts.MinSimilarity, opts.Tier, opts.Limit)
			if err == nil {
				m.touch(ctx, results)
				return results, nil
			}
			m.logger.Warn("vector search failed, falling back to content search", "error", err)
		} else {
			m.logger.Warn("query embedding failed, falling back to content search", "error", err)
		}
	}

	memories, err := m.store.SearchMemoriesByContent(ctx, query, opts.Tier, opts.Limit)
	if err != nil {
		return nil, err
	}

	now := m.now()
	results := make([]*models.MemorySearchResult, 0, len(memories))
	for _, mem := range memories {
		results = append(results, &models.MemorySearchResult{
			Memory:     mem,
			Similarity: contentScore(mem, now),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	m.touch(ctx, results)
	return results, nil
}

// contentScore blends importance with recency into [0,1].
func contentScore(mem *models.Memory, now time.Time) float64 {
	elapsedDays := now.Sub(mem.LastAccessedAt).Hours() / 24
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	recency := math.Exp(-elapsedDays / 7)
	return 0.7*mem.Importance + 0.3*recency
}

func (m *Manager) touch(ctx context.Context, results []*models.MemorySearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Memory.ID)
	}
	if err := m.store.TouchMemory(ctx, m.now(), ids...); err != nil {
		m.logger.Warn("touch memories failed", "error", err)
	}
}

// GetByTier returns a tier's memories ordered by importance then recency.
func (m *Manager) GetByTier(ctx context.Context, tier models.Tier, limit int) ([]*models.Memory, error) {
	if !models.ValidTier(tier) {
		return nil, fmt.Errorf("unknown memory tier %q", tier)
	}
	return m.store.ListMemories(ctx, tier, limit)
}

// ApplyDecay multiplies each memory's importance by exp(-decayRate *
// elapsedDays) since its last access and returns the count decayed.
// Memories that fall below the floor are left for Cleanup to remove.
func (m *Manager) ApplyDecay(ctx context.Context) (int, error) {
	memories, err := m.store.ListMemories(ctx, "", 0)
	if err != nil {
		return 0, err
	}

	now := m.now()
	decayed := 0
	for _, mem := range memories {
		// A decay pass refreshes updatedAt, so repeated passes compound
		// correctly instead of re-decaying the same interval.
		since := mem.LastAccessedAt
		if mem.UpdatedAt.After(since) {
			since = mem.UpdatedAt
		}
		elapsedDays := now.Sub(since).Hours() / 24
		if elapsedDays <= 0 || mem.DecayRate <= 0 {
			continue
		}
		next := mem.Importance * math.Exp(-mem.DecayRate*elapsedDays)
		if err := m.store.UpdateMemoryImportance(ctx, mem.ID, next, now); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}

// Cleanup deletes memories whose expiry has passed or whose importance fell
// below the floor, returning the count removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	expired, err := m.store.DeleteExpiredMemories(ctx, m.now())
	if err != nil {
		return 0, err
	}
	low, err := m.store.DeleteLowImportanceMemories(ctx, ImportanceFloor)
	if err != nil {
		return expired, err
	}
	return expired + low, nil
}

// Consolidate collapses the oldest eligible memories of a tier into a single
// summary memory. The summary is written before the inputs are deleted;
// partial failure leaves the inputs intact. Returns nil when nothing is
// eligible.
func (m *Manager) Consolidate(ctx context.Context, tier models.Tier, summarize Summarizer) (*models.Memory, error) {
	if summarize == nil {
		summarize = m.summarizer
	}
	if summarize == nil {
		return nil, fmt.Errorf("no summarizer available")
	}
	cfg, ok := m.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown memory tier %q", tier)
	}

	all, err := m.store.ListMemories(ctx, tier, 0)
	if err != nil {
		return nil, err
	}

	var eligible []*models.Memory
	for _, mem := range all {
		if mem.Importance >= cfg.DefaultImportance {
			eligible = append(eligible, mem)
		}
	}
	if len(eligible) < 2 {
		return nil, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > consolidateBatch {
		eligible = eligible[:consolidateBatch]
	}

	var sb strings.Builder
	maxImportance := 0.0
	ids := make([]string, 0, len(eligible))
	for _, mem := range eligible {
		sb.WriteString(mem.Content)
		sb.WriteString("\n")
		if mem.Importance > maxImportance {
			maxImportance = mem.Importance
		}
		ids = append(ids, mem.ID)
	}

	summary, err := summarize(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("consolidation summarizer: %w", err)
	}

	consolidated, err := m.Store(ctx, StoreInput{
		Content:    summary,
		Tier:       tier,
		Importance: &maxImportance,
		Source:     models.SourceInference,
		Tags:       []string{"consolidated"},
		RelatedIDs: ids,
	})
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := m.store.DeleteMemory(ctx, id); err != nil {
			return consolidated, fmt.Errorf("delete consolidated input %s: %w", id, err)
		}
	}
	return consolidated, nil
}

// ContextWindow is the per-tier selection fed to the LLM system prompt.
type ContextWindow struct {
	System2     []*models.Memory `json:"system2"`
	Working     []*models.Memory `json:"working"`
	System1     []*models.Memory `json:"system1"`
	TotalTokens int              `json:"totalTokens"`
}

// BuildContextWindow selects memories per tier greedily by importance,
// stopping at each tier's token budget. Expired memories are elided.
func (m *Manager) BuildContextWindow(ctx context.Context) (*ContextWindow, error) {
	window := &ContextWindow{}
	now := m.now()

	for _, tier := range tierOrder {
		memories, err := m.store.ListMemories(ctx, tier, 0)
		if err != nil {
			return nil, err
		}

		budget := m.tiers[tier].MaxTokens
		used := 0
		var selected []*models.Memory
		for _, mem := range memories {
			if mem.Expired(now) {
				continue
			}
			tokens := EstimateTokens(mem.Content)
			if used+tokens > budget {
				break
			}
			used += tokens
			selected = append(selected, mem)
		}

		switch tier {
		case models.TierSystem2:
			window.System2 = selected
		case models.TierWorking:
			window.Working = selected
		case models.TierSystem1:
			window.System1 = selected
		}
		window.TotalTokens += used
	}
	return window, nil
}

// FormatContextForPrompt renders a context window as a prompt section.
func (m *Manager) FormatContextForPrompt(window *ContextWindow) string {
	if window == nil {
		return ""
	}
	var sb strings.Builder
	writeTier := func(title string, memories []*models.Memory) {
		if len(memories) == 0 {
			return
		}
		sb.WriteString("## " + title + "\n")
		for _, mem := range memories {
			sb.WriteString("- " + mem.Content + "\n")
		}
		sb.WriteString("\n")
	}
	writeTier("Long-term knowledge", window.System2)
	writeTier("Working memory", window.Working)
	writeTier("Recent context", window.System1)
	return strings.TrimRight(sb.String(), "\n")
}

// Autosummarize collapses a tier's oldest low-importance memories until its
// token budget is met. No-op without a summarizer or when under budget.
func (m *Manager) Autosummarize(ctx context.Context, tier models.Tier) error {
	if m.summarizer == nil {
		return nil
	}
	cfg, ok := m.tiers[tier]
	if !ok {
		return fmt.Errorf("unknown memory tier %q", tier)
	}

	memories, err := m.store.ListMemories(ctx, tier, 0)
	if err != nil {
		return err
	}
	total := 0
	for _, mem := range memories {
		total += EstimateTokens(mem.Content)
	}
	if total <= cfg.MaxTokens {
		return nil
	}

	// Oldest, least important first.
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Importance != memories[j].Importance {
			return memories[i].Importance < memories[j].Importance
		}
		return memories[i].CreatedAt.Before(memories[j].CreatedAt)
	})

	var victims []*models.Memory
	reclaimed := 0
	for _, mem := range memories {
		if total-reclaimed <= cfg.MaxTokens {
			break
		}
		victims = append(victims, mem)
		reclaimed += EstimateTokens(mem.Content)
	}
	if len(victims) == 0 {
		return nil
	}

	var sb strings.Builder
	maxImportance := 0.0
	ids := make([]string, 0, len(victims))
	for _, mem := range victims {
		sb.WriteString(mem.Content)
		sb.WriteString("\n")
		if mem.Importance > maxImportance {
			maxImportance = mem.Importance
		}
		ids = append(ids, mem.ID)
	}

	summary, err := m.summarizer(ctx, sb.String())
	if err != nil {
		return fmt.Errorf("autosummarize: %w", err)
	}

	if _, err := m.Store(ctx, StoreInput{
		Content:    summary,
		Tier:       tier,
		Importance: &maxImportance,
		Source:     models.SourceInference,
		Tags:       []string{"summary"},
		RelatedIDs: ids,
	}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.store.DeleteMemory(ctx, id); err != nil {
			return fmt.Errorf("delete summarized memory %s: %w", id, err)
		}
	}
	return nil
}

// TierStats reports a tier's count and estimated token total.
type TierStats struct {
	Count  int `json:"count"`
	Tokens int `json:"tokens"`
}

// Stats is the per-tier aggregate view.
type Stats struct {
	Tiers map[models.Tier]TierStats `json:"tiers"`
	Total TierStats                 `json:"total"`
}

// GetStats computes per-tier counts and token totals with the fixed
// estimator, so they agree with totals computed from the store directly.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Tiers: make(map[models.Tier]TierStats)}
	for _, tier := range tierOrder {
		memories, err := m.store.ListMemories(ctx, tier, 0)
		if err != nil {
			return nil, err
		}
		ts := TierStats{Count: len(memories)}
		for _, mem := range memories {
			ts.Tokens += EstimateTokens(mem.Content)
		}
		stats.Tiers[tier] = ts
		stats.Total.Count += ts.Count
		stats.Total.Tokens += ts.Tokens
	}
	return stats, nil
}

// Delete removes a memory by id. Missing ids are not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteMemory(ctx, id)
}
