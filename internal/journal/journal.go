// Package journal is the append-only, typed event log with session
// grouping and narrative formatting.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kronklabs/kronk/internal/bus"
	"github.com/kronklabs/kronk/internal/memory"
	"github.com/kronklabs/kronk/internal/memory/embeddings"
	"github.com/kronklabs/kronk/internal/store"
	"github.com/kronklabs/kronk/pkg/models"
)

// Journal appends typed entries and tracks the current session.
type Journal struct {
	store    *store.Store
	embedder embeddings.Provider
	events   *bus.Bus
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessionID string
}

// Option configures a Journal.
type Option func(*Journal)

// WithEmbedder attaches an embedding provider for semantic journal search.
func WithEmbedder(p embeddings.Provider) Option {
	return func(j *Journal) { j.embedder = p }
}

// WithEvents attaches the event bus.
func WithEvents(b *bus.Bus) Option {
	return func(j *Journal) { j.events = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New returns a journal over the given store.
func New(s *store.Store, opts ...Option) *Journal {
	j := &Journal{
		store:  s,
		logger: slog.Default().With("component", "journal"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EntryInput carries the optional fields of a journal append.
type EntryInput struct {
	ParentID   string
	ToolID     string
	MemoryIDs  []string
	Input      map[string]any
	Output     map[string]any
	DurationMs int64
	TokensUsed int
	Confidence float64
	Metadata   map[string]any
}

// Log appends an entry of the given type. The current session id, if any,
// is attached automatically.
func (j *Journal) Log(ctx context.Context, entryType models.EntryType, content string, input *EntryInput) (*models.JournalEntry, error) {
	if !models.ValidEntryType(entryType) {
		return nil, fmt.Errorf("unknown journal entry type %q", entryType)
	}
	if content == "" {
		return nil, fmt.Errorf("journal entry content is empty")
	}

	entry := &models.JournalEntry{
		ID:        models.NewID(),
		EntryType: entryType,
		Content:   content,
		SessionID: j.CurrentSessionID(),
		CreatedAt: j.now().Truncate(time.Second),
	}
	if input != nil {
		entry.ParentID = input.ParentID
		entry.ToolID = input.ToolID
		entry.MemoryIDs = input.MemoryIDs
		entry.Input = input.Input
		entry.Output = input.Output
		entry.DurationMs = input.DurationMs
		entry.TokensUsed = input.TokensUsed
		entry.Confidence = input.Confidence
		entry.Metadata = input.Metadata
	}

	if j.embedder != nil && j.store.VectorEnabled() {
		emb, err := j.embedder.Embed(ctx, content)
		if err != nil {
			j.logger.Warn("journal embedding failed", "error", err)
		} else {
			entry.Embedding = emb
		}
	}

	if err := j.store.AppendJournalEntry(ctx, entry); err != nil {
		return nil, err
	}
	if j.events != nil {
		j.events.Publish("journal:entry", map[string]any{
			"entryId":   entry.ID,
			"entryType": string(entry.EntryType),
		})
	}
	return entry, nil
}

// Typed helpers.

func (j *Journal) Thought(ctx context.Context, content string) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryThought, content, nil)
}

func (j *Journal) Action(ctx context.Context, content string, input *EntryInput) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryAction, content, input)
}

func (j *Journal) Observation(ctx context.Context, content string, input *EntryInput) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryObservation, content, input)
}

func (j *Journal) Reflection(ctx context.Context, content string) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryReflection, content, nil)
}

func (j *Journal) Decision(ctx context.Context, content string) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryDecision, content, nil)
}

func (j *Journal) Error(ctx context.Context, content string) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryError, content, nil)
}

func (j *Journal) Milestone(ctx context.Context, content string) (*models.JournalEntry, error) {
	return j.Log(ctx, models.EntryMilestone, content, nil)
}

// StartSession creates an active session and makes it current. Subsequent
// entries inherit its id until EndSession.
func (j *Journal) StartSession(ctx context.Context, goal string) (*models.Session, error) {
	sess := &models.Session{
		ID:        models.NewID(),
		Status:    models.SessionActive,
		Goal:      goal,
		StartedAt: j.now().Truncate(time.Second),
	}
	if err := j.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	j.mu.Lock()
	j.sessionID = sess.ID
	j.mu.Unlock()

	if j.events != nil {
		j.events.Publish("session:start", map[string]any{"sessionId": sess.ID, "goal": goal})
	}
	return sess, nil
}

// EndSession closes the current session with the given status.
func (j *Journal) EndSession(ctx context.Context, status models.SessionStatus) error {
	j.mu.Lock()
	id := j.sessionID
	j.sessionID = ""
	j.mu.Unlock()
	if id == "" {
		return nil
	}

	sess, err := j.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	ended := j.now().Truncate(time.Second)
	sess.Status = status
	sess.EndedAt = &ended
	if err := j.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	if j.events != nil {
		j.events.Publish("session:end", map[string]any{"sessionId": id, "status": string(status)})
	}
	return nil
}

// CurrentSessionID returns the active session id, or "".
func (j *Journal) CurrentSessionID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

// GetRecent returns the newest n entries, newest first.
func (j *Journal) GetRecent(ctx context.Context, n int) ([]*models.JournalEntry, error) {
	return j.store.RecentJournalEntries(ctx, n)
}

// GetByType returns the newest n entries of one type.
func (j *Journal) GetByType(ctx context.Context, entryType models.EntryType, n int) ([]*models.JournalEntry, error) {
	if !models.ValidEntryType(entryType) {
		return nil, fmt.Errorf("unknown journal entry type %q", entryType)
	}
	return j.store.JournalEntriesByType(ctx, entryType, n)
}

// Search finds entries semantically when possible, by content otherwise.
func (j *Journal) Search(ctx context.Context, query string, limit int) ([]*models.JournalEntry, error) {
	if j.embedder != nil && j.store.VectorEnabled() {
		emb, err := j.embedder.Embed(ctx, query)
		if err == nil {
			entries, err := j.store.SearchJournalByVector(ctx, emb, 0.3, limit)
			if err == nil {
				return entries, nil
			}
			j.logger.Warn("journal vector search failed, falling back", "error", err)
		}
	}
	return j.store.SearchJournalByContent(ctx, query, limit)
}

// FormatAsNarrative renders the last n entries chronologically with typed
// prefixes.
func (j *Journal) FormatAsNarrative(ctx context.Context, n int) (string, error) {
	entries, err := j.store.RecentJournalEntries(ctx, n)
	if err != nil {
		return "", err
	}
	// RecentJournalEntries is newest first; a narrative reads oldest first.
	var sb strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			strings.ToUpper(string(e.EntryType)),
			e.Content))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Reflect summarizes the recent narrative, writes the result as a
// reflection entry, and stores it as a working-tier memory.
func (j *Journal) Reflect(ctx context.Context, mem *memory.Manager, summarize memory.Summarizer, window int) (*models.JournalEntry, error) {
	if summarize == nil {
		return nil, fmt.Errorf("no summarizer available")
	}
	if window <= 0 {
		window = 20
	}
	narrative, err := j.FormatAsNarrative(ctx, window)
	if err != nil {
		return nil, err
	}
	if narrative == "" {
		return nil, fmt.Errorf("nothing to reflect on")
	}

	reflection, err := summarize(ctx, narrative)
	if err != nil {
		return nil, fmt.Errorf("reflection summarizer: %w", err)
	}

	entry, err := j.Reflection(ctx, reflection)
	if err != nil {
		return nil, err
	}
	if mem != nil {
		if _, err := mem.Store(ctx, memory.StoreInput{
			Content: reflection,
			Tier:    models.TierWorking,
			Source:  models.SourceInference,
			Tags:    []string{"reflection"},
		}); err != nil {
			return entry, err
		}
	}
	return entry, nil
}
