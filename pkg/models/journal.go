package models

import "time"

// EntryType classifies a journal entry.
type EntryType string

const (
	EntryThought     EntryType = "thought"
	EntryAction      EntryType = "action"
	EntryObservation EntryType = "observation"
	EntryReflection  EntryType = "reflection"
	EntryDecision    EntryType = "decision"
	EntryError       EntryType = "error"
	EntryMilestone   EntryType = "milestone"
)

// ValidEntryType reports whether t is a known journal entry type.
func ValidEntryType(t EntryType) bool {
	switch t {
	case EntryThought, EntryAction, EntryObservation, EntryReflection,
		EntryDecision, EntryError, EntryMilestone:
		return true
	}
	return false
}

// JournalEntry is one append-only record in the chronological journal.
type JournalEntry struct {
	ID         string         `json:"id"`
	EntryType  EntryType      `json:"entryType"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	ParentID   string         `json:"parentId,omitempty"`
	ToolID     string         `json:"toolId,omitempty"`
	MemoryIDs  []string       `json:"memoryIds,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	TokensUsed int            `json:"tokensUsed,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session groups a run's journal entries.
type Session struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Status    SessionStatus  `json:"status"`
	Goal      string         `json:"goal"`
	Context   map[string]any `json:"context,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}
