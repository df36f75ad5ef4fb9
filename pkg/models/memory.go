// Package models defines the persistent entities shared across the daemon.
package models

import "time"

// Tier identifies one of the three memory partitions.
type Tier string

const (
	// TierSystem2 holds long-horizon memories with slow decay.
	TierSystem2 Tier = "system2"

	// TierWorking holds the active working set.
	TierWorking Tier = "working"

	// TierSystem1 holds short-term, fast-decaying memories.
	TierSystem1 Tier = "system1"
)

// ValidTier reports whether t is one of the three known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierSystem2, TierWorking, TierSystem1:
		return true
	}
	return false
}

// MemorySource identifies what created a memory.
type MemorySource string

const (
	SourceUser      MemorySource = "user"
	SourceAgent     MemorySource = "agent"
	SourceTool      MemorySource = "tool"
	SourceInference MemorySource = "inference"
)

// Memory is a single entry in the tiered memory store.
type Memory struct {
	ID             string       `json:"id"`
	Tier           Tier         `json:"tier"`
	Content        string       `json:"content"`
	Summary        string       `json:"summary,omitempty"`
	Embedding      []float32    `json:"embedding,omitempty"`
	Importance     float64      `json:"importance"`
	AccessCount    int          `json:"accessCount"`
	DecayRate      float64      `json:"decayRate"`
	Source         MemorySource `json:"source"`
	Tags           []string     `json:"tags,omitempty"`
	RelatedIDs     []string     `json:"relatedIds,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	LastAccessedAt time.Time    `json:"lastAccessedAt"`
	ExpiresAt      *time.Time   `json:"expiresAt,omitempty"`
}

// Expired reports whether the memory has an expiry in the past.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// MemorySearchResult pairs a memory with its similarity score in [0,1].
type MemorySearchResult struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}
