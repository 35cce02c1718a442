// Package factsstore implements a SQLite-backed table set for memories,
// blocks, and daily/weekly summaries, with a best-effort full-text index.
package factsstore

import "time"

// MemoryType enumerates the closed set of memory kinds.
type MemoryType string

const (
	TypeFact       MemoryType = "fact"
	TypePreference MemoryType = "preference"
	TypeDecision   MemoryType = "decision"
	TypeEvent      MemoryType = "event"
	TypeTodo       MemoryType = "todo"
)

// Source tags how a memory entered the store.
type Source string

const (
	SourceExplicit     Source = "explicit"
	SourceInferred     Source = "inferred"
	SourceConversation Source = "conversation"
)

// Memory is one row of the memories table.
type Memory struct {
	ID             string     `json:"id"`
	Type           MemoryType `json:"type"`
	Content        string     `json:"content"`
	Source         Source     `json:"source"`
	Importance     float64    `json:"importance"`
	Confidence     float64    `json:"confidence"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	AccessCount    int        `json:"accessCount"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Supersedes     *string    `json:"supersedes,omitempty"`
	SupersededBy   *string    `json:"supersededBy,omitempty"`
	Embedding      []byte     `json:"embedding,omitempty"`
}

// BlockLabel enumerates the closed set of memory-block labels.
type BlockLabel string

const (
	BlockPersona       BlockLabel = "persona"
	BlockUserProfile   BlockLabel = "user_profile"
	BlockActiveContext BlockLabel = "active_context"
)

// Block is one row of the memory_blocks table; at most one per label.
type Block struct {
	Label     BlockLabel `json:"label"`
	Value     string     `json:"value"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// DailySummary is one row of daily_summaries, keyed by date (YYYY-MM-DD).
type DailySummary struct {
	Date              string    `json:"date"`
	Content           string    `json:"content"`
	KeyDecisions      []string  `json:"keyDecisions,omitempty"`
	MentionedEntities []string  `json:"mentionedEntities,omitempty"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// WeeklySummary is one row of weekly_summaries, keyed by ISO week (YYYY-Www).
type WeeklySummary struct {
	Week        string    `json:"week"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// ListOptions filters and orders a List call.
type ListOptions struct {
	Type  MemoryType // empty = no filter
	Limit int        // 0 = no limit
}

// Patch is a partial update for Update; nil fields are left unchanged.
type Patch struct {
	Content    *string
	Importance *float64
	Confidence *float64
	Tags       []string
	ExpiresAt  *time.Time
}
