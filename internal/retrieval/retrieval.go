// Package retrieval implements session-context assembly and query-time
// retrieval that blends full-text search with importance/recency scoring,
// with an explainable trace of why each memory was included or excluded.
package retrieval

import (
	"math"
	"sort"
	"time"

	"nerdwf/internal/factsstore"
)

// Source tags why a memory appeared in a trace.
type Source string

const (
	SourceFTS        Source = "fts"
	SourceImportance Source = "importance"
	SourceRecency    Source = "recency"
	SourceSemantic   Source = "semantic"
)

// TraceEntry explains one memory's inclusion.
type TraceEntry struct {
	MemoryID    string
	Source      Source
	Score       float64
	Importance  float64
	AccessCount int
	FtsScore    float64
}

// Trace is returned by GetRelevantContextWithTrace.
type Trace struct {
	Entries       []TraceEntry
	Excluded      int
	ExcludedTypes []factsstore.MemoryType
}

// Role gates which memory types a caller may see.
type Role struct {
	Name         string
	AllowedTypes []factsstore.MemoryType
}

func (r Role) allows(t factsstore.MemoryType) bool {
	if len(r.AllowedTypes) == 0 {
		return true
	}
	for _, a := range r.AllowedTypes {
		if a == t {
			return true
		}
	}
	return false
}

// SessionContextOptions configures BuildSessionContext.
type SessionContextOptions struct {
	MaxTokens int
	TopN      int
}

// recencyDecay computes max(0.1, 1 - ageDays/365).
func recencyDecay(createdAt time.Time, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	d := 1 - ageDays/365
	if d < 0.1 {
		return 0.1
	}
	return d
}

func accessBoost(accessCount int) float64 {
	return math.Min(0.2, float64(accessCount)*0.02)
}

func weightedScore(m factsstore.Memory, now time.Time) float64 {
	return m.Importance*recencyDecay(m.CreatedAt, now) + accessBoost(m.AccessCount)
}

// approxTokens estimates token count as chars/4.
func approxTokens(s string) int {
	return len(s) / 4
}

// BuildSessionContext always includes the current user_profile block when
// present, then the most recent daily summary, then top memories by
// weighted score, truncated to respect MaxTokens.
func BuildSessionContext(store *factsstore.Store, opts SessionContextOptions) (string, error) {
	var sb stringsBuilder
	budget := opts.MaxTokens
	if budget <= 0 {
		budget = 1500
	}

	if profile, found, err := store.GetBlock(factsstore.BlockUserProfile); err != nil {
		return "", err
	} else if found {
		sb.addSection("User Profile", profile.Value)
	}

	if summary, found, err := store.LatestDailySummary(); err != nil {
		return "", err
	} else if found {
		sb.addSection("Recent Summary", summary.Content)
	}

	topN := opts.TopN
	if topN <= 0 {
		topN = 10
	}
	memories, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return "", err
	}
	now := time.Now()
	sort.SliceStable(memories, func(i, j int) bool {
		si, sj := weightedScore(memories[i], now), weightedScore(memories[j], now)
		if si != sj {
			return si > sj
		}
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	if len(memories) > topN {
		memories = memories[:topN]
	}
	for _, m := range memories {
		sb.addLine(m.Content)
	}

	return sb.truncate(budget), nil
}

// defaultImportantMemoriesThreshold gates the importance-only candidate
// branch in relevantWithTrace: a memory with no FTS match still qualifies if
// its importance clears this bar, independent of MinScore.
const defaultImportantMemoriesThreshold = 0.7

// RelevantOptions configures GetRelevantContext / GetRelevantContextWithTrace.
type RelevantOptions struct {
	Limit    int
	MinScore float64
	Role     *Role

	// ImportantMemoriesThreshold is the minimum importance a non-FTS-matching
	// memory needs to be considered at all. Zero uses
	// defaultImportantMemoriesThreshold.
	ImportantMemoriesThreshold float64
}

func (o RelevantOptions) importanceThreshold() float64 {
	if o.ImportantMemoriesThreshold > 0 {
		return o.ImportantMemoriesThreshold
	}
	return defaultImportantMemoriesThreshold
}

// scored is an intermediate result before dedup/filter/cap.
type scored struct {
	memory   factsstore.Memory
	score    float64
	source   Source
	ftsScore float64
}

// GetRelevantContext merges FTS hits (when available) with top-importance
// memories, deduplicated by id, filtered by MinScore, and capped at Limit.
func GetRelevantContext(store *factsstore.Store, query string, opts RelevantOptions) ([]factsstore.Memory, error) {
	memories, _, err := relevantWithTrace(store, query, opts)
	if err != nil {
		return nil, err
	}
	out := make([]factsstore.Memory, 0, len(memories))
	for _, s := range memories {
		out = append(out, s.memory)
	}
	return out, nil
}

// GetRelevantContextWithTrace additionally reports a Trace with per-memory
// reasons and role-based exclusion counts.
func GetRelevantContextWithTrace(store *factsstore.Store, query string, opts RelevantOptions) ([]factsstore.Memory, Trace, error) {
	results, trace, err := relevantWithTrace(store, query, opts)
	if err != nil {
		return nil, Trace{}, err
	}
	out := make([]factsstore.Memory, 0, len(results))
	for _, s := range results {
		out = append(out, s.memory)
	}
	return out, trace, nil
}

func relevantWithTrace(store *factsstore.Store, query string, opts RelevantOptions) ([]scored, Trace, error) {
	now := time.Now()
	seen := make(map[string]bool)
	var candidates []scored

	if ftsMatches, err := store.SearchFts(query, 50); err != nil {
		return nil, Trace{}, err
	} else {
		for _, fm := range ftsMatches {
			candidates = append(candidates, scored{memory: fm.Memory, score: fm.Score + weightedScore(fm.Memory, now), source: SourceFTS, ftsScore: fm.Score})
			seen[fm.Memory.ID] = true
		}
	}

	top, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return nil, Trace{}, err
	}
	sort.SliceStable(top, func(i, j int) bool {
		si, sj := weightedScore(top[i], now), weightedScore(top[j], now)
		if si != sj {
			return si > sj
		}
		return top[i].CreatedAt.After(top[j].CreatedAt)
	})
	importanceFloor := opts.importanceThreshold()
	for _, m := range top {
		if seen[m.ID] {
			continue
		}
		if m.Importance < importanceFloor {
			continue
		}
		candidates = append(candidates, scored{memory: m, score: weightedScore(m, now), source: SourceImportance})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].memory.CreatedAt.After(candidates[j].memory.CreatedAt)
	})

	trace := Trace{}
	excludedTypeSet := make(map[factsstore.MemoryType]bool)
	var filtered []scored
	for _, c := range candidates {
		if c.score < opts.MinScore {
			continue
		}
		if opts.Role != nil && !opts.Role.allows(c.memory.Type) {
			trace.Excluded++
			excludedTypeSet[c.memory.Type] = true
			continue
		}
		filtered = append(filtered, c)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	for _, c := range filtered {
		trace.Entries = append(trace.Entries, TraceEntry{
			MemoryID:    c.memory.ID,
			Source:      c.source,
			Score:       c.score,
			Importance:  c.memory.Importance,
			AccessCount: c.memory.AccessCount,
			FtsScore:    c.ftsScore,
		})
	}
	for t := range excludedTypeSet {
		trace.ExcludedTypes = append(trace.ExcludedTypes, t)
	}
	sort.Slice(trace.ExcludedTypes, func(i, j int) bool { return trace.ExcludedTypes[i] < trace.ExcludedTypes[j] })

	return filtered, trace, nil
}

// stringsBuilder accumulates section text and truncates to a token budget.
type stringsBuilder struct {
	parts []string
}

func (b *stringsBuilder) addSection(title, content string) {
	b.parts = append(b.parts, "## "+title+"\n"+content)
}

func (b *stringsBuilder) addLine(line string) {
	b.parts = append(b.parts, "- "+line)
}

func (b *stringsBuilder) truncate(maxTokens int) string {
	out := ""
	for i, p := range b.parts {
		sep := ""
		if i > 0 {
			sep = "\n\n"
		}
		candidate := out + sep + p
		if approxTokens(candidate) > maxTokens {
			cutoff := maxTokens * 4
			if cutoff > len(candidate) {
				cutoff = len(candidate)
			}
			if cutoff > len(out) {
				out = candidate[:cutoff]
			}
			break
		}
		out = candidate
	}
	return out
}
