package persistence

import (
	"sort"
	"sync"
	"time"
)

// IndexEntry is the lightweight summary RunIndex caches per run, enough to
// answer "workflow list" without decoding the full Run state.
type IndexEntry struct {
	RunID     string
	Status    string
	CreatedAt time.Time
}

type indexedRun struct {
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunIndex is an in-memory cache of {runID, status, createdAt} rebuilt from
// run.json on process start, so repeated "workflow list"/"status" calls
// don't each re-walk and re-decode every run directory. It is additive: the
// canonical state still lives in run.json, and Rebuild always wins over a
// stale cache.
type RunIndex struct {
	store *Store

	mu      sync.RWMutex
	entries map[string]IndexEntry
}

// NewRunIndex creates an empty index bound to store. Call Rebuild to
// populate it.
func NewRunIndex(store *Store) *RunIndex {
	return &RunIndex{store: store, entries: make(map[string]IndexEntry)}
}

// Rebuild re-scans every run directory under the store's root and replaces
// the cached entries. Runs whose run.json is missing or unreadable are
// skipped rather than failing the whole rebuild.
func (idx *RunIndex) Rebuild() error {
	ids, err := idx.store.ListRunIDs()
	if err != nil {
		return err
	}
	fresh := make(map[string]IndexEntry, len(ids))
	for _, id := range ids {
		var r indexedRun
		found, err := idx.store.LoadRunState(id, &r)
		if err != nil || !found {
			continue
		}
		fresh[id] = IndexEntry{RunID: id, Status: r.Status, CreatedAt: r.CreatedAt}
	}
	idx.mu.Lock()
	idx.entries = fresh
	idx.mu.Unlock()
	return nil
}

// Update refreshes a single run's cached entry. SaveRunState does not call
// it; the index changes only through Update, Remove and Rebuild.
func (idx *RunIndex) Update(runID, status string, createdAt time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[runID] = IndexEntry{RunID: runID, Status: status, CreatedAt: createdAt}
}

// Remove drops a run from the cache. DeleteRun does not call it.
func (idx *RunIndex) Remove(runID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, runID)
}

// Snapshot returns all cached entries sorted newest-first by CreatedAt.
func (idx *RunIndex) Snapshot() []IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]IndexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
