package consolidation

import (
	"path/filepath"
	"testing"
	"time"

	"nerdwf/internal/factsstore"
)

func newTestStore(t *testing.T) *factsstore.Store {
	t.Helper()
	s, err := factsstore.Open(filepath.Join(t.TempDir(), "facts.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGenerateDailySummaryReturnsFalseWhenNoMemories(t *testing.T) {
	s := newTestStore(t)
	_, found, err := GenerateDailySummary(s, "2026-07-30", nil, "")
	if err != nil {
		t.Fatalf("GenerateDailySummary: %v", err)
	}
	if found {
		t.Fatal("expected no summary for empty day")
	}
}

func TestGenerateDailySummaryDeterministicDigest(t *testing.T) {
	s := newTestStore(t)
	today := time.Now()
	if _, err := s.Add(factsstore.Memory{ID: "m1", Type: factsstore.TypeFact, Content: "learned go", CreatedAt: today}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ds, found, err := GenerateDailySummary(s, today.Format("2006-01-02"), nil, "")
	if err != nil {
		t.Fatalf("GenerateDailySummary: %v", err)
	}
	if !found {
		t.Fatal("expected summary to be generated")
	}
	if !contains(ds.Content, "learned go") {
		t.Fatalf("expected digest to mention memory content, got: %s", ds.Content)
	}

	again, found, err := s.GetDailySummary(today.Format("2006-01-02"))
	if err != nil {
		t.Fatalf("GetDailySummary: %v", err)
	}
	if !found || again.Content != ds.Content {
		t.Fatalf("expected persisted summary to match returned summary")
	}
}

func TestGenerateDailySummaryRejectsBadDate(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := GenerateDailySummary(s, "not-a-date", nil, ""); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestGenerateWeeklySummaryAggregatesDailySummaries(t *testing.T) {
	s := newTestStore(t)
	end := time.Date(2026, 7, 26, 0, 0, 0, 0, time.UTC) // a Sunday
	for i := 0; i < 3; i++ {
		d := end.AddDate(0, 0, -i)
		if err := s.SaveDailySummary(factsstore.DailySummary{Date: d.Format("2006-01-02"), Content: "day " + d.Format("2006-01-02")}); err != nil {
			t.Fatalf("SaveDailySummary: %v", err)
		}
	}
	ws, found, err := GenerateWeeklySummary(s, end, "")
	if err != nil {
		t.Fatalf("GenerateWeeklySummary: %v", err)
	}
	if !found {
		t.Fatal("expected weekly summary to be generated")
	}
	if !contains(ws.Content, "day "+end.Format("2006-01-02")) {
		t.Fatalf("expected weekly summary to include daily content, got: %s", ws.Content)
	}
}

func TestGenerateWeeklySummaryReturnsFalseWhenNoDailies(t *testing.T) {
	s := newTestStore(t)
	_, found, err := GenerateWeeklySummary(s, time.Now(), "")
	if err != nil {
		t.Fatalf("GenerateWeeklySummary: %v", err)
	}
	if found {
		t.Fatal("expected no weekly summary without any dailies")
	}
}

func TestPruneMemoriesDeletesExpiredRegardlessOfImportance(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	if _, err := s.Add(factsstore.Memory{ID: "m1", Type: factsstore.TypeTodo, Content: "x", Importance: 0.9, ExpiresAt: &past}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	result, err := PruneMemories(s, 30, time.Now())
	if err != nil {
		t.Fatalf("PruneMemories: %v", err)
	}
	if result.Expired != 1 || result.Deleted != 1 {
		t.Fatalf("expected 1 expired/deleted, got %+v", result)
	}
}

func TestPruneMemoriesNeverPrunesHighImportanceUnlessExpired(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().AddDate(0, 0, -400)
	if _, err := s.Add(factsstore.Memory{ID: "m1", Type: factsstore.TypeFact, Content: "important", Importance: 0.9, CreatedAt: old}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	result, err := PruneMemories(s, 30, time.Now())
	if err != nil {
		t.Fatalf("PruneMemories: %v", err)
	}
	if result.Deleted != 0 {
		t.Fatalf("expected high-importance memory to survive, got deleted=%d", result.Deleted)
	}
}

func TestPruneMemoriesDeletesLowValueStaleUnaccessed(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().AddDate(0, 0, -60)
	if _, err := s.Add(factsstore.Memory{ID: "m1", Type: factsstore.TypeFact, Content: "stale", Importance: 0.1, CreatedAt: old}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	result, err := PruneMemories(s, 30, time.Now())
	if err != nil {
		t.Fatalf("PruneMemories: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected stale low-value memory to be pruned, got %+v", result)
	}
}

func TestPruneMemoriesSkipsAccessedMemories(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().AddDate(0, 0, -60)
	if _, err := s.Add(factsstore.Memory{ID: "m1", Type: factsstore.TypeFact, Content: "stale but read", Importance: 0.1, CreatedAt: old}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, err := s.Get("m1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	result, err := PruneMemories(s, 30, time.Now())
	if err != nil {
		t.Fatalf("PruneMemories: %v", err)
	}
	if result.Deleted != 0 {
		t.Fatalf("expected accessed memory to survive pruning, got deleted=%d", result.Deleted)
	}
}

func TestRunConsolidationGeneratesDailyAndPrunes(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	if _, err := s.Add(factsstore.Memory{ID: "m1", Type: factsstore.TypeFact, Content: "today's work", CreatedAt: now}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	daily, prune, err := RunConsolidation(s, now, 30, "")
	if err != nil {
		t.Fatalf("RunConsolidation: %v", err)
	}
	if daily.Date != now.Format("2006-01-02") {
		t.Fatalf("expected daily summary for today, got %+v", daily)
	}
	if prune.Deleted != 0 {
		t.Fatalf("expected nothing pruned on a fresh store, got %+v", prune)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
