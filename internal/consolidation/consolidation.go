// Package consolidation implements daily/weekly summary generation and
// pruning, with a deterministic digest fallback and an optional delegate
// for narrative summaries.
package consolidation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nerdwf/internal/errs"
	"nerdwf/internal/factsstore"
	"nerdwf/internal/logging"
)

// Summarizer delegates to an external LLM for narrative summaries. Returning
// a non-nil error makes the caller use the deterministic digest instead.
type Summarizer interface {
	Summarize(memories []factsstore.Memory) (summary string, keyDecisions []string, entities []string, err error)
}

// GenerateDailySummary selects memories created on date (YYYY-MM-DD),
// summarizes them (via llm if supplied, else a deterministic digest),
// persists to the store, and optionally writes a markdown file. Returns
// (zero, false, nil) when no memories exist for the date.
func GenerateDailySummary(store *factsstore.Store, date string, llm Summarizer, markdownDir string) (factsstore.DailySummary, bool, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return factsstore.DailySummary{}, false, &errs.ValidationError{Field: "date", Message: "must be YYYY-MM-DD"}
	}

	all, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return factsstore.DailySummary{}, false, err
	}
	var dayMemories []factsstore.Memory
	for _, m := range all {
		if sameDate(m.CreatedAt, day) {
			dayMemories = append(dayMemories, m)
		}
	}
	if len(dayMemories) == 0 {
		return factsstore.DailySummary{}, false, nil
	}
	sort.SliceStable(dayMemories, func(i, j int) bool { return dayMemories[i].CreatedAt.Before(dayMemories[j].CreatedAt) })

	var content string
	var keyDecisions, entities []string
	if llm != nil {
		content, keyDecisions, entities, err = llm.Summarize(dayMemories)
		if err != nil {
			logging.Consolidation("llm summarizer failed for %s, falling back to deterministic digest: %v", date, err)
			content = deterministicDigest(dayMemories)
		}
	} else {
		content = deterministicDigest(dayMemories)
	}

	ds := factsstore.DailySummary{
		Date:              date,
		Content:           content,
		KeyDecisions:      keyDecisions,
		MentionedEntities: entities,
		GeneratedAt:       time.Now(),
	}
	if err := store.SaveDailySummary(ds); err != nil {
		return factsstore.DailySummary{}, false, err
	}

	if markdownDir != "" {
		if err := writeMarkdown(filepath.Join(markdownDir, "daily", date+".md"), content); err != nil {
			logging.Consolidation("failed to write daily markdown for %s: %v", date, err)
		}
	}
	logging.Consolidation("generated daily summary for %s covering %d memories", date, len(dayMemories))
	return ds, true, nil
}

func deterministicDigest(memories []factsstore.Memory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d memories recorded:\n", len(memories))
	for _, m := range memories {
		fmt.Fprintf(&sb, "- [%s] %s\n", m.Type, m.Content)
	}
	return sb.String()
}

func sameDate(t, day time.Time) bool {
	return t.Year() == day.Year() && t.Month() == day.Month() && t.Day() == day.Day()
}

// GenerateWeeklySummary aggregates the last 7 daily summaries ending on
// weekEnd into a week identified by ISO YYYY-Www.
func GenerateWeeklySummary(store *factsstore.Store, weekEnd time.Time, markdownDir string) (factsstore.WeeklySummary, bool, error) {
	var dailies []factsstore.DailySummary
	for i := 0; i < 7; i++ {
		d := weekEnd.AddDate(0, 0, -i)
		ds, found, err := store.GetDailySummary(d.Format("2006-01-02"))
		if err != nil {
			return factsstore.WeeklySummary{}, false, err
		}
		if found {
			dailies = append(dailies, ds)
		}
	}
	if len(dailies) == 0 {
		return factsstore.WeeklySummary{}, false, nil
	}
	sort.SliceStable(dailies, func(i, j int) bool { return dailies[i].Date < dailies[j].Date })

	year, week := weekEnd.ISOWeek()
	weekID := fmt.Sprintf("%d-W%02d", year, week)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Week %s summary (%d daily summaries):\n", weekID, len(dailies))
	for _, d := range dailies {
		fmt.Fprintf(&sb, "\n## %s\n%s\n", d.Date, d.Content)
	}

	ws := factsstore.WeeklySummary{Week: weekID, Content: sb.String(), GeneratedAt: time.Now()}
	if err := store.SaveWeeklySummary(ws); err != nil {
		return factsstore.WeeklySummary{}, false, err
	}

	if markdownDir != "" {
		if err := writeMarkdown(filepath.Join(markdownDir, "weekly", weekID+".md"), ws.Content); err != nil {
			logging.Consolidation("failed to write weekly markdown for %s: %v", weekID, err)
		}
	}
	logging.Consolidation("generated weekly summary %s from %d daily summaries", weekID, len(dailies))
	return ws, true, nil
}

func writeMarkdown(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &errs.IOError{Op: "mkdir", Path: filepath.Dir(path), Cause: err}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &errs.IOError{Op: "write", Path: path, Cause: err}
	}
	return nil
}

// PruneResult reports what PruneMemories did.
type PruneResult struct {
	Expired    int
	Deleted    int
	BytesFreed int64
}

// PruneMemories deletes expired rows and low-value rows past maxAgeDays,
// never touching importance>=0.7 rows unless expired.
func PruneMemories(store *factsstore.Store, maxAgeDays int, now time.Time) (PruneResult, error) {
	all, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return PruneResult{}, err
	}

	superseded := make(map[string]bool)
	for _, m := range all {
		if m.Supersedes != nil {
			superseded[*m.Supersedes] = true
		}
	}

	var expiredIDs, lowValueIDs []string
	var bytesFreed int64
	for _, m := range all {
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			expiredIDs = append(expiredIDs, m.ID)
			bytesFreed += int64(len(m.Content))
			continue
		}
		if m.Importance >= 0.7 {
			continue
		}
		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		if ageDays > float64(maxAgeDays) && m.Importance < 0.3 && m.AccessCount == 0 && !superseded[m.ID] {
			lowValueIDs = append(lowValueIDs, m.ID)
			bytesFreed += int64(len(m.Content))
		}
	}

	toDelete := append(append([]string{}, expiredIDs...), lowValueIDs...)
	deleted, err := store.DeleteMemoriesByIDs(toDelete)
	if err != nil {
		return PruneResult{}, err
	}

	result := PruneResult{Expired: len(expiredIDs), Deleted: int(deleted), BytesFreed: bytesFreed}
	logging.Consolidation("pruned %d expired, %d total deleted, %d bytes freed", result.Expired, result.Deleted, result.BytesFreed)
	return result, nil
}

// RunConsolidation composes daily summary generation plus pruning. Weekly
// summary only runs on ISO week boundaries (Sunday, per the scheduler's
// default cron).
func RunConsolidation(store *factsstore.Store, now time.Time, maxAgeDays int, markdownDir string) (factsstore.DailySummary, PruneResult, error) {
	daily, _, err := GenerateDailySummary(store, now.Format("2006-01-02"), nil, markdownDir)
	if err != nil {
		return factsstore.DailySummary{}, PruneResult{}, err
	}

	pruneResult, err := PruneMemories(store, maxAgeDays, now)
	if err != nil {
		return daily, PruneResult{}, err
	}

	if now.Weekday() == time.Sunday {
		if _, _, err := GenerateWeeklySummary(store, now, markdownDir); err != nil {
			logging.Consolidation("weekly summary generation failed: %v", err)
		}
	}

	return daily, pruneResult, nil
}
