// Package export implements JSONL export/import and repair for the facts
// store: a streaming line-kind discriminator for memories, blocks, and
// summaries, with merge/replace import modes and an integrity-check +
// vacuum repair pass.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"nerdwf/internal/factsstore"
	"nerdwf/internal/logging"
)

// Kind discriminates a JSONL export line.
type Kind string

const (
	KindMemory  Kind = "memory"
	KindBlock   Kind = "block"
	KindSummary Kind = "summary"
)

// Line is one row of an export file.
type Line struct {
	Kind   Kind                      `json:"kind"`
	Memory *factsstore.Memory        `json:"memory,omitempty"`
	Block  *factsstore.Block         `json:"block,omitempty"`
	Daily  *factsstore.DailySummary  `json:"daily,omitempty"`
	Weekly *factsstore.WeeklySummary `json:"weekly,omitempty"`
}

// Role gates whether redaction is forced regardless of the Redact option.
type Role struct {
	Name             string
	CanSeeUnredacted bool
}

// Options configures Export.
type Options struct {
	Redact       bool
	ExcludeTypes []factsstore.MemoryType
	Role         *Role
}

func (o Options) effectiveRedact() bool {
	if o.Role != nil && !o.Role.CanSeeUnredacted {
		return true
	}
	return o.Redact
}

func (o Options) excluded(t factsstore.MemoryType) bool {
	for _, ex := range o.ExcludeTypes {
		if ex == t {
			return true
		}
	}
	return false
}

// redactionPatterns is the default pattern set: API key,
// bearer token, email, phone, SSH key header, AWS key, GitHub PAT.
var redactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key["':= ]+[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\+?\d{1,3}[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
}

const redactedPlaceholder = "[REDACTED]"

func redact(s string) string {
	for _, pattern := range redactionPatterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// Export writes every memory, block, and summary as JSONL lines, honoring
// redaction and type exclusion.
func Export(store *factsstore.Store, w io.Writer, opts Options) (int, error) {
	enc := json.NewEncoder(w)
	count := 0

	memories, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return count, err
	}
	redactNow := opts.effectiveRedact()
	for _, m := range memories {
		if opts.excluded(m.Type) {
			continue
		}
		if redactNow {
			m.Content = redact(m.Content)
		}
		if err := enc.Encode(Line{Kind: KindMemory, Memory: &m}); err != nil {
			return count, err
		}
		count++
	}

	blocks, err := store.ListBlocks()
	if err != nil {
		return count, err
	}
	for _, b := range blocks {
		if redactNow {
			b.Value = redact(b.Value)
		}
		if err := enc.Encode(Line{Kind: KindBlock, Block: &b}); err != nil {
			return count, err
		}
		count++
	}

	dailies, err := store.ListDailySummaries()
	if err != nil {
		return count, err
	}
	for _, d := range dailies {
		if redactNow {
			d.Content = redact(d.Content)
		}
		if err := enc.Encode(Line{Kind: KindSummary, Daily: &d}); err != nil {
			return count, err
		}
		count++
	}

	weeklies, err := store.ListWeeklySummaries()
	if err != nil {
		return count, err
	}
	for _, w := range weeklies {
		if redactNow {
			w.Content = redact(w.Content)
		}
		if err := enc.Encode(Line{Kind: KindSummary, Weekly: &w}); err != nil {
			return count, err
		}
		count++
	}

	logging.Export("exported %d lines (redact=%v)", count, redactNow)
	return count, nil
}

// ImportMode selects merge or replace semantics.
type ImportMode string

const (
	ImportMerge   ImportMode = "merge"
	ImportReplace ImportMode = "replace"
)

// ImportResult reports what Import did.
type ImportResult struct {
	MemoriesImported  int
	MemoriesSkipped   int
	BlocksImported    int
	SummariesImported int
}

// Import reads JSONL lines from r and applies them per mode. merge upserts
// by id, skipping rows whose existing timestamp is equal or newer; replace
// transactionally deletes all memories before inserting the imported set.
func Import(store *factsstore.Store, r io.Reader, mode ImportMode, dryRun bool) (ImportResult, error) {
	var lines []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return ImportResult{}, fmt.Errorf("parse export line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	if mode == ImportReplace {
		return importReplace(store, lines, dryRun)
	}
	return importMerge(store, lines, dryRun, result)
}

func importReplace(store *factsstore.Store, lines []Line, dryRun bool) (ImportResult, error) {
	var result ImportResult
	var memories []factsstore.Memory
	for _, l := range lines {
		switch l.Kind {
		case KindMemory:
			if l.Memory != nil {
				memories = append(memories, *l.Memory)
			}
		case KindBlock:
			if l.Block != nil {
				result.BlocksImported++
				if !dryRun {
					if err := store.UpsertBlock(*l.Block); err != nil {
						return result, err
					}
				}
			}
		case KindSummary:
			if err := importSummary(store, l, dryRun); err != nil {
				return result, err
			}
			result.SummariesImported++
		}
	}
	result.MemoriesImported = len(memories)
	if !dryRun {
		if err := store.ReplaceAllMemories(memories); err != nil {
			return result, err
		}
	}
	logging.Export("imported (replace) %d memories, %d blocks, %d summaries (dryRun=%v)",
		result.MemoriesImported, result.BlocksImported, result.SummariesImported, dryRun)
	return result, nil
}

func importMerge(store *factsstore.Store, lines []Line, dryRun bool, result ImportResult) (ImportResult, error) {
	for _, l := range lines {
		switch l.Kind {
		case KindMemory:
			if l.Memory == nil {
				continue
			}
			skip, err := mergeMemory(store, *l.Memory, dryRun)
			if err != nil {
				return result, err
			}
			if skip {
				result.MemoriesSkipped++
			} else {
				result.MemoriesImported++
			}
		case KindBlock:
			if l.Block != nil {
				result.BlocksImported++
				if !dryRun {
					if err := store.UpsertBlock(*l.Block); err != nil {
						return result, err
					}
				}
			}
		case KindSummary:
			if err := importSummary(store, l, dryRun); err != nil {
				return result, err
			}
			result.SummariesImported++
		}
	}
	logging.Export("imported (merge) %d memories (%d skipped), %d blocks, %d summaries (dryRun=%v)",
		result.MemoriesImported, result.MemoriesSkipped, result.BlocksImported, result.SummariesImported, dryRun)
	return result, nil
}

// mergeMemory upserts m by id, skipping when an existing row has an equal
// or newer UpdatedAt timestamp.
func mergeMemory(store *factsstore.Store, m factsstore.Memory, dryRun bool) (skipped bool, err error) {
	existing, found, err := store.Get(m.ID)
	if err != nil {
		return false, err
	}
	if found && !existing.UpdatedAt.Before(m.UpdatedAt) {
		return true, nil
	}
	if dryRun {
		return false, nil
	}
	if found {
		if _, err := store.Delete(m.ID); err != nil {
			return false, err
		}
	}
	if _, err := store.Add(m); err != nil {
		return false, err
	}
	return false, nil
}

func importSummary(store *factsstore.Store, l Line, dryRun bool) error {
	if dryRun {
		return nil
	}
	if l.Daily != nil {
		return store.SaveDailySummary(*l.Daily)
	}
	if l.Weekly != nil {
		return store.SaveWeeklySummary(*l.Weekly)
	}
	return nil
}

// RepairReport is returned by Repair.
type RepairReport struct {
	IntegrityOK       bool
	IntegrityMessages []string
	FtsAvailable      bool
	RowsReindexed     int64
	FtsError          string
	Vacuumed          bool
	Restored          bool
	RestoredFrom      string
	RestoreError      string
}

// SnapshotsDir returns the conventional export-snapshot directory for a
// facts database at dbPath: <factsRoot>/exports.
func SnapshotsDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "exports")
}

// LatestSnapshot returns the most recently named *.jsonl file directly under
// dir, picked by lexicographic filename order (snapshot names are expected
// to carry a sortable timestamp prefix). found is false when dir has no
// snapshot files.
func LatestSnapshot(dir string) (path string, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false, nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), true, nil
}

// Repair runs an integrity check, best-effort FTS rebuild, and vacuum pass,
// always attempting every step even if an earlier one fails. When fix is
// true and the integrity check reports corruption, it additionally tries to
// restore from the most recent snapshot under SnapshotsDir(store.Path()),
// replacing every memory with the snapshot's contents.
func Repair(store *factsstore.Store, fix bool) (RepairReport, error) {
	var report RepairReport

	ok, messages, err := store.IntegrityCheck()
	if err != nil {
		return report, err
	}
	report.IntegrityOK = ok
	report.IntegrityMessages = messages

	if !ok && fix {
		restoreFromSnapshot(store, &report)
	}

	report.FtsAvailable = store.FtsAvailable()
	if report.FtsAvailable {
		n, err := store.RebuildFts()
		if err != nil {
			report.FtsError = err.Error()
		} else {
			report.RowsReindexed = n
		}
	} else {
		report.FtsError = "fts5 unavailable on this sqlite build"
	}

	if err := store.Vacuum(); err != nil {
		return report, err
	}
	report.Vacuumed = true

	logging.Export("repair complete: integrityOk=%v reindexed=%d vacuumed=%v restored=%v",
		report.IntegrityOK, report.RowsReindexed, report.Vacuumed, report.Restored)
	return report, nil
}

func restoreFromSnapshot(store *factsstore.Store, report *RepairReport) {
	dir := SnapshotsDir(store.Path())
	path, found, err := LatestSnapshot(dir)
	if err != nil {
		report.RestoreError = err.Error()
		return
	}
	if !found {
		report.RestoreError = "no export snapshot available under " + dir
		return
	}

	f, err := os.Open(path)
	if err != nil {
		report.RestoreError = err.Error()
		return
	}
	defer f.Close()

	if _, err := Import(store, f, ImportReplace, false); err != nil {
		report.RestoreError = err.Error()
		return
	}
	report.Restored = true
	report.RestoredFrom = path
	logging.Export("repair restored from snapshot %s", path)
}
