// Package retention implements run-directory cleanup against quota and age
// policies, with a cleanup log independent of any single run.
package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nerdwf/internal/logging"
	"nerdwf/internal/orchestrator"
	"nerdwf/internal/persistence"
)

// maxParallelDiskScans bounds how many run directories listRuns walks for
// DiskUsage concurrently, so a large runs/ tree doesn't fork unbounded
// goroutines against the filesystem.
const maxParallelDiskScans = 8

// Mode selects what a cleanup deletes.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeArtifacts Mode = "artifacts"
	ModeLogs      Mode = "logs"
)

// Policy mirrors config.RetentionConfig.
type Policy struct {
	MaxCompleted           int
	MaxDiskPerWorkflowMb   int
	MaxTotalDiskGb         int
	LogRetentionDays       int
	FailedLogRetentionDays int
	ArtifactRetentionDays  int
}

// Overrides are CLI flags that narrow a cleanup pass.
type Overrides struct {
	OlderThan *time.Duration
	Status    orchestrator.Status // zero value means "any"
	Max       int                 // zero means "no cap from override"
}

// Candidate is one run selected for cleanup, before or after the action runs.
type Candidate struct {
	RunID     string
	Status    orchestrator.Status
	CreatedAt time.Time
	DiskBytes int64
	Reason    string
}

// EventKind enumerates the global cleanup log's entry types.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// GlobalCleanupEvent is one line of the global cleanup log.
type GlobalCleanupEvent struct {
	Kind       EventKind `json:"kind"`
	Mode       Mode      `json:"mode"`
	DryRun     bool      `json:"dryRun"`
	Timestamp  time.Time `json:"timestamp"`
	RunIDs     []string  `json:"runIds,omitempty"`
	BytesFreed int64     `json:"bytesFreed,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Result reports what a cleanup run did (or would do, under dry-run).
type Result struct {
	Candidates []Candidate
	BytesFreed int64
	DryRun     bool
}

// Logger persists GlobalCleanupEvents; CLI/orchestrator wiring decides
// where.
type Logger interface {
	LogCleanupEvent(event GlobalCleanupEvent) error
}

// Sweep lists runs, classifies them, selects cleanup candidates per the
// retention policy, and (unless dryRun) deletes them per mode.
func Sweep(store *persistence.Store, policy Policy, overrides Overrides, mode Mode, dryRun bool, now time.Time, logger Logger) (Result, error) {
	logEvent(logger, GlobalCleanupEvent{Kind: EventStart, Mode: mode, DryRun: dryRun, Timestamp: now})

	runs, err := listRuns(store, now)
	if err != nil {
		logEvent(logger, GlobalCleanupEvent{Kind: EventError, Mode: mode, DryRun: dryRun, Timestamp: now, Error: err.Error()})
		return Result{}, err
	}

	candidates := selectCandidates(runs, policy, overrides, now)

	result := Result{Candidates: candidates, DryRun: dryRun}
	if dryRun {
		for _, c := range candidates {
			result.BytesFreed += c.DiskBytes
		}
		logEvent(logger, GlobalCleanupEvent{Kind: EventComplete, Mode: mode, DryRun: true, Timestamp: now, RunIDs: runIDs(candidates), BytesFreed: result.BytesFreed})
		return result, nil
	}

	var freed int64
	for _, c := range candidates {
		n, err := applyMode(store, c.RunID, mode)
		if err != nil {
			logEvent(logger, GlobalCleanupEvent{Kind: EventError, Mode: mode, DryRun: false, Timestamp: now, RunIDs: []string{c.RunID}, Error: err.Error()})
			continue
		}
		freed += n
		logging.Retention("cleaned up run %s (mode=%s, reason=%s, bytesFreed=%d)", c.RunID, mode, c.Reason, n)
	}
	result.BytesFreed = freed

	logEvent(logger, GlobalCleanupEvent{Kind: EventComplete, Mode: mode, DryRun: false, Timestamp: now, RunIDs: runIDs(candidates), BytesFreed: freed})
	return result, nil
}

func logEvent(logger Logger, event GlobalCleanupEvent) {
	if logger == nil {
		return
	}
	if err := logger.LogCleanupEvent(event); err != nil {
		logging.Retention("failed to log cleanup event: %v", err)
	}
}

func runIDs(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.RunID
	}
	return out
}

type runInfo struct {
	run       orchestrator.Run
	diskBytes int64
}

func listRuns(store *persistence.Store, now time.Time) ([]runInfo, error) {
	ids, err := store.ListRunIDs()
	if err != nil {
		return nil, err
	}

	results := make([]*runInfo, len(ids))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(maxParallelDiskScans)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var run orchestrator.Run
			found, err := store.LoadRunState(id, &run)
			if err != nil || !found {
				return nil
			}
			size, _ := store.DiskUsage(id)
			mu.Lock()
			results[i] = &runInfo{run: run, diskBytes: size}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	runs := make([]runInfo, 0, len(results))
	for _, r := range results {
		if r != nil {
			runs = append(runs, *r)
		}
	}
	return runs, nil
}

// selectCandidates classifies runs by terminal status, keeps the newest
// maxCompleted, ages out failed/cancelled runs past failedLogRetentionDays,
// then applies CLI overrides.
func selectCandidates(runs []runInfo, policy Policy, overrides Overrides, now time.Time) []Candidate {
	var completed, others []runInfo
	for _, r := range runs {
		if r.run.Status == orchestrator.StatusCompleted {
			completed = append(completed, r)
		} else {
			others = append(others, r)
		}
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].run.CreatedAt.After(completed[j].run.CreatedAt) })

	var candidates []Candidate
	if policy.MaxCompleted >= 0 && len(completed) > policy.MaxCompleted {
		for _, r := range completed[policy.MaxCompleted:] {
			candidates = append(candidates, Candidate{
				RunID: r.run.ID, Status: r.run.Status, CreatedAt: r.run.CreatedAt, DiskBytes: r.diskBytes,
				Reason: "exceeds maxCompleted",
			})
		}
	}

	for _, r := range others {
		if r.run.Status != orchestrator.StatusFailed && r.run.Status != orchestrator.StatusCancelled {
			continue
		}
		ageDays := now.Sub(r.run.CreatedAt).Hours() / 24
		if ageDays > float64(policy.FailedLogRetentionDays) {
			candidates = append(candidates, Candidate{
				RunID: r.run.ID, Status: r.run.Status, CreatedAt: r.run.CreatedAt, DiskBytes: r.diskBytes,
				Reason: "past failedLogRetentionDays",
			})
		}
	}

	candidates = applyOverrides(candidates, runs, overrides, now)
	return candidates
}

func applyOverrides(candidates []Candidate, allRuns []runInfo, overrides Overrides, now time.Time) []Candidate {
	byID := make(map[string]runInfo, len(allRuns))
	for _, r := range allRuns {
		byID[r.run.ID] = r
	}

	// --status narrows the base run set this cleanup considers at all,
	// re-deriving candidates from allRuns so the override can widen
	// coverage beyond the default classification (e.g. cleaning up
	// "running" stuck runs is opt-in via --status).
	if overrides.Status != "" {
		candidates = nil
		for _, r := range allRuns {
			if r.run.Status == overrides.Status {
				candidates = append(candidates, Candidate{
					RunID: r.run.ID, Status: r.run.Status, CreatedAt: r.run.CreatedAt, DiskBytes: r.diskBytes,
					Reason: "--status override",
				})
			}
		}
	}

	if overrides.OlderThan != nil {
		var filtered []Candidate
		for _, c := range candidates {
			if now.Sub(c.CreatedAt) >= *overrides.OlderThan {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if overrides.Max > 0 && len(candidates) > overrides.Max {
		candidates = candidates[:overrides.Max]
	}
	return candidates
}

func applyMode(store *persistence.Store, runID string, mode Mode) (int64, error) {
	switch mode {
	case ModeArtifacts:
		return store.DeletePhaseArtifacts(runID)
	case ModeLogs:
		return store.DeletePhaseLogs(runID)
	default:
		size, _ := store.DiskUsage(runID)
		if err := store.DeleteRun(runID); err != nil {
			return 0, err
		}
		return size, nil
	}
}
