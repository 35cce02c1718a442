// Package approval implements the approval store and prompt handlers: an
// in-memory index for the current process backed by a per-run JSONL file,
// plus CLI and automatic prompt implementations for policy.Prompt.
package approval

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nerdwf/internal/logging"
	"nerdwf/internal/persistence"
	"nerdwf/internal/policy"
)

// Record is one persisted approval decision.
type Record struct {
	RequestID     string           `json:"requestId"`
	RunID         string           `json:"runId"`
	PhaseID       string           `json:"phaseId"`
	ActionType    string           `json:"actionType"`
	NormalizedKey string           `json:"normalizedKey"`
	Decision      policy.Decision  `json:"decision"`
	Reason        string           `json:"reason"`
	RememberScope string           `json:"rememberScope"`
	RiskLevel     policy.RiskLevel `json:"riskLevel,omitempty"`
	RiskScore     int              `json:"riskScore,omitempty"`
	DecidedAt     time.Time        `json:"decidedAt"`
}

// Store is the composite approval store: an in-memory per-run index backed
// by {baseDir}/{runId}/approvals.jsonl.
type Store struct {
	mu      sync.RWMutex
	persist *persistence.Store
	byRun   map[string][]Record
}

func NewStore(persist *persistence.Store) *Store {
	return &Store{persist: persist, byRun: make(map[string][]Record)}
}

// Save appends a decision for req and updates the in-memory index.
func (s *Store) Save(req policy.ActionRequest, decision policy.Decision, reason string, remember string) error {
	score := policy.AssessRisk(req, false)
	record := Record{
		RequestID:     fmt.Sprintf("%s-%d", req.NormalizedKey(), time.Now().UnixNano()),
		RunID:         req.RunID,
		PhaseID:       req.PhaseID,
		ActionType:    req.ActionType,
		NormalizedKey: req.NormalizedKey(),
		Decision:      decision,
		Reason:        reason,
		RememberScope: remember,
		RiskLevel:     score.Level,
		RiskScore:     score.Value,
		DecidedAt:     time.Now(),
	}
	if err := s.persist.AppendApproval(req.RunID, record); err != nil {
		return err
	}

	s.mu.Lock()
	s.byRun[req.RunID] = append(s.byRun[req.RunID], record)
	s.mu.Unlock()
	logging.Approval("recorded %s decision=%s remember=%s run=%s", record.NormalizedKey, decision, remember, req.RunID)
	return nil
}

// GetByRun returns every recorded decision for runID, reading the JSONL file
// when the run isn't already cached in memory.
func (s *Store) GetByRun(runID string) ([]Record, error) {
	s.mu.RLock()
	cached, ok := s.byRun[runID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var records []Record
	path := s.persist.Layout().ApprovalsPath(runID)
	err := persistence.ReadJSONLines(path, func(line []byte) error {
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.byRun[runID] = records
	s.mu.Unlock()
	return records, nil
}

// FindMatching searches by (actionType, normalizedKey) honoring
// rememberScope: `once` never matches after the first record, `phase`
// matches within the same phaseId, `run` matches anywhere in the run.
func (s *Store) FindMatching(req policy.ActionRequest) (policy.Decision, bool) {
	records, err := s.GetByRun(req.RunID)
	if err != nil || len(records) == 0 {
		return "", false
	}

	key := req.NormalizedKey()
	// Walk newest-first so the most recent remembered decision wins.
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.ActionType != req.ActionType || r.NormalizedKey != key {
			continue
		}
		switch r.RememberScope {
		case "run":
			return r.Decision, true
		case "phase":
			if r.PhaseID == req.PhaseID {
				return r.Decision, true
			}
		case "once", "":
			// A "once" record only ever matches its own original request,
			// which has already been decided; it never matches again.
			continue
		}
	}
	return "", false
}

// ClearRun removes every in-memory and on-disk approval record for runID.
func (s *Store) ClearRun(runID string) error {
	s.mu.Lock()
	delete(s.byRun, runID)
	s.mu.Unlock()
	return s.persist.DeleteApprovals(runID)
}
