package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"nerdwf/internal/engine"
	"nerdwf/internal/errs"
	"nerdwf/internal/persistence"
)

// EngineRegistry resolves an EngineKind to its concrete Engine. A map keeps
// phase dispatch a flat lookup instead of an inheritance hierarchy.
type EngineRegistry map[EngineKind]engine.Engine

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrent       int
	MaxReviewIterations int
	DefaultMaxRetries   int
}

// Listener receives orchestrator events. Best-effort: a panic inside a
// listener must never affect the run, so Orchestrator recovers around every
// call.
type Listener func(Event)

// Orchestrator drives a workflow's phase loop: JSON-persisted state, a
// synchronous event log gating durability, and sequential phase dispatch
// through a pluggable engine registry.
type Orchestrator struct {
	store   *persistence.Store
	engines EngineRegistry
	runner  engine.Runner
	policy  engine.PolicyChecker
	cfg     Config

	mu        sync.Mutex
	listeners []Listener
}

// New builds an Orchestrator. runner and policy may be nil; individual
// PhaseDefinitions resolve their own engine from engines.
func New(store *persistence.Store, engines EngineRegistry, runner engine.Runner, policy engine.PolicyChecker, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxReviewIterations <= 0 {
		cfg.MaxReviewIterations = 5
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	return &Orchestrator{store: store, engines: engines, runner: runner, policy: policy, cfg: cfg}
}

// OnEvent registers a best-effort event listener.
func (o *Orchestrator) OnEvent(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) notify(ev Event) {
	o.mu.Lock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		o.safeNotify(l, ev)
	}
}

func (o *Orchestrator) safeNotify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			// A listener panic must never affect the run.
		}
	}()
	l(ev)
}

func (o *Orchestrator) emit(run *Run, t EventType, data interface{}) error {
	ev := Event{Type: t, WorkflowID: run.ID, Timestamp: time.Now().UTC(), Data: data}
	if persistenceEvents[t] {
		if err := o.store.SaveRunState(run.ID, run); err != nil {
			return err
		}
	}
	if err := o.store.AppendEvent(run.ID, ev); err != nil {
		return err
	}
	o.notify(ev)
	return nil
}

// countLive counts runs currently in running or paused status.
func (o *Orchestrator) countLive() (int, error) {
	ids, err := o.store.ListRunIDs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		var run Run
		found, err := o.store.LoadRunState(id, &run)
		if err != nil || !found {
			continue
		}
		if run.Status == StatusRunning || run.Status == StatusPaused {
			count++
		}
	}
	return count, nil
}

// Start enforces the concurrency cap, creates the run directory, persists
// run.json and input.json, and emits workflow:started.
func (o *Orchestrator) Start(runID string, def Definition, input Input, workspace Workspace) (*Run, error) {
	running, err := o.countLive()
	if err != nil {
		return nil, err
	}
	if running >= o.cfg.MaxConcurrent {
		return nil, &errs.ConcurrencyLimitError{MaxConcurrent: o.cfg.MaxConcurrent, Running: running}
	}
	if strings.TrimSpace(input.Task) == "" {
		return nil, &errs.ValidationError{Field: "task", Message: "task must not be empty"}
	}

	run := &Run{
		ID:             runID,
		DefinitionType: def.Type,
		Status:         StatusPending,
		Input:          input,
		Workspace:      workspace,
		IterationCount: make(map[string]int),
		MaxRetries:     o.cfg.DefaultMaxRetries,
		CreatedAt:      time.Now().UTC(),
	}

	if err := o.store.SaveInput(runID, input); err != nil {
		return nil, err
	}
	if err := o.store.SaveRunState(runID, run); err != nil {
		return nil, err
	}
	if err := o.emit(run, EventWorkflowStarted, nil); err != nil {
		return nil, err
	}
	return run, nil
}

// loadRun reads run.json for runID.
func (o *Orchestrator) loadRun(runID string) (*Run, error) {
	var run Run
	found, err := o.store.LoadRunState(runID, &run)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &errs.ValidationError{Field: "runId", Message: fmt.Sprintf("no such run: %s", runID)}
	}
	return &run, nil
}

// Execute runs def's phase loop for runID starting from the run's current
// state").
func (o *Orchestrator) Execute(ctx context.Context, runID string, def Definition) (*Run, error) {
	run, err := o.loadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPending && run.Status != StatusRunning {
		return nil, &errs.StateTransitionError{From: string(run.Status), To: string(StatusRunning)}
	}
	run.Status = StatusRunning
	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	if err := o.store.SaveRunState(runID, run); err != nil {
		return nil, err
	}

	phase, ok := o.currentPhase(run, def)
	for ok {
		if err := ctx.Err(); err != nil {
			return o.cancelForAbort(run)
		}

		if run.IterationCount[phase.ID] >= o.cfg.MaxReviewIterations {
			return o.fail(run, phase.ID, &errs.MaxIterationsError{PhaseID: phase.ID, Max: o.cfg.MaxReviewIterations}, false)
		}
		run.IterationCount[phase.ID]++
		iteration := run.IterationCount[phase.ID]

		run.CurrentPhase = strPtr(phase.ID)
		if err := o.emit(run, EventPhaseStarted, map[string]interface{}{"phaseId": phase.ID, "iteration": iteration}); err != nil {
			return nil, err
		}

		exec, execErr := o.runPhase(ctx, run, def, phase, iteration)
		run.PhaseHistory = append(run.PhaseHistory, exec)

		if execErr != nil {
			attempts := o.attemptsFor(run, phase.ID)
			if attempts <= phase.Settings.Retries {
				// Re-run the same phase; iterationCount keeps incrementing so
				// each retry attempt gets its own artifacts directory
				//.
				continue
			}
			return o.fail(run, phase.ID, execErr, recoverableFromMessage(execErr))
		}

		if err := o.emit(run, EventPhaseCompleted, map[string]interface{}{"phaseId": phase.ID, "iteration": iteration}); err != nil {
			return nil, err
		}

		next, status := o.evaluateTransitions(run, def, phase, exec)
		switch status {
		case transitionPause:
			run.Status = StatusPaused
			if err := o.emit(run, EventWorkflowPaused, map[string]interface{}{"phaseId": phase.ID}); err != nil {
				return nil, err
			}
			return run, nil
		case transitionAdvance:
			if next == nil {
				return o.complete(run)
			}
			phase = *next
			ok = true
		}
	}
	return o.complete(run)
}

// attemptsFor counts how many times phaseID has been run by scanning the
// run's whole phaseHistory, including entries from Execute calls before a
// resume.
func (o *Orchestrator) attemptsFor(run *Run, phaseID string) int {
	n := 0
	for _, pe := range run.PhaseHistory {
		if pe.PhaseID == phaseID {
			n++
		}
	}
	return n
}

func (o *Orchestrator) currentPhase(run *Run, def Definition) (PhaseDefinition, bool) {
	if run.CurrentPhase != nil {
		if p, ok := def.PhaseByID(*run.CurrentPhase); ok {
			return p, true
		}
	}
	return def.FirstPhase()
}

// runPhase resolves the phase's engine, wires the artifacts directory into
// Settings, invokes Execute, and reads resulting artifact files back off
// disk to populate the immutable PhaseExecution record.
func (o *Orchestrator) runPhase(ctx context.Context, run *Run, def Definition, phase PhaseDefinition, iteration int) (PhaseExecution, error) {
	eng, ok := o.engines[phase.Engine]
	if !ok {
		return PhaseExecution{PhaseID: phase.ID, Iteration: iteration, Status: PhaseFailed},
			&errs.ValidationError{Field: "engine", Message: fmt.Sprintf("no engine registered for kind %q", phase.Engine)}
	}

	layout := o.store.Layout()
	artifactsDir := layout.ArtifactsDir(run.ID, iteration, phase.ID)
	logsDir := layout.LogsDir(run.ID, iteration, phase.ID)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return PhaseExecution{PhaseID: phase.ID, Iteration: iteration, Status: PhaseFailed}, err
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return PhaseExecution{PhaseID: phase.ID, Iteration: iteration, Status: PhaseFailed}, err
	}

	inputArtifacts, err := o.resolveInputArtifacts(run, def, phase)
	if err != nil {
		return PhaseExecution{PhaseID: phase.ID, Iteration: iteration, Status: PhaseFailed}, err
	}

	ec := &engine.Context{
		RunID:          run.ID,
		PhaseID:        phase.ID,
		Iteration:      iteration,
		Task:           run.Input.Task,
		WorkspaceDir:   run.Input.RepoPath,
		Live:           run.Input.Live,
		InputArtifacts: inputArtifacts,
		Runner:         o.runner,
		Policy:         o.policy,
		Settings:       map[string]interface{}{"artifactsDir": artifactsDir},
	}

	valid := eng.ValidateInputs(ctx, ec)
	if !valid.Valid && !eng.NonFatalValidation() {
		return PhaseExecution{PhaseID: phase.ID, Iteration: iteration, Status: PhaseFailed},
			&errs.ValidationError{Field: "phase", Message: strings.Join(valid.Errors, "; ")}
	}

	res := eng.Execute(ctx, ec)
	status := PhaseCompleted
	var phaseErr error
	if !res.Success {
		status = PhaseFailed
		phaseErr = fmt.Errorf("%s", res.Error)
	}

	exec := PhaseExecution{
		PhaseID:   phase.ID,
		Iteration: iteration,
		Status:    status,
		Artifacts: res.Artifacts,
		Metrics:   PhaseMetrics{DurationMs: res.DurationMs},
		LogPath:   logsDir,
	}
	return exec, phaseErr
}

// resolveInputArtifacts loads the artifact bytes a phase declares it needs.
// For executor phases this means the latest completed planning phase rather
// than the most recent phase of any kind; resolveSourcePhase implements
// that selection generically per declared input artifact name.
func (o *Orchestrator) resolveInputArtifacts(run *Run, def Definition, phase PhaseDefinition) (map[string][]byte, error) {
	result := make(map[string][]byte)
	layout := o.store.Layout()
	for _, name := range phase.InputArtifacts {
		source, ok := o.resolveSourcePhase(run, def, name)
		if !ok {
			continue
		}
		path := filepath.Join(layout.ArtifactsDir(run.ID, source.Iteration, source.PhaseID), name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		result[name] = data
	}
	return result, nil
}

// resolveSourcePhase finds the most recent completed PhaseExecution that
// produced artifactName, preferring (for tasks.json) iterations that also
// produced plan.md.
func (o *Orchestrator) resolveSourcePhase(run *Run, def Definition, artifactName string) (PhaseExecution, bool) {
	var best PhaseExecution
	found := false
	for _, pe := range run.PhaseHistory {
		if pe.Status != PhaseCompleted {
			continue
		}
		if !containsStr(pe.Artifacts, artifactName) {
			continue
		}
		if artifactName == "tasks.json" && !containsStr(pe.Artifacts, "plan.md") {
			continue
		}
		if !found || pe.Iteration >= best.Iteration {
			best = pe
			found = true
		}
	}
	if found {
		return best, true
	}
	// Fall back to any completed phase producing the artifact, regardless
	// of companion outputs.
	for _, pe := range run.PhaseHistory {
		if pe.Status == PhaseCompleted && containsStr(pe.Artifacts, artifactName) {
			best = pe
			found = true
		}
	}
	return best, found
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type transitionOutcome int

const (
	transitionAdvance transitionOutcome = iota
	transitionPause
)

// kebabToCamel normalizes an artifact filename to the camelCase key used by
// TransitionCondition.ArtifactKey.
var kebabSegment = regexp.MustCompile(`-([a-z0-9])`)

func kebabToCamel(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return kebabSegment.ReplaceAllStringFunc(base, func(m string) string {
		return strings.ToUpper(m[1:2])
	})
}

// evaluateTransitions normalizes exec's artifact names to keys and returns
// the first matching TransitionCondition's next phase, or advances to the
// definition's next phase when nothing matches. When a condition names
// Equals, the match additionally requires the artifact's decoded "approved"
// field to equal it.
func (o *Orchestrator) evaluateTransitions(run *Run, def Definition, phase PhaseDefinition, exec PhaseExecution) (*PhaseDefinition, transitionOutcome) {
	keyToFile := make(map[string]string, len(exec.Artifacts))
	for _, a := range exec.Artifacts {
		keyToFile[kebabToCamel(a)] = a
	}
	for _, cond := range phase.Transitions {
		file, ok := keyToFile[cond.ArtifactKey]
		if !ok {
			continue
		}
		if cond.Equals != nil && !o.artifactApprovedEquals(run, exec, file, cond.Equals) {
			continue
		}
		if cond.NextPhase == "" {
			return nil, transitionPause
		}
		if p, ok := def.PhaseByID(cond.NextPhase); ok {
			return &p, transitionAdvance
		}
	}
	if p, ok := def.NextPhase(phase.ID); ok {
		return &p, transitionAdvance
	}
	return nil, transitionAdvance
}

// artifactApprovedEquals reads file from exec's artifacts directory and
// reports whether its decoded "approved" field equals want.
func (o *Orchestrator) artifactApprovedEquals(run *Run, exec PhaseExecution, file string, want interface{}) bool {
	layout := o.store.Layout()
	path := filepath.Join(layout.ArtifactsDir(run.ID, exec.Iteration, exec.PhaseID), file)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return false
	}
	got, ok := decoded["approved"]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

func (o *Orchestrator) complete(run *Run) (*Run, error) {
	now := time.Now().UTC()
	run.Status = StatusCompleted
	run.CompletedAt = &now
	if err := o.emit(run, EventWorkflowCompleted, nil); err != nil {
		return run, err
	}
	return run, nil
}

func (o *Orchestrator) fail(run *Run, phaseID string, cause error, recoverable bool) (*Run, error) {
	now := time.Now().UTC()
	run.Status = StatusFailed
	run.CompletedAt = &now
	run.Error = &RunError{Phase: phaseID, Message: cause.Error(), Recoverable: recoverable}
	if err := o.emit(run, EventWorkflowFailed, map[string]interface{}{"phaseId": phaseID, "message": cause.Error()}); err != nil {
		return run, err
	}
	return run, cause
}

func (o *Orchestrator) cancelForAbort(run *Run) (*Run, error) {
	now := time.Now().UTC()
	run.Status = StatusCancelled
	run.CompletedAt = &now
	if err := o.emit(run, EventWorkflowCancelled, nil); err != nil {
		return run, err
	}
	return run, errs.Aborted
}

// Resume requires paused|failed (failed additionally requires
// retryCount < maxRetries). Increments retryCount, sets resumedAt, and
// replays Execute").
func (o *Orchestrator) Resume(ctx context.Context, runID string, def Definition) (*Run, error) {
	run, err := o.loadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPaused && run.Status != StatusFailed {
		return nil, &errs.StateTransitionError{From: string(run.Status), To: string(StatusRunning)}
	}
	if run.Status == StatusFailed {
		if run.RetryCount >= run.MaxRetries {
			return nil, &errs.MaxRetriesError{RunID: runID, Max: run.MaxRetries}
		}
		run.RetryCount++
	}
	now := time.Now().UTC()
	run.ResumedAt = &now
	run.Status = StatusRunning
	run.Error = nil
	if err := o.emit(run, EventWorkflowResumed, nil); err != nil {
		return nil, err
	}
	return o.Execute(ctx, runID, def)
}

// Cancel is idempotent for terminal states; otherwise sets cancelled,
// completedAt, and emits workflow:cancelled").
func (o *Orchestrator) Cancel(runID string) (*Run, error) {
	run, err := o.loadRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	now := time.Now().UTC()
	run.Status = StatusCancelled
	run.CompletedAt = &now
	if err := o.emit(run, EventWorkflowCancelled, nil); err != nil {
		return run, err
	}
	return run, nil
}

func strPtr(s string) *string { return &s }

// recoverableFromMessage detects a RunnerError's "recoverable=true" marker in
// its formatted message; engine.Result only carries an error string, so this
// is the only signal available at the orchestrator layer.
func recoverableFromMessage(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "recoverable=true")
}
