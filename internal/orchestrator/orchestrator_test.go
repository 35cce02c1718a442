package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"nerdwf/internal/engine"
	"nerdwf/internal/persistence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine is a scripted engine.Engine used to drive the orchestrator's
// phase loop without depending on the real planner/executor/reviewer logic.
type fakeEngine struct {
	calls     int
	failFirst int // fail this many calls before succeeding
	artifacts map[string]string
	valid     bool
	nonFatal  bool
}

func (f *fakeEngine) Kind() string { return "fake" }

func (f *fakeEngine) NonFatalValidation() bool { return f.nonFatal }

func (f *fakeEngine) ValidateInputs(_ context.Context, _ *engine.Context) engine.ValidationResult {
	if !f.valid {
		return engine.ValidationResult{Valid: false, Errors: []string{"invalid"}}
	}
	return engine.ValidationResult{Valid: true}
}

func (f *fakeEngine) Execute(_ context.Context, ec *engine.Context) engine.Result {
	f.calls++
	if f.calls <= f.failFirst {
		return engine.Result{Success: false, Error: "transient failure"}
	}
	dir, _ := ec.Settings["artifactsDir"].(string)
	var names []string
	for name, content := range f.artifacts {
		if dir != "" {
			_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
		}
		names = append(names, name)
	}
	return engine.Result{Success: true, Artifacts: names, DurationMs: 1}
}

func newTestOrchestrator(t *testing.T, engines EngineRegistry) (*Orchestrator, *persistence.Store) {
	t.Helper()
	store := persistence.NewStore(t.TempDir())
	o := New(store, engines, nil, nil, Config{MaxConcurrent: 5, MaxReviewIterations: 3, DefaultMaxRetries: 2})
	return o, store
}

func simpleDef(phases ...PhaseDefinition) Definition {
	return Definition{Type: "dev-cycle", Phases: phases}
}

func TestStartRejectsEmptyTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, EngineRegistry{})
	_, err := o.Start("run-1", simpleDef(), Input{Task: "  "}, Workspace{})
	if err == nil {
		t.Fatal("expected validation error for empty task")
	}
}

func TestStartEnforcesConcurrencyLimit(t *testing.T) {
	o, store := newTestOrchestrator(t, EngineRegistry{})
	o.cfg.MaxConcurrent = 1

	running := &Run{ID: "already-running", Status: StatusRunning, IterationCount: map[string]int{}}
	if err := store.SaveRunState(running.ID, running); err != nil {
		t.Fatalf("seed running run: %v", err)
	}

	_, err := o.Start("run-2", simpleDef(), Input{Task: "do work"}, Workspace{})
	if err == nil {
		t.Fatal("expected ConcurrencyLimitError")
	}
}

func TestExecuteSinglePhaseCompletesRun(t *testing.T) {
	fe := &fakeEngine{valid: true, artifacts: map[string]string{"plan.md": "plan"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner})

	if _, err := o.Start("run-1", def, Input{Task: "build a thing"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if run.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
	if len(run.PhaseHistory) != 1 || run.PhaseHistory[0].Status != PhaseCompleted {
		t.Fatalf("expected one completed phase execution, got %+v", run.PhaseHistory)
	}
}

func TestExecuteAdvancesThroughPhasesInOrder(t *testing.T) {
	planner := &fakeEngine{valid: true, artifacts: map[string]string{"plan.md": "plan"}}
	executor := &fakeEngine{valid: true, artifacts: map[string]string{"execution-report.json": "{}"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: planner, EngineExecutor: executor})
	def := simpleDef(
		PhaseDefinition{ID: "plan", Engine: EnginePlanner},
		PhaseDefinition{ID: "exec", Engine: EngineExecutor},
	)

	if _, err := o.Start("run-1", def, Input{Task: "build a thing"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if len(run.PhaseHistory) != 2 {
		t.Fatalf("expected 2 phase executions, got %d", len(run.PhaseHistory))
	}
	if run.PhaseHistory[0].PhaseID != "plan" || run.PhaseHistory[1].PhaseID != "exec" {
		t.Fatalf("expected plan then exec, got %+v", run.PhaseHistory)
	}
}

func TestExecutePausesOnTransitionWithEmptyNextPhase(t *testing.T) {
	fe := &fakeEngine{valid: true, artifacts: map[string]string{"review.json": `{"approved": false}`}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EngineReviewer: fe})
	def := simpleDef(PhaseDefinition{
		ID:     "review",
		Engine: EngineReviewer,
		Transitions: []TransitionCondition{
			{ArtifactKey: "review", NextPhase: ""},
		},
	})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", run.Status)
	}
	if run.CurrentPhase == nil || *run.CurrentPhase != "review" {
		t.Fatalf("expected currentPhase preserved as review, got %v", run.CurrentPhase)
	}
}

func TestExecuteTransitionConditionRoutesToNamedPhase(t *testing.T) {
	reviewer := &fakeEngine{valid: true, artifacts: map[string]string{"review.json": `{"approved": false}`}}
	executor := &fakeEngine{valid: true, artifacts: map[string]string{"execution-report.json": "{}"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EngineReviewer: reviewer, EngineExecutor: executor})
	def := simpleDef(
		PhaseDefinition{
			ID:     "review",
			Engine: EngineReviewer,
			Transitions: []TransitionCondition{
				{ArtifactKey: "review", Equals: false, NextPhase: "exec"},
			},
		},
		PhaseDefinition{ID: "exec", Engine: EngineExecutor},
	)

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if len(run.PhaseHistory) != 2 || run.PhaseHistory[1].PhaseID != "exec" {
		t.Fatalf("expected routing to exec phase, got %+v", run.PhaseHistory)
	}
}

func TestExecuteRetriesFailedPhaseWithinBudget(t *testing.T) {
	fe := &fakeEngine{valid: true, failFirst: 1, artifacts: map[string]string{"plan.md": "plan"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner, Settings: PhaseSettings{Retries: 2}})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", run.Status)
	}
	if fe.calls != 2 {
		t.Fatalf("expected 2 engine calls (1 failure + 1 success), got %d", fe.calls)
	}
}

func TestExecutePropagatesFailureAfterRetriesExhausted(t *testing.T) {
	fe := &fakeEngine{valid: true, failFirst: 10}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner, Settings: PhaseSettings{Retries: 1}})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err == nil {
		t.Fatal("expected propagated failure")
	}
	if run.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.Error == nil || run.Error.Phase != "plan" {
		t.Fatalf("expected run.Error naming the failed phase, got %+v", run.Error)
	}
}

func TestExecuteEnforcesMaxReviewIterations(t *testing.T) {
	fe := &fakeEngine{valid: true, failFirst: 1000}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	o.cfg.MaxReviewIterations = 2
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner, Settings: PhaseSettings{Retries: 100}})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err == nil {
		t.Fatal("expected MaxIterationsError")
	}
	if run.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
}

func TestResumeRequiresPausedOrFailed(t *testing.T) {
	fe := &fakeEngine{valid: true, artifacts: map[string]string{"plan.md": "plan"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// run is pending, not paused|failed.
	if _, err := o.Resume(context.Background(), "run-1", def); err == nil {
		t.Fatal("expected StateTransitionError resuming a pending run")
	}
}

func TestResumeFailedIncrementsRetryCountAndReplays(t *testing.T) {
	fe := &fakeEngine{valid: true, failFirst: 1, artifacts: map[string]string{"plan.md": "plan"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner, Settings: PhaseSettings{Retries: 0}})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err == nil {
		t.Fatal("expected first execute to fail")
	}
	if run.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}

	resumed, err := o.Resume(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", resumed.Status)
	}
	if resumed.RetryCount != 1 {
		t.Fatalf("expected retryCount=1, got %d", resumed.RetryCount)
	}
	if resumed.ResumedAt == nil {
		t.Fatal("expected resumedAt to be set")
	}
}

func TestResumeFailedExceedingMaxRetriesReturnsError(t *testing.T) {
	fe := &fakeEngine{valid: true, failFirst: 1000}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	o.cfg.DefaultMaxRetries = 1
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.Execute(context.Background(), "run-1", def); err == nil {
		t.Fatal("expected first execute to fail")
	}
	if _, err := o.Resume(context.Background(), "run-1", def); err == nil {
		t.Fatal("expected first resume to fail and consume the retry budget")
	}
	if _, err := o.Resume(context.Background(), "run-1", def); err == nil {
		t.Fatal("expected MaxRetriesError once retryCount reaches maxRetries")
	}
}

func TestCancelIsIdempotentForTerminalStatus(t *testing.T) {
	fe := &fakeEngine{valid: true, artifacts: map[string]string{"plan.md": "plan"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.Execute(context.Background(), "run-1", def); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	run, err := o.Cancel("run-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected cancel on a completed run to be a no-op, got %s", run.Status)
	}
}

func TestCancelTransitionsPausedToCancelled(t *testing.T) {
	fe := &fakeEngine{valid: true, artifacts: map[string]string{"review.json": `{"approved": false}`}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EngineReviewer: fe})
	def := simpleDef(PhaseDefinition{
		ID:          "review",
		Engine:      EngineReviewer,
		Transitions: []TransitionCondition{{ArtifactKey: "review", NextPhase: ""}},
	})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.Execute(context.Background(), "run-1", def); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	run, err := o.Cancel("run-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if run.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	if run.CompletedAt == nil {
		t.Fatal("expected completedAt to be set on cancellation")
	}
}

func TestListenerPanicDoesNotAffectRun(t *testing.T) {
	fe := &fakeEngine{valid: true, artifacts: map[string]string{"plan.md": "plan"}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner})

	o.OnEvent(func(Event) { panic("listener exploded") })

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("Execute should succeed despite listener panic: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
}

func TestExecuteFailsValidationWhenEngineRejectsInputs(t *testing.T) {
	fe := &fakeEngine{valid: false}
	o, _ := newTestOrchestrator(t, EngineRegistry{EnginePlanner: fe})
	def := simpleDef(PhaseDefinition{ID: "plan", Engine: EnginePlanner})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err == nil {
		t.Fatal("expected validation failure to propagate")
	}
	if run.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
}

func TestExecuteRunsNonFatalEngineDespiteFailedValidation(t *testing.T) {
	fe := &fakeEngine{valid: false, nonFatal: true, artifacts: map[string]string{"review.json": `{"approved": true}`}}
	o, _ := newTestOrchestrator(t, EngineRegistry{EngineReviewer: fe})
	def := simpleDef(PhaseDefinition{ID: "review", Engine: EngineReviewer})

	if _, err := o.Start("run-1", def, Input{Task: "t"}, Workspace{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := o.Execute(context.Background(), "run-1", def)
	if err != nil {
		t.Fatalf("expected non-fatal validation to still execute: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}
	if fe.calls != 1 {
		t.Fatalf("expected Execute to run once despite failed validation, got %d calls", fe.calls)
	}
}
