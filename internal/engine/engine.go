// Package engine defines the shared Planner/Executor/Reviewer contract. Each
// concrete engine lives in its own file; they share only validateInputs/
// execute plus a progress-callback shape, not a base struct.
package engine

import "context"

// ProgressKind tags a Progress callback payload.
type ProgressKind string

const (
	ProgressStatus   ProgressKind = "status"
	ProgressArtifact ProgressKind = "artifact"
	ProgressTask     ProgressKind = "task"
	ProgressError    ProgressKind = "error"
)

// Progress is one update an engine publishes mid-execution.
type Progress struct {
	Kind    ProgressKind
	Message string
	Detail  interface{}
}

// ProgressFunc receives Progress updates; nil is a valid no-op callback.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

// Context carries everything one phase execution needs: the task, the
// workspace, prior artifacts, and collaborators (runner, policy).
type Context struct {
	RunID        string
	PhaseID      string
	Iteration    int
	Task         string
	WorkspaceDir string
	Live         bool

	// InputArtifacts maps artifact name -> file contents, resolved by the
	// orchestrator from the appropriate prior PhaseExecution.
	InputArtifacts map[string][]byte

	Runner     Runner
	Policy     PolicyChecker
	OnProgress ProgressFunc

	Settings map[string]interface{}
}

// Runner is the minimal surface engines need from the runner abstraction
// (full contract and implementations live in package runner; this avoids an
// import cycle between engine and runner).
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RunRequest mirrors runner.Request's engine-visible fields.
type RunRequest struct {
	SessionID    string
	Prompt       string
	WorkspaceDir string
	TimeoutMs    int
	Provider     string
	Model        string
}

// RunResult mirrors runner.Result's engine-visible fields.
type RunResult struct {
	Success    bool
	Output     string
	Error      string
	DurationMs int64
	Provider   string
}

// PolicyChecker is the minimal surface engines need from the policy engine.
type PolicyChecker interface {
	Allow(ctx context.Context, actionType, targetPath, command, url string) (bool, error)
}

// ValidationResult is returned by ValidateInputs.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Result is returned by Execute.
type Result struct {
	Success    bool
	Artifacts  []string
	Output     string
	Error      string
	DurationMs int64
}

// Engine is the shared contract every concrete engine (planner, executor,
// reviewer) implements.
type Engine interface {
	Kind() string
	ValidateInputs(ctx context.Context, ec *Context) ValidationResult
	Execute(ctx context.Context, ec *Context) Result

	// NonFatalValidation reports whether a failed ValidateInputs should still
	// let Execute run. Planner and Executor need valid inputs to do anything
	// useful; Reviewer can fall back to a stub review instead.
	NonFatalValidation() bool
}
