// Package orchestrator implements the durable, multi-phase workflow state
// machine: run lifecycle, phase dispatch, transitions, and
// event emission. Grounded on the campaign orchestrator's phase-loop idiom
// (status enums, JSON persistence, progress/event channels), generalized
// away from that engine's Datalog kernel to a plain in-memory phase model.
package orchestrator

import "time"

// Status is a WorkflowRun's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status never transitions further.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkspaceMode selects how the orchestrator materializes the target repo.
type WorkspaceMode string

const (
	WorkspaceInPlace  WorkspaceMode = "in-place"
	WorkspaceWorktree WorkspaceMode = "worktree"
	WorkspaceCopy     WorkspaceMode = "copy"
)

// Workspace describes where and how a run's code changes land.
type Workspace struct {
	Mode       WorkspaceMode `json:"mode"`
	TargetRepo string        `json:"targetRepo"`
	Branch     string        `json:"branch,omitempty"`
	BaseBranch string        `json:"baseBranch,omitempty"`
	Validation []string      `json:"validation,omitempty"`
}

// Input is a run's original task description and opaque context.
type Input struct {
	Task     string                 `json:"task"`
	RepoPath string                 `json:"repoPath"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Live     bool                   `json:"live"`
}

// RunError captures why a run failed.
type RunError struct {
	Phase       string `json:"phase"`
	Message     string `json:"message"`
	Stack       string `json:"stack,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// PhaseStatus is a PhaseExecution's state.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// PhaseMetrics records measurements about one phase execution.
type PhaseMetrics struct {
	DurationMs int64 `json:"durationMs"`
}

// PhaseExecution is one recorded run of a phase at a given iteration.
type PhaseExecution struct {
	PhaseID   string       `json:"phaseId"`
	Iteration int          `json:"iteration"` // 1-based per phase
	Status    PhaseStatus  `json:"status"`
	Artifacts []string     `json:"artifacts"` // ordered names
	Metrics   PhaseMetrics `json:"metrics"`
	LogPath   string       `json:"logPath"`
}

// EngineKind names the pluggable engine a phase delegates to.
type EngineKind string

const (
	EnginePlanner  EngineKind = "planner"
	EngineExecutor EngineKind = "executor"
	EngineReviewer EngineKind = "reviewer"
)

// PhaseSettings holds per-phase timeout/retry configuration.
type PhaseSettings struct {
	TimeoutMs int `json:"timeoutMs"`
	Retries   int `json:"retries"`
}

// TransitionCondition decides whether to route to NextPhase after a phase
// completes, based on a normalized artifact key (kebab->camel) present in
// the phase's output.
type TransitionCondition struct {
	ArtifactKey string      `json:"artifactKey"`
	Equals      interface{} `json:"equals,omitempty"`
	NextPhase   string      `json:"nextPhase"`
}

// PhaseDefinition is the static description of one phase from a WorkflowDefinition.
type PhaseDefinition struct {
	ID              string                 `json:"id"`
	Engine          EngineKind             `json:"engine"`
	AgentConfig     map[string]interface{} `json:"agentConfig,omitempty"`
	InputArtifacts  []string               `json:"inputArtifacts,omitempty"`
	OutputArtifacts []string               `json:"outputArtifacts,omitempty"`
	Settings        PhaseSettings          `json:"settings"`
	Transitions     []TransitionCondition  `json:"transitions,omitempty"`
}

// Definition is a named, ordered sequence of phases (a "dev-cycle").
type Definition struct {
	Type   string            `json:"type"`
	Phases []PhaseDefinition `json:"phases"`
}

// PhaseByID returns the definition for phaseID, or ok=false.
func (d Definition) PhaseByID(phaseID string) (PhaseDefinition, bool) {
	for _, p := range d.Phases {
		if p.ID == phaseID {
			return p, true
		}
	}
	return PhaseDefinition{}, false
}

// FirstPhase returns the first phase in definition order.
func (d Definition) FirstPhase() (PhaseDefinition, bool) {
	if len(d.Phases) == 0 {
		return PhaseDefinition{}, false
	}
	return d.Phases[0], true
}

// NextPhase returns the phase immediately following phaseID, or ok=false at the end.
func (d Definition) NextPhase(phaseID string) (PhaseDefinition, bool) {
	for i, p := range d.Phases {
		if p.ID == phaseID {
			if i+1 < len(d.Phases) {
				return d.Phases[i+1], true
			}
			return PhaseDefinition{}, false
		}
	}
	return PhaseDefinition{}, false
}

// Run is the canonical WorkflowRun record.
type Run struct {
	ID             string           `json:"id"`
	DefinitionType string           `json:"definitionType"`
	Status         Status           `json:"status"`
	Input          Input            `json:"input"`
	Workspace      Workspace        `json:"workspace"`
	CurrentPhase   *string          `json:"currentPhase"`
	PhaseHistory   []PhaseExecution `json:"phaseHistory"`
	IterationCount map[string]int   `json:"iterationCount"`
	RetryCount     int              `json:"retryCount"`
	MaxRetries     int              `json:"maxRetries"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`

	Error *RunError `json:"error,omitempty"`
}

// EventType enumerates the orchestrator event stream.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow:started"
	EventWorkflowPaused    EventType = "workflow:paused"
	EventWorkflowResumed   EventType = "workflow:resumed"
	EventWorkflowCompleted EventType = "workflow:completed"
	EventWorkflowFailed    EventType = "workflow:failed"
	EventWorkflowCancelled EventType = "workflow:cancelled"
	EventPhaseStarted      EventType = "phase:started"
	EventPhaseCompleted    EventType = "phase:completed"
	EventPhaseFailed       EventType = "phase:failed"
	EventArtifactCreated   EventType = "artifact:created"
	EventIterationStarted  EventType = "iteration:started"
)

// persistenceEvents are the event types that must trigger a state save
// before or immediately after being logged.
var persistenceEvents = map[EventType]bool{
	EventWorkflowStarted:   true,
	EventWorkflowPaused:    true,
	EventWorkflowResumed:   true,
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,
	EventPhaseCompleted:    true,
	EventPhaseFailed:       true,
}

// Event is one line of events.jsonl.
type Event struct {
	Type       EventType   `json:"type"`
	WorkflowID string      `json:"workflowId"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}
