package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"nerdwf/internal/logging"
)

// Planner produces plan.md and tasks.json from a task description and an
// existing workspace. Distinct state from Executor/Reviewer;
// the three intentionally do not share a base struct.
type Planner struct{}

func NewPlanner() *Planner { return &Planner{} }

func (p *Planner) Kind() string { return "planner" }

func (p *Planner) NonFatalValidation() bool { return false }

// PlannerTask is one entry of tasks.json.
type PlannerTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Priority    int      `json:"priority"`
	Status      string   `json:"status"`
}

// TaskList is the tasks.json document shape.
type TaskList struct {
	Version string        `json:"version"`
	Tasks   []PlannerTask `json:"tasks"`
}

func (p *Planner) ValidateInputs(_ context.Context, ec *Context) ValidationResult {
	var errs []string
	if strings.TrimSpace(ec.Task) == "" {
		errs = append(errs, "task must not be empty")
	}
	if ec.WorkspaceDir == "" {
		errs = append(errs, "workspace directory is required")
	} else if info, err := os.Stat(ec.WorkspaceDir); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Sprintf("workspace %q does not exist", ec.WorkspaceDir))
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (p *Planner) Execute(ctx context.Context, ec *Context) Result {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryEngine, "planner.execute")
	defer timer.Stop()

	ec.OnProgress.emit(Progress{Kind: ProgressStatus, Message: "analyzing workspace"})
	manifest := analyzeWorkspace(ec.WorkspaceDir)

	var planMD string
	var tasks TaskList
	if !ec.Live {
		planMD, tasks = stubPlan(ec.Task, manifest)
	} else {
		var err error
		planMD, tasks, err = livePlan(ctx, ec)
		if err != nil {
			return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
		}
	}

	if v := validateTaskList(tasks); !v.Valid {
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("planner produced invalid tasks.json: %v", v.Errors),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	tasksJSON, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	if err := writeArtifact(ec, "plan.md", []byte(planMD)); err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	if err := writeArtifact(ec, "tasks.json", tasksJSON); err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	ec.OnProgress.emit(Progress{Kind: ProgressArtifact, Message: "tasks.json"})

	return Result{
		Success:    true,
		Artifacts:  []string{"plan.md", "tasks.json"},
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// workspaceManifest summarizes heuristic package/framework detection.
type workspaceManifest struct {
	Name      string
	Framework string
	TopLevel  []string
}

func analyzeWorkspace(dir string) workspaceManifest {
	m := workspaceManifest{Framework: "unknown"}
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			m.Name = pkg.Name
			m.Framework = "node"
		}
	} else if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
		m.Framework = "go"
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		m.TopLevel = append(m.TopLevel, e.Name())
	}
	return m
}

// stubPlan produces a deterministic 4-task plan with a first task id of
// "task-1", used when the context is not live. A live plan that can't be
// parsed is an error; stubPlan is not used in its place.
func stubPlan(task string, manifest workspaceManifest) (string, TaskList) {
	planMD := fmt.Sprintf("# Plan\n\nTask: %s\nWorkspace: %s (%s)\n\n1. Understand requirements\n2. Implement change\n3. Add tests\n4. Verify\n",
		task, manifest.Name, manifest.Framework)
	tasks := TaskList{
		Version: "1",
		Tasks: []PlannerTask{
			{ID: "task-1", Description: "Understand requirements: " + task, Priority: 1, Status: "pending"},
			{ID: "task-2", Description: "Implement the change", DependsOn: []string{"task-1"}, Priority: 2, Status: "pending"},
			{ID: "task-3", Description: "Add tests", DependsOn: []string{"task-2"}, Priority: 3, Status: "pending"},
			{ID: "task-4", Description: "Verify end to end", DependsOn: []string{"task-3"}, Priority: 4, Status: "pending"},
		},
	}
	return planMD, tasks
}

var (
	planMDMarker    = regexp.MustCompile(`(?s)--- BEGIN plan\.md ---\s*(.*?)\s*--- END plan\.md ---`)
	tasksJSONMarker = regexp.MustCompile(`(?s)--- BEGIN tasks\.json ---\s*(.*?)\s*--- END tasks\.json ---`)
	fencedJSON      = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
)

// livePlan invokes the runner with a marker-delimited prompt and parses the
// response strictly: any failure to extract/validate the task list is a
// fatal error, with no silent fallback to a stub.
func livePlan(ctx context.Context, ec *Context) (string, TaskList, error) {
	prompt := fmt.Sprintf(`Produce a plan for the following task:

%s

Respond with exactly two marker-delimited sections:

--- BEGIN plan.md ---
<markdown plan>
--- END plan.md ---

--- BEGIN tasks.json ---
<json object: {"version": "1", "tasks": [{"id","description","dependsOn","priority","status"}, ...]}>
--- END tasks.json ---
`, ec.Task)

	res, err := ec.Runner.Run(ctx, RunRequest{
		SessionID:    fmt.Sprintf("wf-%s-%s-%d", ec.RunID, ec.PhaseID, ec.Iteration),
		Prompt:       prompt,
		WorkspaceDir: ec.WorkspaceDir,
		TimeoutMs:    120_000,
		Provider:     stringSetting(ec.Settings, "provider"),
		Model:        stringSetting(ec.Settings, "model"),
	})
	if err != nil {
		return "", TaskList{}, fmt.Errorf("planner runner invocation failed: %w", err)
	}
	if !res.Success {
		return "", TaskList{}, fmt.Errorf("planner runner reported failure: %s", res.Error)
	}

	planMatch := planMDMarker.FindStringSubmatch(res.Output)
	if planMatch == nil {
		return "", TaskList{}, fmt.Errorf("planner output missing plan.md markers")
	}

	tasksRaw, err := extractJSONSection(res.Output, tasksJSONMarker)
	if err != nil {
		return "", TaskList{}, fmt.Errorf("planner output missing tasks.json: %w", err)
	}

	var tasks TaskList
	if err := json.Unmarshal([]byte(tasksRaw), &tasks); err != nil {
		return "", TaskList{}, fmt.Errorf("planner tasks.json did not parse: %w", err)
	}
	return planMatch[1], tasks, nil
}

// extractJSONSection pulls content from marker, falling back to a fenced
// ```json block.
func extractJSONSection(output string, marker *regexp.Regexp) (string, error) {
	if m := marker.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}
	if m := fencedJSON.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("no marker or fenced JSON block found")
}

func validateTaskList(tasks TaskList) ValidationResult {
	var errs []string
	if tasks.Version == "" {
		errs = append(errs, "version is required")
	}
	if len(tasks.Tasks) == 0 {
		errs = append(errs, "tasks must be a non-empty array")
	}
	for i, t := range tasks.Tasks {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tasks[%d].id is required", i))
		}
		if t.Description == "" {
			errs = append(errs, fmt.Sprintf("tasks[%d].description is required", i))
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func writeArtifact(ec *Context, name string, data []byte) error {
	return writeArtifactFile(ec.Settings, name, data)
}

// writeArtifactFile writes into Context.Settings["artifactsDir"], which the
// orchestrator sets before Execute and tests set directly.
func writeArtifactFile(settings map[string]interface{}, name string, data []byte) error {
	dir := stringSetting(settings, "artifactsDir")
	if dir == "" {
		return fmt.Errorf("artifactsDir not set in engine context settings")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func stringSetting(settings map[string]interface{}, key string) string {
	if settings == nil {
		return ""
	}
	if v, ok := settings[key].(string); ok {
		return v
	}
	return ""
}
