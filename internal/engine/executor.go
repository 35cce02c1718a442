package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"nerdwf/internal/logging"
)

// Executor runs each task from the latest completed planning phase's
// tasks.json through the runner, in dependency order.
type Executor struct {
	// ContinueOnFailure determines whether a single task failure aborts the
	// phase. Default true; phase success iff failed == 0.
	ContinueOnFailure bool
}

func NewExecutor() *Executor { return &Executor{ContinueOnFailure: true} }

func (e *Executor) Kind() string { return "executor" }

func (e *Executor) NonFatalValidation() bool { return false }

// ExecutionReport is the execution-report.json shape.
type ExecutionReport struct {
	TasksCompleted int              `json:"tasksCompleted"`
	TasksFailed    int              `json:"tasksFailed"`
	TasksSkipped   int              `json:"tasksSkipped"`
	TaskResults    []TaskExecResult `json:"taskResults"`
}

// TaskExecResult records one task's outcome.
type TaskExecResult struct {
	TaskID       string   `json:"taskId"`
	Status       string   `json:"status"` // completed, failed, skipped
	FilesChanged []string `json:"filesChanged,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (e *Executor) ValidateInputs(_ context.Context, ec *Context) ValidationResult {
	if _, ok := ec.InputArtifacts["tasks.json"]; !ok {
		return ValidationResult{Valid: false, Errors: []string{"tasks.json from the latest completed planning phase is required"}}
	}
	return ValidationResult{Valid: true}
}

func (e *Executor) Execute(ctx context.Context, ec *Context) Result {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryEngine, "executor.execute")
	defer timer.Stop()

	var tasks TaskList
	if err := json.Unmarshal(ec.InputArtifacts["tasks.json"], &tasks); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("invalid tasks.json: %v", err), DurationMs: time.Since(start).Milliseconds()}
	}

	ordered, err := topoSort(tasks.Tasks)
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	completed := make(map[string]bool)
	report := ExecutionReport{}
	for _, t := range ordered {
		if !dependenciesSatisfied(t, completed) {
			report.TasksSkipped++
			report.TaskResults = append(report.TaskResults, TaskExecResult{TaskID: t.ID, Status: "skipped"})
			for i := range tasks.Tasks {
				if tasks.Tasks[i].ID == t.ID {
					tasks.Tasks[i].Status = "skipped"
				}
			}
			continue
		}

		ec.OnProgress.emit(Progress{Kind: ProgressTask, Message: t.ID})

		var res TaskExecResult
		if !ec.Live {
			res = stubExecuteTask(t)
		} else {
			res = liveExecuteTask(ctx, ec, t)
		}
		report.TaskResults = append(report.TaskResults, res)

		for i := range tasks.Tasks {
			if tasks.Tasks[i].ID == t.ID {
				tasks.Tasks[i].Status = res.Status
			}
		}

		switch res.Status {
		case "completed":
			completed[t.ID] = true
			report.TasksCompleted++
		case "failed":
			report.TasksFailed++
			if !e.ContinueOnFailure {
				goto write
			}
		}
	}

write:
	tasksJSON, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	if err := writeArtifact(ec, "tasks.json", tasksJSON); err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	if err := writeArtifact(ec, "execution-report.json", reportJSON); err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	// Phase success iff failed == 0.
	success := report.TasksFailed == 0
	return Result{
		Success:    success,
		Artifacts:  []string{"tasks.json", "execution-report.json"},
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// topoSort orders tasks by dependsOn with priority as the tie-break.
func topoSort(tasks []PlannerTask) ([]PlannerTask, error) {
	byID := make(map[string]PlannerTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	visited := make(map[string]int) // 0=unvisited,1=visiting,2=done
	var order []PlannerTask

	var visit func(id string) error
	visit = func(id string) error {
		switch visited[id] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("dependency cycle detected at %s", id)
		}
		visited[id] = 1
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("unknown dependency %q", id)
		}
		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[id] = 2
		order = append(order, t)
		return nil
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := byID[ids[i]].Priority, byID[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func dependenciesSatisfied(t PlannerTask, completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func stubExecuteTask(t PlannerTask) TaskExecResult {
	return TaskExecResult{
		TaskID:       t.ID,
		Status:       "completed",
		FilesChanged: []string{fmt.Sprintf("stub-%s.txt", t.ID)},
		Summary:      "stub execution of " + t.Description,
	}
}

var (
	summaryMarker = regexp.MustCompile(`(?s)--- SUMMARY ---\s*(.*?)\s*--- FILES CHANGED ---`)
	filesMarker   = regexp.MustCompile(`(?s)--- FILES CHANGED ---\s*(.*?)\s*--- END ---`)
)

func liveExecuteTask(ctx context.Context, ec *Context, t PlannerTask) TaskExecResult {
	prompt := fmt.Sprintf(`Execute the following task in the workspace:

%s

Respond with:
--- SUMMARY ---
<one paragraph>
--- FILES CHANGED ---
<one file path per line>
--- END ---
`, t.Description)

	res, err := ec.Runner.Run(ctx, RunRequest{
		SessionID:    fmt.Sprintf("wf-%s-%s-%d", ec.RunID, ec.PhaseID, ec.Iteration),
		Prompt:       prompt,
		WorkspaceDir: ec.WorkspaceDir,
		TimeoutMs:    600_000,
		Provider:     stringSetting(ec.Settings, "provider"),
		Model:        stringSetting(ec.Settings, "model"),
	})
	if err != nil {
		return TaskExecResult{TaskID: t.ID, Status: "failed", Error: err.Error()}
	}
	if !res.Success {
		return TaskExecResult{TaskID: t.ID, Status: "failed", Error: res.Error}
	}

	result := TaskExecResult{TaskID: t.ID, Status: "completed"}
	if m := summaryMarker.FindStringSubmatch(res.Output); m != nil {
		result.Summary = m[1]
	}
	if m := filesMarker.FindStringSubmatch(res.Output); m != nil {
		for _, line := range splitLines(m[1]) {
			if line != "" {
				result.FilesChanged = append(result.FilesChanged, line)
			}
		}
	}
	return result
}

func splitLines(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			out = append(out, trimSpace(cur))
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, trimSpace(cur))
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
