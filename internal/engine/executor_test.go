package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tasksJSON(t *testing.T, tasks TaskList) []byte {
	t.Helper()
	data, err := json.Marshal(tasks)
	if err != nil {
		t.Fatalf("marshal tasks: %v", err)
	}
	return data
}

func TestExecutorValidateInputsRequiresTasksJSON(t *testing.T) {
	e := NewExecutor()
	v := e.ValidateInputs(context.Background(), &Context{})
	if v.Valid {
		t.Fatal("expected invalid without tasks.json")
	}
}

func TestExecutorStubCompletesAllTasksInDependencyOrder(t *testing.T) {
	e := NewExecutor()
	dir := t.TempDir()
	tasks := TaskList{Version: "1", Tasks: []PlannerTask{
		{ID: "task-2", Description: "second", DependsOn: []string{"task-1"}, Priority: 2},
		{ID: "task-1", Description: "first", Priority: 1},
		{ID: "task-3", Description: "third", DependsOn: []string{"task-2"}, Priority: 3},
		{ID: "task-4", Description: "fourth", DependsOn: []string{"task-3"}, Priority: 4},
	}}

	ec := &Context{
		InputArtifacts: map[string][]byte{"tasks.json": tasksJSON(t, tasks)},
		Settings:       map[string]interface{}{"artifactsDir": filepath.Join(dir, "artifacts")},
	}
	res := e.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}

	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "execution-report.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var report ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if report.TasksCompleted < 4 {
		t.Fatalf("expected tasksCompleted >= 4, got %d", report.TasksCompleted)
	}
	if report.TasksFailed != 0 {
		t.Fatalf("expected no failures, got %d", report.TasksFailed)
	}
}

func TestExecutorSkipsTasksWhoseDependencyNeverCompletes(t *testing.T) {
	e := NewExecutor()
	e.ContinueOnFailure = true
	dir := t.TempDir()
	tasks := TaskList{Version: "1", Tasks: []PlannerTask{
		{ID: "task-1", Description: "fails", Priority: 1},
		{ID: "task-2", Description: "depends on failing task", Priority: 2, DependsOn: []string{"task-1"}},
	}}
	ec := &Context{
		Live: true,
		Runner: fakeRunnerFunc(func(_ context.Context, req RunRequest) (RunResult, error) {
			return RunResult{Success: false, Error: "boom"}, nil
		}),
		InputArtifacts: map[string][]byte{"tasks.json": tasksJSON(t, tasks)},
		Settings:       map[string]interface{}{"artifactsDir": filepath.Join(dir, "artifacts")},
	}
	res := e.Execute(context.Background(), ec)
	if res.Success {
		t.Fatal("expected phase failure since task-1 fails")
	}

	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "execution-report.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var report ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if report.TasksSkipped != 1 {
		t.Fatalf("expected task-2 to be skipped, got skipped=%d results=%+v", report.TasksSkipped, report.TaskResults)
	}
}

type fakeRunnerFunc func(context.Context, RunRequest) (RunResult, error)

func (f fakeRunnerFunc) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}

func TestExecutorPhaseFailsWhenAnyTaskFails(t *testing.T) {
	e := NewExecutor()
	dir := t.TempDir()
	tasks := TaskList{Version: "1", Tasks: []PlannerTask{
		{ID: "task-1", Description: "first", Priority: 1},
	}}
	ec := &Context{
		Live:           true,
		InputArtifacts: map[string][]byte{"tasks.json": tasksJSON(t, tasks)},
		Runner:         &fakeRunner{success: false, err: nil},
		Settings:       map[string]interface{}{"artifactsDir": filepath.Join(dir, "artifacts")},
	}
	res := e.Execute(context.Background(), ec)
	if res.Success {
		t.Fatal("expected phase failure when a task fails, per phase success iff failed==0")
	}
}
