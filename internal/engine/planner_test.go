package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPlannerValidateInputsRequiresTaskAndWorkspace(t *testing.T) {
	p := NewPlanner()
	dir := t.TempDir()

	v := p.ValidateInputs(context.Background(), &Context{Task: "", WorkspaceDir: dir})
	if v.Valid {
		t.Fatal("expected invalid for empty task")
	}

	v = p.ValidateInputs(context.Background(), &Context{Task: "add endpoint", WorkspaceDir: filepath.Join(dir, "missing")})
	if v.Valid {
		t.Fatal("expected invalid for missing workspace")
	}

	v = p.ValidateInputs(context.Background(), &Context{Task: "add endpoint", WorkspaceDir: dir})
	if !v.Valid {
		t.Fatalf("expected valid, got errors: %v", v.Errors)
	}
}

func TestPlannerStubProducesFourOrderedTasks(t *testing.T) {
	p := NewPlanner()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"demo"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	artifactsDir := filepath.Join(dir, "artifacts")

	ec := &Context{
		Task:         "Add hello endpoint",
		WorkspaceDir: dir,
		Settings:     map[string]interface{}{"artifactsDir": artifactsDir},
	}
	res := p.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}

	data, err := os.ReadFile(filepath.Join(artifactsDir, "tasks.json"))
	if err != nil {
		t.Fatalf("ReadFile tasks.json: %v", err)
	}
	var tasks TaskList
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(tasks.Tasks) < 4 {
		t.Fatalf("expected >= 4 tasks, got %d", len(tasks.Tasks))
	}
	if tasks.Tasks[0].ID != "task-1" {
		t.Fatalf("expected first task id task-1, got %s", tasks.Tasks[0].ID)
	}

	if _, err := os.Stat(filepath.Join(artifactsDir, "plan.md")); err != nil {
		t.Fatalf("expected plan.md to exist: %v", err)
	}
}

type fakeRunner struct {
	output  string
	success bool
	err     error
}

func (f *fakeRunner) Run(_ context.Context, _ RunRequest) (RunResult, error) {
	if f.err != nil {
		return RunResult{}, f.err
	}
	return RunResult{Success: f.success, Output: f.output}, nil
}

func TestPlannerLiveModeFailsFatallyOnUnparsableOutput(t *testing.T) {
	p := NewPlanner()
	dir := t.TempDir()
	ec := &Context{
		Task:         "Add hello endpoint",
		WorkspaceDir: dir,
		Live:         true,
		Runner:       &fakeRunner{success: true, output: "no markers here at all"},
		Settings:     map[string]interface{}{"artifactsDir": filepath.Join(dir, "artifacts")},
	}
	res := p.Execute(context.Background(), ec)
	if res.Success {
		t.Fatal("expected failure for unparsable live output, got success")
	}
}

func TestPlannerLiveModeParsesMarkersAndFencedFallback(t *testing.T) {
	p := NewPlanner()
	dir := t.TempDir()
	output := "--- BEGIN plan.md ---\n# Plan\ndo stuff\n--- END plan.md ---\n" +
		"```json\n{\"version\":\"1\",\"tasks\":[{\"id\":\"task-1\",\"description\":\"do it\",\"priority\":1,\"status\":\"pending\"}]}\n```\n"
	ec := &Context{
		Task:         "Add hello endpoint",
		WorkspaceDir: dir,
		Live:         true,
		Runner:       &fakeRunner{success: true, output: output},
		Settings:     map[string]interface{}{"artifactsDir": filepath.Join(dir, "artifacts")},
	}
	res := p.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}
}
