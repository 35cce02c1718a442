package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestReviewerValidateInputsFailsOnNonGitWorkspace(t *testing.T) {
	r := NewReviewer()
	v := r.ValidateInputs(context.Background(), &Context{WorkspaceDir: t.TempDir()})
	if v.Valid {
		t.Fatal("expected invalid for non-git workspace")
	}
}

func TestReviewerExecuteStillProducesStubReviewAfterFailedValidation(t *testing.T) {
	r := NewReviewer()
	dir := t.TempDir()
	ec := &Context{
		Task:         "review change",
		WorkspaceDir: dir,
		Settings:     map[string]interface{}{"artifactsDir": filepath.Join(dir, "artifacts")},
	}
	// Validation would fail (not git), but execute must still run per spec.
	v := r.ValidateInputs(context.Background(), ec)
	if v.Valid {
		t.Fatal("expected validation to fail for non-git workspace")
	}
	res := r.Execute(context.Background(), ec)
	if !res.Success {
		t.Fatalf("expected execute to still succeed with a stub review: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts", "review.json")); err != nil {
		t.Fatalf("expected review.json: %v", err)
	}
}

func TestReviewerValidateInputsPassesForGitWorkspace(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	r := NewReviewer()
	dir := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Fatalf("git init: %v", err)
	}
	v := r.ValidateInputs(context.Background(), &Context{WorkspaceDir: dir})
	if !v.Valid {
		t.Fatalf("expected valid for git workspace, errors: %v", v.Errors)
	}
}
