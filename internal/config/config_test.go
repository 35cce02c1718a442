package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Workflows.MaxConcurrent != 5 {
		t.Fatalf("expected default maxConcurrent=5, got %d", cfg.Workflows.MaxConcurrent)
	}
	if cfg.FactsMemory.Limits.MaxFacts != 50 {
		t.Fatalf("expected default maxFacts=50, got %d", cfg.FactsMemory.Limits.MaxFacts)
	}
	if cfg.ApprovalTimeout().Seconds() != 60 {
		t.Fatalf("expected default approval timeout 60s, got %v", cfg.ApprovalTimeout())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workflows.DataDir != ".nerdwf/workflows" {
		t.Fatalf("expected default data dir, got %q", cfg.Workflows.DataDir)
	}
}

func TestLoadAppliesPartialOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
workflows:
  maxConcurrent: 2
factsMemory:
  limits:
    maxFacts: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workflows.MaxConcurrent != 2 {
		t.Fatalf("expected overridden maxConcurrent=2, got %d", cfg.Workflows.MaxConcurrent)
	}
	if cfg.FactsMemory.Limits.MaxFacts != 10 {
		t.Fatalf("expected overridden maxFacts=10, got %d", cfg.FactsMemory.Limits.MaxFacts)
	}
	// Untouched nested defaults should still be applied.
	if cfg.FactsMemory.Limits.CooldownMs != 30_000 {
		t.Fatalf("expected default cooldownMs=30000, got %d", cfg.FactsMemory.Limits.CooldownMs)
	}
	if cfg.Workflows.Retention.MaxCompleted != 20 {
		t.Fatalf("expected default maxCompleted=20, got %d", cfg.Workflows.Retention.MaxCompleted)
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	t.Setenv("NERDWF_WORKFLOWS_MAX_CONCURRENT", "9")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("workflows:\n  maxConcurrent: 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workflows.MaxConcurrent != 9 {
		t.Fatalf("expected env override to win (9), got %d", cfg.Workflows.MaxConcurrent)
	}
}

func TestUnknownKeysAreIgnoredNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "workflows:\n  maxConcurrent: 3\n  totallyUnknownKey: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load should not fail on unknown keys: %v", err)
	}
	if cfg.Workflows.MaxConcurrent != 3 {
		t.Fatalf("expected maxConcurrent=3, got %d", cfg.Workflows.MaxConcurrent)
	}
}
