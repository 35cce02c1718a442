package runner

import (
	"context"

	"nerdwf/internal/engine"
)

// EngineAdapter exposes a Runner through the engine package's local Runner
// interface, translating between the two packages' structurally-identical
// but distinctly-named request/result types (engine avoids importing runner
// directly to prevent an import cycle with the orchestrator).
type EngineAdapter struct {
	Runner Runner
}

func NewEngineAdapter(r Runner) *EngineAdapter { return &EngineAdapter{Runner: r} }

func (a *EngineAdapter) Run(ctx context.Context, req engine.RunRequest) (engine.RunResult, error) {
	res, err := a.Runner.Run(ctx, Request{
		SessionID:     req.SessionID,
		Prompt:        req.Prompt,
		WorkspacePath: req.WorkspaceDir,
		TimeoutMs:     req.TimeoutMs,
		Provider:      req.Provider,
		Model:         req.Model,
	})
	out := engine.RunResult{
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		DurationMs: res.Metrics.DurationMs,
		Provider:   res.Metrics.Provider,
	}
	return out, err
}
