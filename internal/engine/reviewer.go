package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"nerdwf/internal/logging"
)

// Reviewer produces review.json and recommendations.json. A non-git
// workspace is a validation failure but not fatal: execute still runs and
// produces a stub review.
type Reviewer struct{}

func NewReviewer() *Reviewer { return &Reviewer{} }

func (r *Reviewer) Kind() string { return "reviewer" }

func (r *Reviewer) NonFatalValidation() bool { return true }

// Review is the review.json shape.
type Review struct {
	Approved     bool     `json:"approved"`
	OverallScore float64  `json:"overallScore"`
	Issues       []string `json:"issues"`
}

// Recommendations is the recommendations.json shape.
type Recommendations struct {
	Recommendations []string `json:"recommendations"`
}

func (r *Reviewer) ValidateInputs(_ context.Context, ec *Context) ValidationResult {
	if !isGitRepo(ec.WorkspaceDir) {
		return ValidationResult{Valid: false, Errors: []string{"workspace is not a git repository"}}
	}
	return ValidationResult{Valid: true}
}

func isGitRepo(dir string) bool {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	return cmd.Run() == nil
}

func (r *Reviewer) Execute(ctx context.Context, ec *Context) Result {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryEngine, "reviewer.execute")
	defer timer.Stop()

	var review Review
	var recs Recommendations
	if !ec.Live {
		review, recs = stubReview()
	} else {
		var err error
		review, recs, err = liveReview(ctx, ec)
		if err != nil {
			return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
		}
	}

	reviewJSON, err := json.MarshalIndent(review, "", "  ")
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	recsJSON, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	if err := writeArtifact(ec, "review.json", reviewJSON); err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}
	if err := writeArtifact(ec, "recommendations.json", recsJSON); err != nil {
		return Result{Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	return Result{
		Success:    true,
		Artifacts:  []string{"review.json", "recommendations.json"},
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func stubReview() (Review, Recommendations) {
	return Review{Approved: true, OverallScore: 0.9, Issues: nil},
		Recommendations{Recommendations: []string{"keep test coverage current"}}
}

var reviewJSONMarker = regexp.MustCompile(`(?s)--- BEGIN review\.json ---\s*(.*?)\s*--- END review\.json ---`)

func liveReview(ctx context.Context, ec *Context) (Review, Recommendations, error) {
	prompt := fmt.Sprintf(`Review the changes made for task:

%s

Respond with:
--- BEGIN review.json ---
<json: {"approved": bool, "overallScore": number, "issues": [string, ...]}>
--- END review.json ---
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
		return Review{}, Recommendations{}, fmt.Errorf("reviewer runner invocation failed: %w", err)
	}
	if !res.Success {
		return Review{}, Recommendations{}, fmt.Errorf("reviewer runner reported failure: %s", res.Error)
	}

	raw, err := extractJSONSection(res.Output, reviewJSONMarker)
	if err != nil {
		return Review{}, Recommendations{}, fmt.Errorf("reviewer output missing review.json: %w", err)
	}
	var review Review
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return Review{}, Recommendations{}, fmt.Errorf("reviewer review.json did not parse: %w", err)
	}

	recs := Recommendations{}
	if !review.Approved {
		recs.Recommendations = append(recs.Recommendations, "address flagged issues and resubmit for review")
	}
	return review, recs, nil
}
