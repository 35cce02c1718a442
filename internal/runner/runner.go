// Package runner implements the agent invocation abstraction: a stub runner
// for dry-run/tests and a live runner that retries transient failures with
// backoff, wraps invocations in a circuit breaker, and integrates with the
// policy engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	"nerdwf/internal/errs"
	"nerdwf/internal/logging"
)

// Request is the runner contract's input.
type Request struct {
	SessionID     string
	Prompt        string
	WorkspacePath string
	TimeoutMs     int
	Provider      string
	Model         string
	OnProgress    func(string)
}

// Metrics is attached to every Result.
type Metrics struct {
	DurationMs int64
	Provider   string
}

// Result is the runner contract's output.
type Result struct {
	Success bool
	Output  string
	Error   string
	Metrics Metrics
}

// Policy is the minimal surface the runner needs from the policy engine to
// request approval before an enforced action.
type Policy interface {
	RequestApproval(ctx context.Context, actionType, reason string) (approved bool, err error)
}

// Runner is the shared contract both the stub and live implementations satisfy.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Invoker performs the actual agent call (process spawn, HTTP call, ...).
// Swapped out in tests; production wiring provides a concrete implementation
// per provider.
type Invoker func(ctx context.Context, req Request) (Result, error)

// StubRunner returns a deterministic canned result without invoking any
// external agent; used when WorkflowRun.Input.Live is false.
type StubRunner struct {
	Output string
}

func NewStubRunner() *StubRunner { return &StubRunner{Output: "stub runner: no live agent invoked"} }

func (s *StubRunner) Run(_ context.Context, req Request) (Result, error) {
	logging.RunnerDebug("stub run for session %s", req.SessionID)
	return Result{
		Success: true,
		Output:  s.Output,
		Metrics: Metrics{DurationMs: 0, Provider: "stub"},
	}, nil
}

// LiveRunner invokes a real Invoker with retry, backoff, circuit breaking,
// and optional policy-gated approval.
type LiveRunner struct {
	invoke      Invoker
	policy      Policy
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	breaker     *gobreaker.CircuitBreaker
	sleep       func(time.Duration)
}

// LiveRunnerConfig configures retry/backoff and circuit-breaker behavior.
type LiveRunnerConfig struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	BreakerName     string
	BreakerMaxFails uint32
}

func DefaultLiveRunnerConfig() LiveRunnerConfig {
	return LiveRunnerConfig{
		MaxRetries:      3,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		BreakerName:     "runner-invoke",
		BreakerMaxFails: 5,
	}
}

// NewLiveRunner wires an Invoker (how to actually talk to the agent) and an
// optional Policy (nil disables approval gating).
func NewLiveRunner(invoke Invoker, policy Policy, cfg LiveRunnerConfig) *LiveRunner {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: cfg.BreakerName,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
	})
	return &LiveRunner{
		invoke:      invoke,
		policy:      policy,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		breaker:     breaker,
		sleep:       time.Sleep,
	}
}

// Run executes req, retrying transient failures with exponential backoff up
// to maxRetries, surfacing the attempt number on failure. Cancellation via
// ctx rejects with the canonical Aborted error and never partially updates
// artifacts (that guarantee is upheld by callers only persisting artifacts
// after Run returns success).
func (r *LiveRunner) Run(ctx context.Context, req Request) (Result, error) {
	timer := logging.StartTimer(logging.CategoryRunner, "live run "+req.SessionID)
	defer timer.Stop()

	if r.policy != nil {
		approved, err := r.policy.RequestApproval(ctx, "runner_invoke", fmt.Sprintf("invoke agent for session %s", req.SessionID))
		if err != nil {
			return Result{}, err
		}
		if !approved {
			return Result{}, &errs.PolicyDenied{Reason: "runner invocation not approved"}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			logging.Runner("session %s aborted before attempt %d", req.SessionID, attempt)
			return Result{}, errs.Aborted
		}

		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.invoke(ctx, req)
		})
		if err == nil {
			res := out.(Result)
			if !res.Success {
				lastErr = &errs.RunnerError{Recoverable: isRecoverableMessage(res.Error), Attempt: attempt, Cause: fmt.Errorf("%s", res.Error)}
				if !errs.IsRecoverable(lastErr) {
					return res, lastErr
				}
			} else {
				return res, nil
			}
		} else {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{}, errs.Aborted
			}
			lastErr = &errs.RunnerError{Recoverable: isRecoverableErr(err), Attempt: attempt, Cause: err}
			if !errs.IsRecoverable(lastErr) {
				return Result{}, lastErr
			}
		}

		if attempt < r.maxRetries {
			backoff := r.backoffFor(attempt)
			logging.Runner("session %s attempt %d failed, retrying in %v: %v", req.SessionID, attempt, backoff, lastErr)
			r.sleep(backoff)
		}
	}
	return Result{}, lastErr
}

func (r *LiveRunner) backoffFor(attempt int) time.Duration {
	d := r.baseBackoff * time.Duration(1<<uint(attempt-1))
	if d > r.maxBackoff {
		d = r.maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func isRecoverableErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || isRecoverableMessage(err.Error())
}

func isRecoverableMessage(msg string) bool {
	return containsAny(msg, "timeout", "timed out", "connection", "temporarily unavailable", "ECONNRESET")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// SessionID builds the canonical session id.
func SessionID(runID, phaseID string, iteration int) string {
	return fmt.Sprintf("wf-%s-%s-%d", runID, phaseID, iteration)
}
