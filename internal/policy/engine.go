package policy

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"nerdwf/internal/errs"
	"nerdwf/internal/guardrail"
	"nerdwf/internal/logging"
)

// ApprovalStore is the subset of the approval store the engine needs
// (full contract lives in package approval; kept minimal here to avoid an
// import cycle, mirroring engine.Runner's pattern).
type ApprovalStore interface {
	FindMatching(req ActionRequest) (decision Decision, found bool)
	Save(req ActionRequest, decision Decision, reason string, remember string) error
}

// Prompt asks a human (or an automatic stand-in) to decide on req, given its
// risk assessment. Implementations must respect ctx's deadline/cancellation.
type Prompt interface {
	Ask(ctx context.Context, req ActionRequest, score Score) (decision Decision, remember string, err error)
}

// Engine evaluates actions against the current policy and brokers approval
// requests. The active *Policy is stored atomically so Watcher can hot-swap
// it without a mutex on the read path.
type Engine struct {
	current     atomic.Pointer[Policy]
	store       ApprovalStore
	prompt      Prompt
	timeout     time.Duration
	rateLimiter *guardrail.RateLimiter
}

// NewEngine wires a policy, an approval store (nil disables remember-scope
// lookups), and a prompt handler (nil auto-denies on prompt decisions).
// Exec-approval requests are rate limited per session/run id at the
// guardrail package's default of 60/minute.
func NewEngine(p *Policy, store ApprovalStore, prompt Prompt, timeout time.Duration) *Engine {
	e := &Engine{store: store, prompt: prompt, timeout: timeout, rateLimiter: guardrail.DefaultRateLimiter()}
	e.current.Store(p)
	return e
}

func (e *Engine) Policy() *Policy { return e.current.Load() }

func (e *Engine) setPolicy(p *Policy) { e.current.Store(p) }

// Evaluate runs the path/network/rule pipeline, falling back to the policy's
// default decision, and returns a decision plus the reason for it.
func (e *Engine) Evaluate(_ context.Context, req ActionRequest) Result {
	p := e.current.Load()
	if p == nil {
		p = DefaultPolicy("")
	}

	if req.TargetPath != "" {
		if res, matched := evaluatePath(p, req.TargetPath); matched {
			return res
		}
	}

	if req.URL != "" {
		if res, matched := evaluateNetwork(p, req.URL); matched {
			return res
		}
	}

	if res, matched := matchRules(p, req); matched {
		return res
	}

	return Result{Decision: p.DefaultDecision, Reason: "default decision"}
}

func evaluatePath(p *Policy, targetPath string) (Result, bool) {
	root := p.PathScope.WorkspaceRoot
	if root == "" {
		return Result{}, false
	}
	abs := targetPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		if p.PathScope.Mode == PathScopeWorkspaceAndTemp && underTempDir(abs) {
			return Result{}, false
		}
		return Result{Decision: DecisionDeny, Reason: "path escapes workspace scope"}, true
	}
	for _, denied := range p.PathScope.DeniedPaths {
		if ok, _ := globMatch(denied, rel); ok {
			return Result{Decision: DecisionDeny, Reason: fmt.Sprintf("path matches denied pattern %q", denied)}, true
		}
	}
	if p.PathScope.BlockSymlinkEscape {
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			realRel, err := filepath.Rel(root, real)
			if err == nil && strings.HasPrefix(realRel, "..") {
				return Result{Decision: DecisionDeny, Reason: "symlink escapes workspace scope"}, true
			}
		}
	}
	return Result{}, false
}

// underTempDir reports whether abs resolves inside the OS temp directory,
// used by PathScopeWorkspaceAndTemp to permit scratch paths outside the
// workspace.
func underTempDir(abs string) bool {
	tempRoot, err := filepath.EvalSymlinks(os.TempDir())
	if err != nil {
		tempRoot = os.TempDir()
	}
	resolved := abs
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = real
	}
	rel, err := filepath.Rel(tempRoot, resolved)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func evaluateNetwork(p *Policy, rawURL string) (Result, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Result{Decision: DecisionDeny, Reason: "invalid URL"}, true
	}
	host := u.Hostname()
	for _, denied := range p.NetworkScope.DeniedDomains {
		if domainMatch(denied, host) {
			return Result{Decision: DecisionDeny, Reason: fmt.Sprintf("domain matches denied pattern %q", denied)}, true
		}
	}
	for _, allowed := range p.NetworkScope.AllowedDomains {
		if domainMatch(allowed, host) {
			return Result{Decision: DecisionAllow, Reason: fmt.Sprintf("domain matches allowed pattern %q", allowed)}, true
		}
	}
	for _, glob := range p.NetworkScope.AllowedURLGlobs {
		if ok, _ := globMatch(glob, rawURL); ok {
			return Result{Decision: DecisionAllow, Reason: fmt.Sprintf("url matches allowed glob %q", glob)}, true
		}
	}
	behavior := p.NetworkScope.DefaultBehavior
	if behavior == "" {
		behavior = DecisionPrompt
	}
	return Result{Decision: behavior, Reason: "network scope default behavior"}, true
}

func matchRules(p *Policy, req ActionRequest) (Result, bool) {
	candidates := make([]Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.Enabled && r.matchesAction(req.ActionType) && r.matchesAny(req.Command, req.TargetPath, req.URL) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Result{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	best := candidates[0]
	return Result{Decision: best.Decision, MatchedRule: best.Name, Reason: best.Reason}, true
}

// RequestApproval implements the approval prompt leg: a FindMatching hit
// short-circuits the prompt; a miss delegates to the configured Prompt, and
// absent a Prompt handler it auto-denies. Times out after e.timeout.
func (e *Engine) RequestApproval(ctx context.Context, actionType, reason string) (bool, error) {
	req := ActionRequest{ActionType: actionType, Command: reason}
	return e.requestApprovalFor(ctx, req)
}

func (e *Engine) requestApprovalFor(ctx context.Context, req ActionRequest) (bool, error) {
	if e.store != nil {
		if decision, found := e.store.FindMatching(req); found {
			logging.PolicyDebug("approval for %s matched remembered decision %s", req.NormalizedKey(), decision)
			return decision == DecisionAllow, nil
		}
	}

	if e.rateLimiter != nil {
		key := req.RunID
		if key == "" {
			key = req.NormalizedKey()
		}
		if rl := e.rateLimiter.Allow(key, time.Now()); !rl.Allowed {
			logging.Policy("approval for %s rate limited, retry after %dms", req.NormalizedKey(), rl.RetryAfterMs)
			if e.store != nil {
				_ = e.store.Save(req, DecisionDeny, "rate limited", "once")
			}
			return false, &errs.RateLimitedError{RequestID: req.NormalizedKey(), RetryAfterMs: rl.RetryAfterMs}
		}
	}

	if e.prompt == nil {
		logging.Policy("no prompt handler configured, auto-denying %s", req.NormalizedKey())
		if e.store != nil {
			_ = e.store.Save(req, DecisionDeny, "no prompt handler", "once")
		}
		return false, nil
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	promptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	score := AssessRisk(req, false)
	decision, remember, err := e.prompt.Ask(promptCtx, req, score)
	if err != nil {
		if promptCtx.Err() != nil {
			decision = DecisionDeny
			if e.store != nil {
				_ = e.store.Save(req, DecisionDeny, "timeout", remember)
			}
			return false, &errs.ApprovalTimeoutError{RequestID: req.NormalizedKey(), Timeout: timeout.String()}
		}
		return false, err
	}

	if e.store != nil {
		if err := e.store.Save(req, decision, "prompt decision", remember); err != nil {
			logging.Policy("failed to persist approval record: %v", err)
		}
	}
	return decision == DecisionAllow, nil
}

// Allow implements engine.PolicyChecker for the engines package.
func (e *Engine) Allow(ctx context.Context, actionType, targetPath, command, url string) (bool, error) {
	req := ActionRequest{ActionType: actionType, TargetPath: targetPath, Command: command, URL: url}
	res := e.Evaluate(ctx, req)
	switch res.Decision {
	case DecisionAllow:
		return true, nil
	case DecisionDeny:
		return false, &errs.PolicyDenied{Rule: res.MatchedRule, Reason: res.Reason}
	default:
		return e.requestApprovalFor(ctx, req)
	}
}

// LoadPolicy reads policy.yaml from path. A missing file is not an error:
// it returns DefaultPolicy(workspaceRoot).
func LoadPolicy(path, workspaceRoot string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(workspaceRoot), nil
		}
		return nil, &errs.IOError{Op: "read", Path: path, Cause: err}
	}
	p := DefaultPolicy(workspaceRoot)
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy.yaml: %w", err)
	}
	if p.PathScope.WorkspaceRoot == "" {
		p.PathScope.WorkspaceRoot = workspaceRoot
	}
	if p.PathScope.Mode == "" {
		p.PathScope.Mode = PathScopeWorkspaceOnly
	}
	return p, nil
}
