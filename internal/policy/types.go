// Package policy implements the policy engine: path and network scoping,
// rule matching, risk scoring, approval requests, and a hot-reload watcher
// for the policy file.
package policy

import "strings"

// Decision is the outcome of an evaluate() call.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionPrompt Decision = "prompt"
)

// RiskLevel buckets a risk score for the approval prompt UI.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ActionRequest is the input to Evaluate and RequestApproval.
type ActionRequest struct {
	ActionType string
	TargetPath string
	Command    string
	URL        string
	RunID      string
	PhaseID    string
}

// NormalizedKey is the (actionType, normalizedTargetOrCommandOrUrl) pair
// findMatching searches approval records by.
func (r ActionRequest) NormalizedKey() string {
	target := r.TargetPath
	if target == "" {
		target = r.Command
	}
	if target == "" {
		target = r.URL
	}
	return r.ActionType + "|" + strings.TrimSpace(target)
}

// Result is returned by Evaluate.
type Result struct {
	Decision    Decision
	MatchedRule string
	Reason      string
}

// Rule is one enabled/priority-ordered entry in policy.yaml.
type Rule struct {
	Name     string   `yaml:"name"`
	Enabled  bool     `yaml:"enabled"`
	Priority int      `yaml:"priority"`
	Actions  []string `yaml:"actions"`
	Patterns []string `yaml:"patterns"`
	Decision Decision `yaml:"decision"`
	Reason   string   `yaml:"reason"`
}

func (r Rule) matchesAction(actionType string) bool {
	for _, a := range r.Actions {
		if a == actionType || a == "*" {
			return true
		}
	}
	return false
}

func (r Rule) matchesAny(candidates ...string) bool {
	if len(r.Patterns) == 0 {
		return true
	}
	for _, pattern := range r.Patterns {
		for _, c := range candidates {
			if c == "" {
				continue
			}
			if matched, _ := globMatch(pattern, c); matched {
				return true
			}
		}
	}
	return false
}

// PathScopeMode selects which roots a path is evaluated against.
type PathScopeMode string

const (
	// PathScopeWorkspaceOnly restricts paths to WorkspaceRoot.
	PathScopeWorkspaceOnly PathScopeMode = "workspaceOnly"
	// PathScopeWorkspaceAndTemp additionally permits the OS temp directory.
	PathScopeWorkspaceAndTemp PathScopeMode = "workspaceAndTemp"
)

// PathScope controls which filesystem paths are reachable.
type PathScope struct {
	Mode               PathScopeMode `yaml:"mode"`
	WorkspaceRoot      string        `yaml:"workspaceRoot"`
	DeniedPaths        []string      `yaml:"deniedPaths"`
	BlockSymlinkEscape bool          `yaml:"blockSymlinkEscape"`
}

// NetworkScope controls which URLs/domains are reachable.
type NetworkScope struct {
	DeniedDomains   []string `yaml:"deniedDomains"`
	AllowedDomains  []string `yaml:"allowedDomains"`
	AllowedURLGlobs []string `yaml:"allowedUrlGlobs"`
	DefaultBehavior Decision `yaml:"defaultBehavior"`
}

// Policy is the parsed policy.yaml document.
type Policy struct {
	PathScope       PathScope    `yaml:"pathScope"`
	NetworkScope    NetworkScope `yaml:"networkScope"`
	Rules           []Rule       `yaml:"rules"`
	DefaultDecision Decision     `yaml:"defaultDecision"`
}

// DefaultPolicy is used when no policy.yaml exists: deny by default outside
// the workspace, prompt for everything else.
func DefaultPolicy(workspaceRoot string) *Policy {
	return &Policy{
		PathScope: PathScope{
			Mode:               PathScopeWorkspaceOnly,
			WorkspaceRoot:      workspaceRoot,
			BlockSymlinkEscape: true,
		},
		NetworkScope: NetworkScope{
			DefaultBehavior: DecisionPrompt,
		},
		DefaultDecision: DecisionPrompt,
	}
}
