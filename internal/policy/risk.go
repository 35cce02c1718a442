package policy

import "strings"

// RiskFactors is the additive breakdown behind a risk Score.
// Separate from Decision: risk drives the approval prompt UI, not the
// allow/deny/prompt outcome.
type RiskFactors struct {
	Destructive        bool
	SensitiveFile      bool
	ElevatedPrivileges bool
	ExternalNetwork    bool
	ScopeViolation     bool
	RecursiveOp        bool
}

// Score is a risk assessment for a single ActionRequest.
type Score struct {
	Value          int
	Level          RiskLevel
	Factors        RiskFactors
	Recommendation string
}

var baseScoreByAction = map[string]int{
	"file_read":     5,
	"file_write":    15,
	"file_delete":   25,
	"shell_command": 20,
	"network_fetch": 15,
	"runner_invoke": 10,
}

var destructivePatterns = []string{"rm -rf", "rm -r", "rm *", "mkfs", "dd if=", ":(){ :|:& };:"}
var sensitiveFilePatterns = []string{".env", ".pem", "id_rsa", "id_ed25519", ".ssh/", "credentials"}

// AssessRisk computes a risk Score for req, independent of the policy
// Decision for the same request.
func AssessRisk(req ActionRequest, scopeViolation bool) Score {
	value := baseScoreByAction[req.ActionType]
	var factors RiskFactors

	haystack := strings.ToLower(req.Command + " " + req.TargetPath)
	for _, p := range destructivePatterns {
		if strings.Contains(haystack, p) {
			factors.Destructive = true
			value += 35
			break
		}
	}
	for _, p := range sensitiveFilePatterns {
		if strings.Contains(strings.ToLower(req.TargetPath), p) || strings.Contains(haystack, p) {
			factors.SensitiveFile = true
			value += 20
			break
		}
	}
	if strings.Contains(haystack, "sudo") || strings.HasPrefix(req.TargetPath, "/etc") || strings.Contains(haystack, "/etc/") {
		factors.ElevatedPrivileges = true
		value += 25
	}
	if req.URL != "" && !isLocalURL(req.URL) {
		factors.ExternalNetwork = true
		value += 15
	}
	if scopeViolation {
		factors.ScopeViolation = true
		value += 30
	}
	if strings.Contains(haystack, "-r ") || strings.Contains(haystack, "--recursive") || strings.HasSuffix(haystack, "-r") {
		factors.RecursiveOp = true
		value += 10
	}

	if value > 100 {
		value = 100
	}

	level := riskLevelFor(value)
	return Score{
		Value:          value,
		Level:          level,
		Factors:        factors,
		Recommendation: recommendationFor(level, factors.Destructive),
	}
}

func riskLevelFor(value int) RiskLevel {
	switch {
	case value <= 30:
		return RiskLow
	case value <= 60:
		return RiskMedium
	case value <= 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func recommendationFor(level RiskLevel, destructive bool) string {
	if level == RiskCritical && destructive {
		return "deny"
	}
	switch level {
	case RiskLow:
		return "approve"
	case RiskMedium:
		return "prompt"
	case RiskHigh:
		return "review"
	default:
		return "deny"
	}
}

func isLocalURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "://localhost") || strings.Contains(lower, "://127.0.0.1") || strings.Contains(lower, "://[::1]")
}
