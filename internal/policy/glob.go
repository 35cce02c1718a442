package policy

import (
	"path/filepath"
	"strings"
)

// globMatch matches s against a shell glob pattern, falling back to a plain
// substring/prefix match for patterns filepath.Match doesn't accept well
// (command-line snippets like "rm -rf *").
func globMatch(pattern, s string) (bool, error) {
	if ok, err := filepath.Match(pattern, s); err == nil && ok {
		return true, nil
	}
	if strings.Contains(pattern, "*") {
		parts := strings.SplitN(pattern, "*", 2)
		prefix, suffix := parts[0], ""
		if len(parts) == 2 {
			suffix = parts[1]
		}
		return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix), nil
	}
	return strings.Contains(s, pattern), nil
}

// domainMatch implements "exact or *.suffix" domain matching.
func domainMatch(pattern, domain string) bool {
	pattern = strings.ToLower(pattern)
	domain = strings.ToLower(domain)
	if pattern == domain {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(domain, suffix)
	}
	return false
}
