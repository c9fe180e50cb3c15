// Package shared holds small helpers used across the orchestrator: context
// propagation of run and task identity, and secret redaction for anything
// headed to logs or the event stream.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// rule pairs a secret-matching pattern with its replacement. Replacements
// may reference capture groups so key-like prefixes survive redaction and
// the log line stays readable.
type rule struct {
	pattern *regexp.Regexp
	replace string
}

// Worker errors often quote responses from external systems, so auth
// material can leak into failure records. These rules cover the shapes we
// have actually seen in task output: key=value assignments, Authorization
// headers, provider-issued token formats, and UUID-shaped secrets.
var redactRules = []rule{
	{
		pattern: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`),
		replace: "$1=" + redactedPlaceholder,
	},
	{
		pattern: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
		replace: "${1}" + redactedPlaceholder,
	},
	{
		// GitHub-style personal access tokens.
		pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
		replace: redactedPlaceholder,
	},
	{
		// UUID-shaped values behind token/secret keys. The gateway auth
		// token is a UUID, so this keeps it out of quoted error text.
		pattern: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`),
		replace: "$1=" + redactedPlaceholder,
	},
}

// Redact replaces secret-bearing substrings with a placeholder. Safe to
// call on arbitrary task output and error messages.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, r := range redactRules {
		input = r.pattern.ReplaceAllString(input, r.replace)
	}
	return input
}

var sensitiveKeyFragments = []string{
	"api_key", "apikey", "secret", "token", "password", "credential",
}

// RedactEnvValue hides the value of environment variables whose name
// suggests they carry a secret. The key itself is preserved.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return redactedPlaceholder
		}
	}
	return value
}
