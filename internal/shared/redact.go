package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with whether the first capture group is a
// non-secret prefix worth keeping (e.g. "api_key=" in "api_key=xyz").
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

// Secrets show up in three places here: captured agent logs, failure
// contexts persisted to the registry, and log attributes. All of them pass
// through Redact before leaving the process.
var secretPatterns = []secretPattern{
	// Key-like assignments followed by long opaque values.
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), true},
	// Authorization header bearer tokens.
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), true},
	// GitHub personal access and OAuth tokens.
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), false},
	// Anthropic-style keys.
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`), false},
	// UUIDs carried behind auth-related prefixes.
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), true},
}

// Redact replaces secret-bearing substrings with [REDACTED], preserving
// key-like prefixes so the log line stays diagnosable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if !p.keepPrefix {
				return redactedPlaceholder
			}
			if groups := p.re.FindStringSubmatch(match); len(groups) >= 3 {
				return groups[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// envKeyMarkers flag environment variable names that carry credentials.
var envKeyMarkers = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides the value when the env key name looks secret. Used
// when echoing resolved spawn environments into logs.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, marker := range envKeyMarkers {
		if strings.Contains(lower, marker) {
			return redactedPlaceholder
		}
	}
	return value
}
