package retry

import "strings"

// Classifier decides whether a failure context describes an out-of-memory
// kill. Pluggable so deployments with different agent CLIs can match their
// own failure signatures.
type Classifier func(failureContext string) bool

// DefaultClassifier matches the SIGKILL-by-OOM exit code 137 and the
// case-insensitive phrase "out of memory".
func DefaultClassifier(failureContext string) bool {
	if failureContext == "" {
		return false
	}
	lower := strings.ToLower(failureContext)
	if strings.Contains(lower, "out of memory") {
		return true
	}
	return strings.Contains(lower, "exit status 137") ||
		strings.Contains(lower, "exit code 137") ||
		strings.Contains(lower, "exited 137")
}
