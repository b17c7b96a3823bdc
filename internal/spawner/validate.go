package spawner

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxBranchLen = 128

// ValidateBranch accepts branch names built from alphanumerics plus ./_-/
// only. Everything a spawned process sees derives from the branch name, so
// this is the first gate against injection.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name is empty")
	}
	if len(branch) > maxBranchLen {
		return fmt.Errorf("branch name exceeds %d chars", maxBranchLen)
	}
	if strings.ContainsRune(branch, 0) {
		return fmt.Errorf("branch name contains NUL")
	}
	for _, r := range branch {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == '/':
		default:
			return fmt.Errorf("branch name contains illegal character %q", r)
		}
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name starts with a dash")
	}
	return nil
}

// worktreePath derives the worktree directory for a branch and verifies it
// stays inside the base dir after cleaning. "../" smuggled through a branch
// name fails here, before any filesystem side effect.
func worktreePath(baseDir, branch string) (string, error) {
	sanitized := strings.ReplaceAll(branch, "/", "-")
	path := filepath.Clean(filepath.Join(baseDir, sanitized))
	base := filepath.Clean(baseDir)
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("worktree path %q escapes base %q", path, base)
	}
	if path == base {
		return "", fmt.Errorf("worktree path collapses to the base dir")
	}
	return path, nil
}

// sessionName derives the tmux session name for a task.
func sessionName(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return "fleet-" + short
}
