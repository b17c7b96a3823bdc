package spawner

import "fmt"

// SpawnError codes. The code tells the retry engine what failed; the wrapped
// error says why.
type ErrorCode string

const (
	WorktreeFailed ErrorCode = "WORKTREE_FAILED"
	InstallFailed  ErrorCode = "INSTALL_FAILED"
	ProcessFailed  ErrorCode = "PROCESS_FAILED"
	Timeout        ErrorCode = "TIMEOUT"
)

// SpawnError wraps any failure in the spawn pipeline.
type SpawnError struct {
	Code   ErrorCode
	TaskID string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spawn task %s: %s", e.TaskID, e.Code)
	}
	return fmt.Sprintf("spawn task %s: %s: %v", e.TaskID, e.Code, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
