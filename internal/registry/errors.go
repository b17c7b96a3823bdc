package registry

import "fmt"

// TaskNotFoundError reports an operation against an unknown task id.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("fleet task %q not found", e.ID)
}

// InvalidTransitionError reports a transition outside the state machine's
// allowed set. This is a logic bug or malicious input, never a race.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fleet task %q: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// StaleVersionError reports that another writer won the race: the caller's
// expected version no longer matches the row. Callers must re-read and
// decide whether to retry; re-submitting the same version will fail again.
type StaleVersionError struct {
	ID              string
	ExpectedVersion int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("fleet task %q: version %d is stale", e.ID, e.ExpectedVersion)
}

// ActiveTaskDeletionError reports an attempt to delete a task that is not in
// a terminal state.
type ActiveTaskDeletionError struct {
	ID     string
	Status Status
}

func (e *ActiveTaskDeletionError) Error() string {
	return fmt.Sprintf("fleet task %q: cannot delete while %s (terminal states only)", e.ID, e.Status)
}
