package registry

import "time"

type Status string

// Fleet task lifecycle states.
const (
	StatusProposed  Status = "proposed"
	StatusSpawning  Status = "spawning"
	StatusRunning   Status = "running"
	StatusPRCreated Status = "pr_created"
	StatusReviewing Status = "reviewing"
	StatusReady     Status = "ready"
	StatusMerged    Status = "merged"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusAbandoned Status = "abandoned"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// allowedTransitions is the single source of truth for the state machine.
// Terminal states (merged, abandoned, cancelled) have no entry: nothing
// leaves them, which is what makes "cancelled tasks are never retried" a
// structural guarantee rather than a runtime check.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusProposed: {
		StatusSpawning: {},
	},
	StatusSpawning: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusPRCreated: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusPRCreated: {
		StatusReviewing: {},
		StatusCancelled: {},
	},
	StatusReviewing: {
		StatusReady:    {},
		StatusRejected: {},
	},
	StatusReady: {
		StatusMerged: {},
	},
	StatusFailed: {
		StatusRetrying:  {},
		StatusAbandoned: {},
	},
	StatusRejected: {
		StatusRetrying: {},
	},
	StatusRetrying: {
		StatusSpawning:  {},
		StatusAbandoned: {},
	},
}

// terminalStatuses have no outgoing transitions and are the only states a
// task may be deleted from.
var terminalStatuses = map[Status]struct{}{
	StatusMerged:    {},
	StatusAbandoned: {},
	StatusCancelled: {},
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	_, ok := terminalStatuses[s]
	return ok
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// NonTerminalStatuses returns every status that counts toward an operator's
// active quota, in stable order.
func NonTerminalStatuses() []Status {
	return []Status{
		StatusProposed, StatusSpawning, StatusRunning, StatusPRCreated,
		StatusReviewing, StatusReady, StatusFailed, StatusRetrying,
		StatusRejected,
	}
}

type AgentType string

const (
	AgentClaudeCode AgentType = "claude_code"
	AgentCodex      AgentType = "codex"
	AgentGemini     AgentType = "gemini"
)

// ValidAgentType reports whether t is a known agent runtime.
func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentClaudeCode, AgentCodex, AgentGemini:
		return true
	}
	return false
}

type TaskType string

const (
	TaskBugFix   TaskType = "bug_fix"
	TaskFeature  TaskType = "feature"
	TaskRefactor TaskType = "refactor"
	TaskReview   TaskType = "review"
	TaskDocs     TaskType = "docs"
)

// ValidTaskType reports whether t is a known task classification.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskBugFix, TaskFeature, TaskRefactor, TaskReview, TaskDocs:
		return true
	}
	return false
}

// FleetTask is a durable fleet task record. The registry owns every mutation;
// Version is the optimistic-concurrency token and only ever increases.
type FleetTask struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	AgentType  AgentType `json:"agent_type"`
	Model      string    `json:"model"`
	TaskType   TaskType  `json:"task_type"`
	Description string   `json:"description"`
	Branch      string   `json:"branch"`

	// Process binding; empty until launched. ContainerID and TmuxSession are
	// mutually exclusive, enforced by a table CHECK constraint.
	WorktreePath string `json:"worktree_path,omitempty"`
	ContainerID  string `json:"container_id,omitempty"`
	TmuxSession  string `json:"tmux_session,omitempty"`

	Status         Status `json:"status"`
	Version        int64  `json:"version"`
	RetryCount     int    `json:"retry_count"`
	MaxRetries     int    `json:"max_retries"`
	FailureContext string `json:"failure_context,omitempty"`
	ContextHash    string `json:"context_hash,omitempty"`

	// Review metadata, set by collaborators outside the core.
	PRNumber     int    `json:"pr_number,omitempty"`
	CIStatus     string `json:"ci_status,omitempty"`
	ReviewStatus string `json:"review_status,omitempty"`

	SpawnedAt   *time.Time `json:"spawned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the task counts toward its operator's quota.
func (t *FleetTask) Active() bool {
	return !IsTerminal(t.Status)
}

// ProcessRef returns the container ID or tmux session bound to the task,
// whichever is set.
func (t *FleetTask) ProcessRef() string {
	if t.ContainerID != "" {
		return t.ContainerID
	}
	return t.TmuxSession
}

// TaskEvent is one row of the append-only transition journal.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom Status    `json:"state_from,omitempty"`
	StateTo   Status    `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
