package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/fleetd/internal/bus"
	"github.com/basket/fleetd/internal/shared"
	"github.com/google/uuid"
)

const writeRetries = 3

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateInput carries everything needed to register a new task.
type CreateInput struct {
	OperatorID  string
	AgentType   AgentType
	Model       string
	TaskType    TaskType
	Description string
	Branch      string
	ContextHash string
	MaxRetries  int
}

func (in *CreateInput) validate() error {
	if in.OperatorID == "" {
		return errors.New("operator_id is required")
	}
	if !ValidAgentType(in.AgentType) {
		return fmt.Errorf("unknown agent type %q", in.AgentType)
	}
	if !ValidTaskType(in.TaskType) {
		return fmt.Errorf("unknown task type %q", in.TaskType)
	}
	if strings.TrimSpace(in.Description) == "" {
		return errors.New("description is required")
	}
	if in.Branch == "" {
		return errors.New("branch is required")
	}
	return nil
}

// Create registers a new task in status proposed with version 0.
func (s *Store) Create(ctx context.Context, in CreateInput) (*FleetTask, error) {
	var task *FleetTask
	err := retryOnBusy(ctx, writeRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err = s.CreateTx(ctx, tx, in)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTx inserts a proposed task inside the caller's transaction. The
// governor uses this so that the quota check and the insert commit or fail
// as one unit.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, in CreateInput) (*FleetTask, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fleet_tasks (
			id, operator_id, agent_type, model, task_type,
			description, branch, status, version, retry_count,
			max_retries, context_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, NULLIF(?, ''));
	`, id, in.OperatorID, in.AgentType, in.Model, in.TaskType,
		in.Description, in.Branch, StatusProposed, maxRetries, in.ContextHash,
	); err != nil {
		return nil, fmt.Errorf("insert fleet task: %w", err)
	}

	if err := appendTaskEventTx(ctx, tx, id, shared.TraceID(ctx),
		"task.created", "", StatusProposed, eventPayload{Version: 0}); err != nil {
		return nil, err
	}
	return getTaskTx(ctx, tx, id)
}

// Get returns the task by id or a TaskNotFoundError.
func (s *Store) Get(ctx context.Context, id string) (*FleetTask, error) {
	return getTaskTx(ctx, s.db, id)
}

func getTaskTx(ctx context.Context, q rowQueryer, id string) (*FleetTask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM fleet_tasks WHERE id = ?;`, id)
	var task FleetTask
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &TaskNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("scan fleet task: %w", err)
	}
	return &task, nil
}

// TransitionMeta carries optional row updates applied atomically with a
// transition. Empty fields are left untouched.
type TransitionMeta struct {
	// Branch rebinds the task to the branch the work actually landed on,
	// e.g. the suffixed branch a retry attempt spawned with.
	Branch         string
	WorktreePath   string
	ContainerID    string
	TmuxSession    string
	FailureContext string
}

// eventPayload is what the journal stores alongside each transition.
type eventPayload struct {
	Version        int64  `json:"version"`
	FailureContext string `json:"failure_context,omitempty"`
	ProcessRef     string `json:"process_ref,omitempty"`
}

// Transition moves the task from its current status to `to`, guarded by the
// caller's expectedVersion. The version check and the status update are one
// conditional UPDATE: losing a race yields StaleVersionError, never a silent
// overwrite. A transition outside the allowed set yields
// InvalidTransitionError regardless of version.
func (s *Store) Transition(ctx context.Context, id string, expectedVersion int64, to Status, meta *TransitionMeta) (*FleetTask, error) {
	var (
		updated *FleetTask
		from    Status
	)
	err := retryOnBusy(ctx, writeRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		from = current.Status
		if !CanTransition(from, to) {
			return &InvalidTransitionError{ID: id, From: from, To: to}
		}

		setClauses := []string{
			"status = ?",
			"version = version + 1",
			"updated_at = CURRENT_TIMESTAMP",
		}
		args := []any{to}
		if meta != nil {
			if meta.Branch != "" {
				setClauses = append(setClauses, "branch = ?")
				args = append(args, meta.Branch)
			}
			if meta.WorktreePath != "" {
				setClauses = append(setClauses, "worktree_path = ?")
				args = append(args, meta.WorktreePath)
			}
			if meta.ContainerID != "" {
				setClauses = append(setClauses, "container_id = ?")
				args = append(args, meta.ContainerID)
			}
			if meta.TmuxSession != "" {
				setClauses = append(setClauses, "tmux_session = ?")
				args = append(args, meta.TmuxSession)
			}
			if meta.FailureContext != "" {
				setClauses = append(setClauses, "failure_context = ?")
				args = append(args, meta.FailureContext)
			}
		}
		if to == StatusRunning {
			setClauses = append(setClauses, "spawned_at = COALESCE(spawned_at, CURRENT_TIMESTAMP)")
		}
		if IsTerminal(to) {
			setClauses = append(setClauses, "completed_at = CURRENT_TIMESTAMP")
		}
		args = append(args, id, expectedVersion)

		res, err := tx.ExecContext(ctx,
			"UPDATE fleet_tasks SET "+strings.Join(setClauses, ", ")+" WHERE id = ? AND version = ?;",
			args...)
		if err != nil {
			return fmt.Errorf("update fleet task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return &StaleVersionError{ID: id, ExpectedVersion: expectedVersion}
		}

		updated, err = getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		payload := eventPayload{Version: updated.Version, ProcessRef: updated.ProcessRef()}
		if meta != nil {
			payload.FailureContext = meta.FailureContext
		}
		if err := appendTaskEventTx(ctx, tx, id, shared.TraceID(ctx),
			"task."+string(to), from, to, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(updated, from)
	return updated, nil
}

// publishTransition emits bus events after the transaction committed. The
// bus is best-effort and never part of the write's success contract.
func (s *Store) publishTransition(task *FleetTask, from Status) {
	if s.bus == nil || task == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:     task.ID,
		OperatorID: task.OperatorID,
		OldStatus:  string(from),
		NewStatus:  string(task.Status),
		Version:    task.Version,
	})

	lifecycle := bus.TaskLifecycleEvent{
		TaskID:     task.ID,
		OperatorID: task.OperatorID,
		AgentType:  string(task.AgentType),
		Branch:     task.Branch,
		RetryCount: task.RetryCount,
	}
	switch task.Status {
	case StatusMerged:
		lifecycle.Type = bus.EventAgentCompleted
		s.bus.Publish(bus.TopicTaskCompleted, lifecycle)
	case StatusCancelled:
		lifecycle.Type = bus.EventAgentCancelled
		s.bus.Publish(bus.TopicTaskCancelled, lifecycle)
	case StatusFailed:
		lifecycle.Type = bus.EventAgentFailed
		lifecycle.Reason = task.FailureContext
		s.bus.Publish(bus.TopicTaskFailed, lifecycle)
	}
}

// RecordFailure atomically increments retry_count while it is below
// max_retries and stores the failure context. It returns false (with no
// error) when the task is already at its retry ceiling; the caller decides
// whether that means abandonment.
func (s *Store) RecordFailure(ctx context.Context, id, failureContext string) (bool, error) {
	incremented := false
	err := retryOnBusy(ctx, writeRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record-failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE fleet_tasks
			SET retry_count = retry_count + 1,
			    failure_context = ?,
			    version = version + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND retry_count < max_retries;
		`, failureContext, id)
		if err != nil {
			return fmt.Errorf("increment retry count: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// At the ceiling. Not an error: the guard doing its job.
			incremented = false
			return tx.Commit()
		}
		incremented = true

		if err := appendTaskEventTx(ctx, tx, id, shared.TraceID(ctx),
			"task.failure_recorded", current.Status, current.Status,
			eventPayload{Version: current.Version + 1, FailureContext: failureContext}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return incremented, nil
}

// Delete removes a task and its journal. Only terminal tasks may be deleted;
// anything live must be cancelled first so its process gets torn down.
func (s *Store) Delete(ctx context.Context, id string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !IsTerminal(current.Status) {
			return &ActiveTaskDeletionError{ID: id, Status: current.Status}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fleet_tasks WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete fleet task: %w", err)
		}
		return tx.Commit()
	})
}

// ClearWorkspace drops the worktree path from a task row once its workspace
// has been reclaimed, so cleanup sweeps do not revisit the task.
func (s *Store) ClearWorkspace(ctx context.Context, id string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE fleet_tasks SET worktree_path = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("clear workspace: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return &TaskNotFoundError{ID: id}
		}
		return nil
	})
}

// Filter narrows Query results. Zero-valued fields are ignored.
type Filter struct {
	OperatorID   string
	Statuses     []Status
	AgentType    AgentType
	TaskType     TaskType
	ContextHash  string
	CreatedAfter time.Time
	Limit        int
}

// Query lists tasks matching the filter, newest first. The limit defaults to
// 100 and is capped at 500.
func (s *Store) Query(ctx context.Context, f Filter) ([]*FleetTask, error) {
	var (
		where []string
		args  []any
	)
	if f.OperatorID != "" {
		where = append(where, "operator_id = ?")
		args = append(args, f.OperatorID)
	}
	if len(f.Statuses) > 0 {
		marks, statusArgs := statusPlaceholders(f.Statuses)
		where = append(where, "status IN ("+marks+")")
		args = append(args, statusArgs...)
	}
	if f.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if f.ContextHash != "" {
		where = append(where, "context_hash = ?")
		args = append(args, f.ContextHash)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, f.CreatedAfter.UTC())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := `SELECT ` + taskColumns + ` FROM fleet_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fleet tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*FleetTask
	for rows.Next() {
		var task FleetTask
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan fleet task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// ListLive returns every non-terminal task, for crash-recovery reconciliation
// and retry sweeps.
func (s *Store) ListLive(ctx context.Context) ([]*FleetTask, error) {
	return s.Query(ctx, Filter{Statuses: NonTerminalStatuses(), Limit: MaxQueryLimit})
}

// CountActive counts the operator's non-terminal tasks.
func (s *Store) CountActive(ctx context.Context, operatorID string) (int, error) {
	return countActive(ctx, s.db, operatorID)
}

// CountActiveTx is CountActive inside the caller's transaction, so the count
// the governor admits on is the count the insert commits against.
func (s *Store) CountActiveTx(ctx context.Context, tx *sql.Tx, operatorID string) (int, error) {
	return countActive(ctx, tx, operatorID)
}

func countActive(ctx context.Context, q rowQueryer, operatorID string) (int, error) {
	marks, args := statusPlaceholders(NonTerminalStatuses())
	args = append([]any{operatorID}, args...)
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fleet_tasks WHERE operator_id = ? AND status IN (`+marks+`);`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// CountAllActive counts non-terminal tasks fleet-wide.
func (s *Store) CountAllActive(ctx context.Context) (int, error) {
	marks, args := statusPlaceholders(NonTerminalStatuses())
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fleet_tasks WHERE status IN (`+marks+`);`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count all active tasks: %w", err)
	}
	return n, nil
}

// FindLiveByContextHashTx returns the operator's non-terminal task carrying
// the given context hash, or nil when there is none. Used for idempotent
// spawn admission.
func (s *Store) FindLiveByContextHashTx(ctx context.Context, tx *sql.Tx, operatorID, contextHash string) (*FleetTask, error) {
	if contextHash == "" {
		return nil, nil
	}
	marks, statusArgs := statusPlaceholders(NonTerminalStatuses())
	args := append([]any{operatorID, contextHash}, statusArgs...)
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM fleet_tasks
		 WHERE operator_id = ? AND context_hash = ? AND status IN (`+marks+`)
		 ORDER BY created_at DESC LIMIT 1;`,
		args...)
	var task FleetTask
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("probe context hash: %w", err)
	}
	return &task, nil
}

// SetReviewMeta updates PR/CI/review fields under the same optimistic
// version guard as Transition, without changing status.
func (s *Store) SetReviewMeta(ctx context.Context, id string, expectedVersion int64, prNumber int, ciStatus, reviewStatus string) (*FleetTask, error) {
	var updated *FleetTask
	err := retryOnBusy(ctx, writeRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin review-meta tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE fleet_tasks
			SET pr_number = NULLIF(?, 0),
			    ci_status = NULLIF(?, ''),
			    review_status = NULLIF(?, ''),
			    version = version + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND version = ?;
		`, prNumber, ciStatus, reviewStatus, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("update review meta: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return &StaleVersionError{ID: id, ExpectedVersion: expectedVersion}
		}
		updated, err = getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListTaskEvents returns the task's journal, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type,
		       COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM fleet_task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, traceID, eventType string, from, to Status, payload eventPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fleet_task_events (task_id, trace_id, event_type, state_from, state_to, payload_json)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?);
	`, taskID, traceID, eventType, string(from), string(to), string(raw)); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}
