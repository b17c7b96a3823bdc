package conductor

import (
	"context"
	"time"

	"github.com/basket/fleetd/internal/registry"
	"github.com/basket/fleetd/internal/spawner"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the first firing of a cron expression after the given
// time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// runJanitor runs workspace cleanup on the configured cron schedule.
func (e *Engine) runJanitor(ctx context.Context) {
	sched, err := cronParser.Parse(e.janitorSchedule)
	if err != nil {
		e.logger.Error("janitor schedule invalid, janitor disabled",
			"schedule", e.janitorSchedule,
			"error", err,
		)
		return
	}

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.CleanupTerminal(ctx)
		}
	}
}

// CleanupTerminal removes leftover worktrees of terminal tasks and clears
// the worktree path on each reclaimed row, so the next pass only sees tasks
// that still hold workspace state. The task rows themselves stay. Returns
// how many tasks were reclaimed.
func (e *Engine) CleanupTerminal(ctx context.Context) int {
	terminal, err := e.store.Query(ctx, registry.Filter{
		Statuses: []registry.Status{registry.StatusMerged, registry.StatusAbandoned, registry.StatusCancelled},
		Limit:    registry.MaxQueryLimit,
	})
	if err != nil {
		e.logger.Error("janitor query", "error", err)
		return 0
	}

	cleaned := 0
	for _, task := range terminal {
		if ctx.Err() != nil {
			return cleaned
		}
		if task.WorktreePath == "" {
			continue
		}
		if err := e.spawner.Cleanup(ctx, spawner.HandleFromTask(task)); err != nil {
			e.logger.Warn("janitor cleanup failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := e.store.ClearWorkspace(ctx, task.ID); err != nil {
			e.logger.Warn("janitor state update failed", "task_id", task.ID, "error", err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		e.logger.Info("janitor pass complete", "cleaned", cleaned)
	}
	return cleaned
}
