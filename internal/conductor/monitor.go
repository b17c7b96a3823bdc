package conductor

import (
	"context"
	"time"

	"github.com/basket/fleetd/internal/registry"
)

// runMonitor sweeps failed tasks through the retry engine until ctx ends.
// Each sweep picks up tasks that failed out-of-band (crashed agents found by
// recovery, spawn failures) as well as ones whose backoff has elapsed.
func (e *Engine) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepFailed(ctx)
		}
	}
}

func (e *Engine) sweepFailed(ctx context.Context) {
	failed, err := e.store.Query(ctx, registry.Filter{
		Statuses: []registry.Status{registry.StatusFailed},
		Limit:    registry.MaxQueryLimit,
	})
	if err != nil {
		e.logger.Error("retry sweep query", "error", err)
		return
	}
	for _, task := range failed {
		if ctx.Err() != nil {
			return
		}
		retried, err := e.retry.AttemptRetry(ctx, task.ID)
		if err != nil {
			e.logger.Warn("retry sweep attempt failed", "task_id", task.ID, "error", err)
			continue
		}
		if e.metrics != nil {
			if retried {
				e.metrics.RetriesTotal.Add(ctx, 1)
			} else {
				// AttemptRetry without error and without a retry means the
				// task was abandoned or became ineligible.
				fresh, getErr := e.store.Get(ctx, task.ID)
				if getErr == nil && fresh.Status == registry.StatusAbandoned {
					e.metrics.TasksAbandoned.Add(ctx, 1)
					e.metrics.ActiveTasks.Add(ctx, -1)
				}
			}
		}
	}
}
