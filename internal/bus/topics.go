package bus

import (
	"context"
	"log/slog"
)

// Fleet task lifecycle topics.
const (
	TopicTaskStateChanged = "fleet.task.state_changed"
	TopicTaskSpawned      = "fleet.task.spawned"
	TopicTaskCompleted    = "fleet.task.completed"
	TopicTaskFailed       = "fleet.task.failed"
	TopicTaskRetrying     = "fleet.task.retrying"
	TopicTaskCancelled    = "fleet.task.cancelled"
)

// Event type names carried in lifecycle payloads.
const (
	EventAgentSpawned   = "AGENT_SPAWNED"
	EventAgentCompleted = "AGENT_COMPLETED"
	EventAgentFailed    = "AGENT_FAILED"
	EventAgentRetrying  = "AGENT_RETRYING"
	EventAgentCancelled = "AGENT_CANCELLED"
)

// TaskStateChangedEvent is published on every registry transition.
type TaskStateChangedEvent struct {
	TaskID     string
	OperatorID string
	OldStatus  string
	NewStatus  string
	Version    int64
}

// TaskLifecycleEvent is published on the coarse lifecycle topics
// (spawned/completed/failed/retrying/cancelled).
type TaskLifecycleEvent struct {
	Type       string // AGENT_SPAWNED etc.
	TaskID     string
	OperatorID string
	AgentType  string
	Branch     string
	RetryCount int
	Reason     string
}

// Sink is the optional external distribution target for lifecycle events.
// Implementations must be safe for concurrent use; errors are logged and
// never propagate to publishers.
type Sink interface {
	Deliver(ctx context.Context, ev TaskLifecycleEvent) error
}

// Forward drains lifecycle events from the bus into at most one external
// sink until ctx is cancelled. Delivery is strictly best-effort.
func Forward(ctx context.Context, b *Bus, sink Sink, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe("fleet.task.")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				lifecycle, isLifecycle := ev.Payload.(TaskLifecycleEvent)
				if !isLifecycle {
					continue
				}
				if err := sink.Deliver(ctx, lifecycle); err != nil {
					logger.Warn("event sink delivery failed",
						"topic", ev.Topic,
						"task_id", lifecycle.TaskID,
						"error", err,
					)
				}
			}
		}
	}()
}
