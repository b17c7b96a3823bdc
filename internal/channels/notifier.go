// Package channels delivers fleet lifecycle events to external surfaces.
package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/fleetd/internal/bus"
)

// Notifier sends human-readable notifications. Implementations must be safe
// for concurrent use. Errors never reach the pipelines that emit events.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// FormatLifecycleEvent renders a lifecycle event for a chat surface.
func FormatLifecycleEvent(ev bus.TaskLifecycleEvent) string {
	short := ev.TaskID
	if len(short) > 8 {
		short = short[:8]
	}
	var b strings.Builder
	switch ev.Type {
	case bus.EventAgentSpawned:
		fmt.Fprintf(&b, "🚀 Agent spawned for task %s", short)
	case bus.EventAgentCompleted:
		fmt.Fprintf(&b, "✅ Task %s merged", short)
	case bus.EventAgentRetrying:
		fmt.Fprintf(&b, "🔁 Task %s retrying (attempt %d)", short, ev.RetryCount)
	case bus.EventAgentCancelled:
		fmt.Fprintf(&b, "🛑 Task %s cancelled", short)
	case bus.EventAgentFailed:
		fmt.Fprintf(&b, "❌ Task %s failed", short)
	default:
		fmt.Fprintf(&b, "task %s: %s", short, ev.Type)
	}
	if ev.Branch != "" {
		fmt.Fprintf(&b, "\nbranch: %s", ev.Branch)
	}
	if ev.AgentType != "" {
		fmt.Fprintf(&b, "\nagent: %s", ev.AgentType)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", ev.Reason)
	}
	return b.String()
}

// NotifierSink adapts a Notifier into a bus.Sink for the forwarder.
type NotifierSink struct {
	Notifier Notifier
}

func (s *NotifierSink) Deliver(ctx context.Context, ev bus.TaskLifecycleEvent) error {
	if s.Notifier == nil {
		return nil
	}
	return s.Notifier.Notify(ctx, FormatLifecycleEvent(ev))
}
