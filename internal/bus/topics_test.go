package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/fleetd/internal/bus"
)

type recordingSink struct {
	mu     sync.Mutex
	events []bus.TaskLifecycleEvent
	err    error
}

func (r *recordingSink) Deliver(_ context.Context, ev bus.TaskLifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestForward_DeliversLifecycleEvents(t *testing.T) {
	b := bus.New()
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Forward(ctx, b, sink, nil)
	// Let the forwarder subscribe before publishing.
	time.Sleep(10 * time.Millisecond)

	b.Publish(bus.TopicTaskSpawned, bus.TaskLifecycleEvent{Type: bus.EventAgentSpawned, TaskID: "t-1"})
	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: "t-1"})

	deadline := time.Now().Add(time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly one lifecycle delivery, got %d", got)
	}
}

func TestForward_SinkErrorsAreSwallowed(t *testing.T) {
	b := bus.New()
	sink := &recordingSink{err: errors.New("sink offline")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Forward(ctx, b, sink, nil)
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.Publish(bus.TopicTaskFailed, bus.TaskLifecycleEvent{Type: bus.EventAgentFailed, TaskID: "t-2"})
	}

	deadline := time.Now().Add(time.Second)
	for sink.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.count(); got != 3 {
		t.Fatalf("expected delivery attempts to continue past errors, got %d", got)
	}
}

func TestForward_NilSinkIsNoop(t *testing.T) {
	b := bus.New()
	bus.Forward(context.Background(), b, nil, nil)
	if b.SubscriberCount() != 0 {
		t.Fatal("nil sink must not subscribe")
	}
}
