package bus_test

import (
	"testing"
	"time"

	"github.com/basket/fleetd/internal/bus"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("fleet.task.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskSpawned, bus.TaskLifecycleEvent{Type: bus.EventAgentSpawned, TaskID: "t-1"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTaskSpawned {
			t.Fatalf("expected topic %q, got %q", bus.TopicTaskSpawned, ev.Topic)
		}
		payload, ok := ev.Payload.(bus.TaskLifecycleEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.TaskID != "t-1" || payload.Type != bus.EventAgentSpawned {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PrefixFiltering(t *testing.T) {
	b := bus.New()
	failedOnly := b.Subscribe(bus.TopicTaskFailed)
	defer b.Unsubscribe(failedOnly)

	b.Publish(bus.TopicTaskSpawned, nil)
	b.Publish(bus.TopicTaskFailed, nil)

	select {
	case ev := <-failedOnly.Ch():
		if ev.Topic != bus.TopicTaskFailed {
			t.Fatalf("expected only failed events, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-failedOnly.Ch():
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}
}

func TestBus_EmptyPrefixMatchesAll(t *testing.T) {
	b := bus.New()
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(bus.TopicTaskCancelled, nil)
	select {
	case <-all.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected empty prefix to match all topics")
	}
}

func TestBus_SlowConsumerDropsNotBlocks(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		// More events than the buffer holds; Publish must never block.
		for i := 0; i < 500; i++ {
			b.Publish(bus.TopicTaskStateChanged, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}

func TestBus_DropHandlerCountsLostEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	drops := 0
	var droppedTopic string
	b.OnDrop(func(topic string) {
		drops++
		droppedTopic = topic
	})

	// The buffer holds 100; never drain, so the overflow is exactly the
	// excess.
	for i := 0; i < 103; i++ {
		b.Publish(bus.TopicTaskStateChanged, i)
	}

	if drops != 3 {
		t.Fatalf("drops = %d, want 3", drops)
	}
	if droppedTopic != bus.TopicTaskStateChanged {
		t.Fatalf("dropped topic = %q", droppedTopic)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers, got %d", b.SubscriberCount())
	}
}
