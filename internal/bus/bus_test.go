package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskSubmitted, TaskEvent{TaskID: "t1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskSubmitted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskSubmitted)
		}
		payload, ok := event.Payload.(TaskEvent)
		if !ok || payload.TaskID != "t1" {
			t.Fatalf("payload = %#v, want TaskEvent{TaskID: t1}", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, TaskEvent{TaskID: "t1"})
	b.Publish(TopicHubStateChanged, HubStateEvent{From: "resting", To: "executing"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for catch-all event")
		}
	}
	if received != 2 {
		t.Fatalf("catch-all received %d events, want 2", received)
	}
}

func TestNonBlockingDrop(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; publishers must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicTaskSubmitted, TaskEvent{TaskID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	if b.DroppedEventCount() == 0 {
		t.Fatal("expected dropped events to be counted")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
