package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{
		TaskID: "tsk_1", OldStatus: "queued", NewStatus: "running",
	})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskStateChanged {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskStateChanged)
		}
		payload, ok := event.Payload.(TaskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type %T, want TaskStateChangedEvent", event.Payload)
		}
		if payload.TaskID != "tsk_1" || payload.NewStatus != "running" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, "tsk_1")
	b.Publish(TopicPolicyDenied, PolicyDeniedEvent{TaskID: "tsk_1", Tool: "fs.move"})

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

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicTaskStateChanged, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}
