package hub

import (
	"testing"
	"time"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	h := New()
	sub := h.Subscribe("claude")
	defer h.Unsubscribe(sub)

	h.Publish("claude", Event{"type": "request_started"})

	select {
	case evt := <-sub.Events():
		if evt["type"] != "request_started" {
			t.Errorf("unexpected event: %+v", evt)
		}
		if evt["service"] != "claude" {
			t.Errorf("expected service auto-stamped, got %+v", evt)
		}
		if _, ok := evt["timestamp"]; !ok {
			t.Error("expected timestamp auto-stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_ScopedByService(t *testing.T) {
	h := New()
	claudeSub := h.Subscribe("claude")
	codexSub := h.Subscribe("codex")
	defer h.Unsubscribe(claudeSub)
	defer h.Unsubscribe(codexSub)

	h.Publish("claude", Event{"type": "x"})

	select {
	case <-claudeSub.Events():
	case <-time.After(time.Second):
		t.Fatal("claude subscriber should have received the event")
	}

	select {
	case evt := <-codexSub.Events():
		t.Fatalf("codex subscriber should not receive claude events, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DropsOldestWhenFull(t *testing.T) {
	h := New()
	sub := h.Subscribe("claude")
	defer h.Unsubscribe(sub)

	// Overfill the bounded queue; the oldest events should be dropped,
	// not the publish blocked.
	for i := 0; i < queueCapacity+10; i++ {
		h.Publish("claude", Event{"type": "n", "seq": i})
	}

	first := <-sub.Events()
	if first["seq"] == 0 {
		t.Error("expected the oldest events to have been dropped")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	h := New()
	sub := h.Subscribe("claude")
	h.Unsubscribe(sub)

	_, ok := <-sub.Events()
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe("claude")
	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // must not panic
}

func TestPublish_NoSubscribersIsNoOp(t *testing.T) {
	h := New()
	h.Publish("claude", Event{"type": "x"}) // must not panic or block
}
