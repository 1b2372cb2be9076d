package events

import (
	"testing"
	"time"
)

func TestChannel(t *testing.T) {
	cases := []struct{ typ, want string }{
		{"task:created", "task"},
		{"consumer:disconnected", "consumer"},
		{"heartbeat", "heartbeat"},
		{"a:b:c", "a"},
	}
	for _, c := range cases {
		if got := (Event{Type: c.typ}).Channel(); got != c.want {
			t.Errorf("Channel(%q) = %q, want %q", c.typ, got, c.want)
		}
	}
}

func TestPublishOrdering(t *testing.T) {
	h := NewHub(8, 8)
	ch, cancel := h.Subscribe(nil)
	defer cancel()

	h.Publish(Event{Type: "task:created"})
	h.Publish(Event{Type: "task:updated"})
	h.Publish(Event{Type: "task:completed"})

	want := []string{"task:created", "task:updated", "task:completed"}
	for i, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				t.Errorf("event %d = %q, want %q", i, ev.Type, typ)
			}
			if ev.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSubscribeChannelFilter(t *testing.T) {
	h := NewHub(8, 8)
	ch, cancel := h.Subscribe([]string{"consumer"})
	defer cancel()

	h.Publish(Event{Type: "task:created"})
	h.Publish(Event{Type: "consumer:connected"})

	select {
	case ev := <-ch:
		if ev.Type != "consumer:connected" {
			t.Errorf("got %q, want only consumer events", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event %q", ev.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	h := NewHub(1, 8)
	ch, cancel := h.Subscribe(nil)
	defer cancel()

	// Buffer of one: the second publish must drop, not block.
	done := make(chan struct{})
	go func() {
		h.Publish(Event{Type: "first"})
		h.Publish(Event{Type: "second"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	ev := <-ch
	if ev.Type != "first" {
		t.Errorf("got %q, want first", ev.Type)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(8, 8)
	ch, cancel := h.Subscribe(nil)

	if n := h.SubscriberCount(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	cancel()
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("subscribers = %d after cancel, want 0", n)
	}
	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}

	// A second cancel is a no-op.
	cancel()
}

func TestHistoryRing(t *testing.T) {
	h := NewHub(8, 3)

	for _, typ := range []string{"e1", "e2", "e3", "e4", "e5"} {
		h.Publish(Event{Type: typ})
	}

	all := h.History(0)
	if len(all) != 3 {
		t.Fatalf("history len = %d, want ring bound 3", len(all))
	}
	if all[0].Type != "e3" || all[2].Type != "e5" {
		t.Errorf("history = %+v, want oldest-first tail", all)
	}

	last := h.History(2)
	if len(last) != 2 || last[0].Type != "e4" {
		t.Errorf("History(2) = %+v", last)
	}
}

func TestCloseDisconnectsAll(t *testing.T) {
	h := NewHub(8, 8)
	ch1, _ := h.Subscribe(nil)
	ch2, _ := h.Subscribe([]string{"task"})

	h.Close()
	if _, open := <-ch1; open {
		t.Error("ch1 still open after Close")
	}
	if _, open := <-ch2; open {
		t.Error("ch2 still open after Close")
	}
	if n := h.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d after Close", n)
	}
}
