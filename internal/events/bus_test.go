package events

import (
	"testing"
	"time"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventRouteSuccess, Provider: "openai", LatencyMs: 120})

	select {
	case ev := <-sub.C:
		if ev.Type != EventRouteSuccess {
			t.Errorf("expected route_success, got %s", ev.Type)
		}
		if ev.Provider != "openai" {
			t.Errorf("expected provider openai, got %s", ev.Provider)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe(10)
	sub2 := bus.Subscribe(10)
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	bus.Publish(Event{Type: EventKeyRotated, Provider: "gemini"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case ev := <-sub.C:
			if ev.Type != EventKeyRotated {
				t.Errorf("expected key_rotated, got %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	// Fill the buffer, then publish again; the second event is dropped and
	// Publish does not block.
	bus.Publish(Event{Type: EventRouteSuccess})
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventRouteError})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if len(sub.C) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(sub.C))
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	bus.Unsubscribe(sub)

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: EventRouteSuccess})
}

func TestEventJSON(t *testing.T) {
	ev := Event{
		Type:      EventProviderState,
		Provider:  "anthropic",
		OldState:  "ready",
		NewState:  "cooldown",
		Reason:    "timeout",
		Timestamp: time.Now(),
	}
	b := ev.JSON()
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
