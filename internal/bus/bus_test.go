package bus

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestPublish_DeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())

	var order []int
	b.Subscribe(ClientConnection, func(Event, any) { order = append(order, 1) })
	b.Subscribe(ClientConnection, func(Event, any) { order = append(order, 2) })
	b.Subscribe(ClientConnection, func(Event, any) { order = append(order, 3) })

	b.Publish(ClientConnection, nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", order)
	}
}

func TestPublish_PayloadAndEventPassedThrough(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())

	var gotEvent Event
	var gotPayload any
	b.Subscribe(MessagePublished, func(e Event, p any) {
		gotEvent = e
		gotPayload = p
	})

	b.Publish(MessagePublished, "payload")

	if gotEvent != MessagePublished {
		t.Errorf("event = %q, want %q", gotEvent, MessagePublished)
	}
	if gotPayload != "payload" {
		t.Errorf("payload = %v, want %q", gotPayload, "payload")
	}
}

func TestPublish_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())

	delivered := false
	b.Subscribe(ClientDisconnect, func(Event, any) { panic("boom") })
	b.Subscribe(ClientDisconnect, func(Event, any) { delivered = true })

	b.Publish(ClientDisconnect, nil)

	if !delivered {
		t.Error("second subscriber not reached after first panicked")
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())

	// Must not panic or block.
	b.Publish(ClientAuthenticated, struct{}{})
}

func TestSubscribe_OnlyMatchingEventDelivered(t *testing.T) {
	t.Parallel()
	b := New(zerolog.Nop())

	count := 0
	b.Subscribe(ClientToChannelMessage, func(Event, any) { count++ })

	b.Publish(ClientToClientMessage, nil)
	b.Publish(ClientToChannelMessage, nil)

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}
