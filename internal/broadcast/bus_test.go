package broadcast

import "testing"

func TestPublishFanOut(t *testing.T) {
	b := New()
	subA := b.Subscribe()
	subB := b.Subscribe()
	defer subA.Close()
	defer subB.Close()

	b.Publish(Event{Topic: "terminal.session.exit"})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.C:
			if ev.Topic != "terminal.session.exit" {
				t.Errorf("topic = %q, want terminal.session.exit", ev.Topic)
			}
		default:
			t.Error("expected event to be delivered")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()

	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0 after close", b.SubscriberCount())
	}
	// Publishing after close must not panic even though the channel is gone.
	b.Publish(Event{Topic: "x"})
}

func TestPublishDropsOnFullChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBacklog+10; i++ {
		b.Publish(Event{Topic: "spam"})
	}
	// Must not block or panic; channel caps at subscriberBacklog.
	if len(sub.C) != subscriberBacklog {
		t.Errorf("buffered events = %d, want %d", len(sub.C), subscriberBacklog)
	}
}
