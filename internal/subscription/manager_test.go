package subscription

import "testing"

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "anything.goes", true},
		{"chat.message.delta", "chat.message.delta", true},
		{"chat.message.delta", "chat.other", false},
		{"chat.*", "chat.message.delta", true},
		{"chat.*", "chat", true},
		{"chat.*", "chatter", false},
		{"terminal.*", "terminal.session.exit", true},
		{"terminal.*", "other.topic", false},
	}
	for _, tc := range cases {
		if got := PatternMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("PatternMatches(%q,%q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := New()
	id, err := m.Subscribe("chat.*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !m.Matches("chat.turn.started") {
		t.Error("expected match after subscribe")
	}

	if !m.Unsubscribe(id) {
		t.Error("expected first unsubscribe to remove the entry")
	}
	if m.Unsubscribe(id) {
		t.Error("expected second unsubscribe to be idempotent (false)")
	}
	if m.Matches("chat.turn.started") {
		t.Error("expected no match after unsubscribe")
	}
}

func TestSubscribeEmptyPattern(t *testing.T) {
	m := New()
	if _, err := m.Subscribe(""); err == nil {
		t.Error("expected error for empty pattern")
	}
}

func TestMultipleSubscriptionsIndependent(t *testing.T) {
	m := New()
	idA, _ := m.Subscribe("terminal.*")
	_, _ = m.Subscribe("chat.*")

	if m.Count() != 2 {
		t.Fatalf("count = %d, want 2", m.Count())
	}
	m.Unsubscribe(idA)
	if !m.Matches("chat.turn.started") {
		t.Error("expected chat.* subscription to survive removing terminal.*")
	}
	if m.Matches("terminal.session.exit") {
		t.Error("expected terminal.* subscription to be gone")
	}
}
