// Package subscription tracks one connection's interest in broadcast
// topics: the set of patterns it has subscribed to, and whether a given
// topic matches any of them.
package subscription

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ashureev/homie-gateway/internal/domain"
)

// entry pairs a subscription id with the pattern it was registered under.
type entry struct {
	id      string
	pattern string
}

// Manager is a per-connection set of topic patterns. It is safe for
// concurrent use since reap events and inbound subscribe/unsubscribe calls
// can race on the same connection.
type Manager struct {
	mu      sync.RWMutex
	entries []entry
}

// New creates an empty subscription manager for one connection.
func New() *Manager {
	return &Manager{}
}

// Subscribe stores pattern under a fresh subscription id. An empty pattern
// is rejected with an error.
func (m *Manager) Subscribe(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("subscribe: empty pattern")
	}
	id := domain.NewID()
	m.mu.Lock()
	m.entries = append(m.entries, entry{id: id, pattern: pattern})
	m.mu.Unlock()
	return id, nil
}

// Unsubscribe removes the subscription with the given id, reporting
// whether anything was removed. A second call with the same id is
// idempotent: it returns false.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.id == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Matches reports whether any stored pattern matches topic.
func (m *Manager) Matches(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if PatternMatches(e.pattern, topic) {
			return true
		}
	}
	return false
}

// PatternMatches implements the matching law from spec.md §8:
//
//	matches(p, t) ⇔ p == "*" ∨ p == t ∨
//	  (p endsWith ".*" ∧ t hasPrefix p[..len(p)-2] ∧ (t == prefix ∨ t starts with "prefix."))
func PatternMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return topic == prefix || strings.HasPrefix(topic, prefix+".")
	}
	return false
}

// Count returns the number of active subscriptions, mainly for tests and
// diagnostics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
