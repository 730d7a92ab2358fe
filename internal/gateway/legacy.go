package gateway

import (
	"encoding/json"
	"sync"

	"github.com/ashureev/homie-gateway/internal/domain"
)

// legacyIDTracker remembers the original client-supplied id for requests
// whose id was not the canonical opaque string shape (a bare number, for
// instance), so the response can be rewritten back to what the client sent
// (spec.md §4.1 "Legacy envelope tolerance").
type legacyIDTracker struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

func newLegacyIDTracker() *legacyIDTracker {
	return &legacyIDTracker{m: make(map[string]json.RawMessage)}
}

// normalize returns the id to use internally for raw, minting and
// remembering a fresh one if raw isn't already a canonical JSON string.
func (t *legacyIDTracker) normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 && raw[0] == '"' {
		return raw
	}
	internal, _ := json.Marshal(domain.NewID())
	t.mu.Lock()
	t.m[string(internal)] = append(json.RawMessage(nil), raw...)
	t.mu.Unlock()
	return internal
}

// restore returns the original id to send back for internalID, or
// internalID unchanged if it was never rewritten.
func (t *legacyIDTracker) restore(internalID json.RawMessage) json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if orig, ok := t.m[string(internalID)]; ok {
		delete(t.m, string(internalID))
		return orig
	}
	return internalID
}
