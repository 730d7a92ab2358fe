// Package domain contains the core record and identifier types shared across
// the gateway's services and its store.
package domain

import "github.com/google/uuid"

// NewID mints a fresh collision-resistant identifier. Used for connection,
// chat, thread, turn, item, subscription, and approval ids.
func NewID() string {
	return uuid.New().String()
}
