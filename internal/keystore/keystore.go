// Package keystore provides durable client-side key-value slots with
// change subscription. It is the single storage abstraction shared by the
// session manager and the API client; both read and write the token slot
// through it so another process updating the store is observed the same way
// another browser tab would be.
package keystore

import (
	"context"
	"errors"
)

// Well-known keys.
const (
	KeyAuthToken = "auth_token"
	KeyTheme     = "theme"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("keystore: key not found")

// Change describes a single key mutation. Present is false when the key was
// deleted, in which case Value is empty.
type Change struct {
	Key     string
	Value   string
	Present bool
}

// Store is a durable string key-value store with change notification.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Subscribe returns a channel of key changes and a cancel function.
	// The channel is closed after cancel is called or the store is closed.
	// Slow consumers may miss intermediate changes but always eventually
	// observe the latest state of a key.
	Subscribe() (<-chan Change, func())

	// Close releases store resources and closes all subscriptions.
	Close() error
}
