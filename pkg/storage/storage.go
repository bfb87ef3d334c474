package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// ErrQuotaExceeded is returned by Set when the write would push the store
// past its configured capacity. Callers decide the recovery policy.
var ErrQuotaExceeded = errors.New("storage: quota exceeded")

// KeyValueStore is the minimal capability the client core needs from its
// backing store. It can be satisfied by any persistent or session-scoped
// store; the caller owns namespacing via key prefixes.
type KeyValueStore interface {
	// Get retrieves the value for a key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value, replacing any existing one. May return
	// ErrQuotaExceeded if the store is capacity-bounded.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// ListKeys returns every key starting with the given prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Closer is included for implementations that manage network connections.
	io.Closer
}
