// Package storage provides the key/value stores backing the metadata cache.
// The memory store serves one process; the postgres and mongodb stores let
// several driver instances share cached metadata.
package storage

import "context"

// Store is a byte oriented key/value store. Keys are namespaced by the
// caller; DeletePrefix removes a whole namespace or tier at once.
type Store interface {
	// Get returns the value and whether the key was present
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key; a missing key is not an error
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases connections and background workers
	Close() error
}
