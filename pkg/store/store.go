// Package store provides the namespace-keyed key-value backend the
// virtual filesystem mounts its namespaces onto. A namespace is the
// first path segment of a VFS path; each namespace maps to one logical
// bucket of keys.
package store

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is the namespace-keyed backing store contract. Implementations
// must serialize access internally; callers may invoke these methods
// concurrently.
type Store interface {
	// Get returns the value for key in namespace ns, or ErrNotFound.
	Get(ns, key string) ([]byte, error)
	// Set writes value for key in namespace ns, creating it if absent.
	Set(ns, key string, value []byte) error
	// Delete removes key from namespace ns. Deleting an absent key is a
	// no-op.
	Delete(ns, key string) error
	// Has reports whether key exists in namespace ns.
	Has(ns, key string) (bool, error)
	// ListPrefix returns all keys in namespace ns with the given prefix,
	// in a stable (store-defined) order.
	ListPrefix(ns, prefix string) ([]string, error)
	// Close releases the store's underlying resources.
	Close() error
}
