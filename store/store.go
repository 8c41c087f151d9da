// Package store provides the namespaced key-value persistence used by the
// meshnet core for queue contents, channel state, key material and message
// history.
//
// Two implementations are provided: a sqlite-backed store for production
// and an in-memory store for tests and ephemeral sessions.
package store

import "errors"

// ErrNotFound indicates the requested key does not exist in the namespace.
var ErrNotFound = errors.New("key not found")

// Well-known namespaces used by the core.
const (
	NSQueue     = "queue"
	NSDelivery  = "delivery"
	NSChannels  = "channels"
	NSKeys      = "keys"
	NSPeerKeys  = "peerkeys"
	NSHistory   = "history"
	NSReadMarks = "readmarks"
	NSDeleted   = "deleted"
)

// Store is a namespaced key-value persistence interface. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the value for key in namespace, or ErrNotFound.
	Get(namespace, key string) ([]byte, error)
	// Put stores the value, replacing any existing one.
	Put(namespace, key string, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(namespace, key string) error
	// List returns every key/value pair in a namespace.
	List(namespace string) (map[string][]byte, error)
	// Close releases resources held by the store.
	Close() error
}
