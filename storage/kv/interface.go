package kv

import (
	"context"

	"github.com/jrife/menger/storage/vector"
)

// PluginOptions are the options passed to a plugin
// when opening a backend. Every plugin understands "path".
type PluginOptions map[string]interface{}

// Plugin represents a backend storage plugin
type Plugin interface {
	// Kind returns the backend kind this plugin provides
	Kind() Kind
	// Name returns the name of the storage plugin
	Name() string
	// Open opens or creates a backend. Failures to open the
	// underlying resource must wrap ErrBackendUnavailable.
	Open(options PluginOptions) (Backend, error)
	// NewTempBackend returns a backend initialized with some
	// sane defaults. It is meant for tests that need an
	// initialized backend without knowing how to initialize it
	NewTempBackend() (Backend, error)
}

// Backend is the physical store behind a space. Keys
// are opaque strings. Values are serialized sparse vectors.
type Backend interface {
	// RawGet returns the persisted bytes for key. It returns
	// nil and no error if key was never written.
	RawGet(ctx context.Context, key string) ([]byte, error)
	// RawSet persists one serialized value immediately.
	RawSet(ctx context.Context, key string, value []byte) error
	// FlushWriteBatch persists every entry in pending as one
	// logical batch. Flushing the same batch again must leave
	// the backend in the same state (last write wins per key).
	FlushWriteBatch(ctx context.Context, pending map[string]vector.Sparse) error
	// ForEach calls fn for every persisted record in ascending
	// key order. It stops at the first error returned by fn.
	ForEach(ctx context.Context, fn func(key string, value []byte) error) error
	// Close releases the backend's resources. Calls after the
	// first return ErrClosed and have no effect on persisted data.
	Close() error
}
