// Package kv defines the contract that every physical backend
// of a space must satisfy and the plugin mechanism used to
// select one.
//
// A backend stores opaque serialized records under string keys:
//
//  - Backend (one per space)
//    - key1: {"x": 1.0}
//    - key2: {"y": 0.5, "z": 2.0}
//
// The layer above (storage/cache) buffers reads and writes in
// memory and hands batches of pending sparse vectors to
// FlushWriteBatch. A backend persists a batch as a single unit
// where its engine supports it: one bbolt update transaction for
// the log store, one SQL transaction for the table store.
//
// Backends are selected by Kind. Kinds are a closed set; asking
// for anything else is ErrBackendUnavailable, reported when the
// space is connected rather than on first use.
//
// Backends are not safe for concurrent use. A backend is owned by
// exactly one cache.Store, which is owned by one session.
package kv
