// Package cache implements the cached store that sits in
// front of a space's backend.
//
// A Store keeps two bounded maps. The write cache holds
// values that have not been persisted yet and is authoritative
// until it is flushed. The read cache holds values loaded from
// the backend and is only an optimization. Get consults the
// write cache first, so a read always observes the latest write
// made through the same Store, flushed or not.
//
// Both caches are capped at MaxCache entries and are cleared
// wholesale when full: a full write cache is flushed as one
// batch before the next Set, a full read cache is emptied before
// the next miss is inserted.
//
// Crash consistency: writes sitting in the write cache live only
// in memory. If the process dies before Flush or Close they are
// lost. A failed flush also drops them, see Flush.
package cache

import (
	"context"
	"fmt"
	"sort"

	"github.com/jrife/menger/storage/kv"
	"github.com/jrife/menger/storage/meta"
	"github.com/jrife/menger/storage/vector"
	"github.com/jrife/menger/utils/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxCache is the cache bound used when
// Config.MaxCache is not positive
const DefaultMaxCache = 1000

// Config contains configuration
// for a store
type Config struct {
	// Backend is the physical store. The Store takes
	// ownership and closes it in Close.
	Backend kv.Backend
	// Metadata is the metadata index bound to the
	// store. A nil Metadata starts an empty index.
	Metadata *meta.Index
	// MetadataPath is where Close saves the metadata
	// index. If empty the index is not persisted.
	MetadataPath string
	// MaxCache bounds the read cache and the write cache
	MaxCache int
	Logger   *zap.Logger
}

// Stats are counters describing cache behavior since
// the store was created
type Stats struct {
	ReadHits      int
	ReadMisses    int
	Flushes       int
	ReadCacheLen  int
	WriteCacheLen int
}

// Store is a bounded read/write-back cache over a backend.
// It is not safe for concurrent use.
type Store struct {
	backend      kv.Backend
	metadata     *meta.Index
	metadataPath string
	maxCache     int
	logger       *zap.Logger
	readCache    map[string]vector.Sparse
	writeCache   map[string]vector.Sparse
	stats        Stats
	closed       bool
}

// New creates a Store backed by config.Backend
func New(config Config) *Store {
	store := &Store{
		backend:      config.Backend,
		metadata:     config.Metadata,
		metadataPath: config.MetadataPath,
		maxCache:     config.MaxCache,
		logger:       config.Logger,
		readCache:    map[string]vector.Sparse{},
		writeCache:   map[string]vector.Sparse{},
	}

	if store.logger == nil {
		store.logger = zap.L()
	}

	if store.maxCache <= 0 {
		store.maxCache = DefaultMaxCache
	}

	if store.metadata == nil {
		store.metadata = meta.New()
	}

	return store
}

// Get returns the value stored under key. A key that was
// never written yields an empty vector whose every feature
// weighs 0. Bytes in the backend that cannot be decoded are
// a *kv.DeserializationError.
func (store *Store) Get(ctx context.Context, key string) (vector.Sparse, error) {
	if store.closed {
		return vector.Sparse{}, kv.ErrClosed
	}

	if value, ok := store.writeCache[key]; ok {
		store.stats.ReadHits++

		return value, nil
	}

	if value, ok := store.readCache[key]; ok {
		store.stats.ReadHits++

		return value, nil
	}

	store.stats.ReadMisses++

	logger := log.WithContext(ctx, store.logger).With(log.Operation("Get"))
	raw, err := store.backend.RawGet(ctx, key)

	if err != nil {
		logger.Debug("error", zap.String("key", key), zap.Error(err))

		return vector.Sparse{}, err
	}

	var value vector.Sparse

	if raw != nil {
		if value, err = vector.Unmarshal(raw); err != nil {
			err = &kv.DeserializationError{Key: key, Err: err}
			logger.Warn("error", zap.String("key", key), zap.Error(err))

			return vector.Sparse{}, err
		}
	}

	if len(store.readCache) >= store.maxCache {
		logger.Debug("clearing read cache", zap.Int("entries", len(store.readCache)))
		store.readCache = map[string]vector.Sparse{}
	}

	store.readCache[key] = value

	return value, nil
}

// Set stages value under key. A value that cannot be encoded
// is rejected here so it never reaches a batch. If the write
// cache is already full it is flushed first. If that flush
// fails the error is returned and value is not staged.
func (store *Store) Set(ctx context.Context, key string, value vector.Sparse) error {
	if store.closed {
		return kv.ErrClosed
	}

	if err := value.Validate(); err != nil {
		return fmt.Errorf("could not set key %q: %w", key, err)
	}

	if len(store.writeCache) >= store.maxCache {
		if err := store.Flush(ctx); err != nil {
			return err
		}
	}

	store.writeCache[key] = value
	delete(store.readCache, key)

	return nil
}

// Flush persists the whole write cache as one batch and
// empties it. The write cache is emptied even if the backend
// fails: those writes are lost and a *kv.FlushError reports
// how many. They are not retried on the next flush.
func (store *Store) Flush(ctx context.Context) error {
	if store.closed {
		return kv.ErrClosed
	}

	return store.flush(ctx)
}

func (store *Store) flush(ctx context.Context) error {
	if len(store.writeCache) == 0 {
		return nil
	}

	logger := log.WithContext(ctx, store.logger).With(log.Operation("Flush"))
	logger.Debug("start Flush()", zap.Int("keys", len(store.writeCache)))

	pending := store.writeCache
	store.writeCache = map[string]vector.Sparse{}
	store.stats.Flushes++

	if err := store.backend.FlushWriteBatch(ctx, pending); err != nil {
		err = &kv.FlushError{Keys: len(pending), Err: err}
		logger.Error("dropped pending writes", zap.Error(err))

		return err
	}

	logger.Debug("return from Flush()")

	return nil
}

// Close is CloseContext with a background context
func (store *Store) Close() error {
	return store.CloseContext(context.Background())
}

// CloseContext flushes the write cache, closes the backend and
// saves the metadata index. Each step runs even if an earlier
// one failed; all errors are returned together. Calling it again
// returns kv.ErrClosed. ctx only carries log fields.
func (store *Store) CloseContext(ctx context.Context) error {
	if store.closed {
		return kv.ErrClosed
	}

	err := store.flush(ctx)
	store.closed = true
	store.readCache = map[string]vector.Sparse{}
	err = multierr.Append(err, store.backend.Close())

	if store.metadataPath != "" {
		err = multierr.Append(err, store.metadata.Save(store.metadataPath))
	}

	if err != nil {
		log.WithContext(ctx, store.logger).Error("close", log.Operation("Close"), zap.Error(err))
	}

	return err
}

// Metadata returns the metadata index bound to the store
func (store *Store) Metadata() *meta.Index {
	return store.metadata
}

// Merge adds labels to key in the given metadata dimension
func (store *Store) Merge(dimension, key string, labels ...string) error {
	if store.closed {
		return kv.ErrClosed
	}

	store.metadata.Merge(dimension, key, labels...)

	return nil
}

// Keys lists every key that has a value, persisted
// or pending, in ascending order
func (store *Store) Keys(ctx context.Context) ([]string, error) {
	if store.closed {
		return nil, kv.ErrClosed
	}

	seen := map[string]bool{}

	for key := range store.writeCache {
		seen[key] = true
	}

	if err := store.backend.ForEach(ctx, func(key string, value []byte) error {
		seen[key] = true

		return nil
	}); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(seen))

	for key := range seen {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys, nil
}

// Stats returns the store's cache counters
func (store *Store) Stats() Stats {
	stats := store.stats
	stats.ReadCacheLen = len(store.readCache)
	stats.WriteCacheLen = len(store.writeCache)

	return stats
}
