package bbolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jrife/menger/storage/kv"
	"github.com/jrife/menger/storage/vector"
	"github.com/jrife/menger/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	DriverName = "bbolt"
	// FileName is the name of the bbolt file inside the
	// store directory
	FileName = "store.bolt"
)

var (
	bucketName = []byte("vectors")
	// lockTimeout bounds how long Open waits for another
	// process to release the file lock
	lockTimeout = time.Second
)

func Plugin() kv.Plugin {
	return &BBoltPlugin{}
}

type BBoltPlugin struct {
}

func (plugin *BBoltPlugin) Kind() kv.Kind {
	return kv.KindLogStore
}

func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

func (plugin *BBoltPlugin) Open(options kv.PluginOptions) (kv.Backend, error) {
	var config BBoltStoreConfig

	path, err := kv.PathOption(options)

	if err != nil {
		return nil, kv.Unavailable(kv.KindLogStore, path, err)
	}

	config.Path = path

	return New(config)
}

func (plugin *BBoltPlugin) NewTempBackend() (kv.Backend, error) {
	return plugin.Open(kv.PluginOptions{
		"path": uuid.TempPath("bbolt"),
	})
}

// BBoltStoreConfig configures a log store
type BBoltStoreConfig struct {
	// Path is the store directory. It is created if
	// it does not exist.
	Path string
}

var _ kv.Backend = (*BBoltStore)(nil)

// New opens the log store in config.Path
func New(config BBoltStoreConfig) (*BBoltStore, error) {
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, kv.Unavailable(kv.KindLogStore, config.Path, err)
	}

	db, err := bolt.Open(filepath.Join(config.Path, FileName), 0666, &bolt.Options{Timeout: lockTimeout})

	if err != nil {
		return nil, kv.Unavailable(kv.KindLogStore, config.Path, err)
	}

	if err := db.Update(func(txn *bolt.Tx) error {
		_, err := txn.CreateBucketIfNotExists(bucketName)

		return err
	}); err != nil {
		db.Close()

		return nil, kv.Unavailable(kv.KindLogStore, config.Path, fmt.Errorf("could not ensure bucket exists: %w", err))
	}

	return &BBoltStore{db: db, path: config.Path}, nil
}

// BBoltStore is a log store backend. Every record lives
// in one bucket ordered by key.
type BBoltStore struct {
	db     *bolt.DB
	path   string
	closed bool
}

// Path returns the store directory
func (store *BBoltStore) Path() string {
	return store.path
}

// RawGet implements kv.Backend.RawGet
func (store *BBoltStore) RawGet(ctx context.Context, key string) ([]byte, error) {
	if store.closed {
		return nil, kv.ErrClosed
	}

	var value []byte

	if err := store.db.View(func(txn *bolt.Tx) error {
		// bbolt values are only valid for the life of the transaction
		if v := txn.Bucket(bucketName).Get([]byte(key)); v != nil {
			value = append([]byte{}, v...)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("could not read key %q: %w", key, err)
	}

	return value, nil
}

// RawSet implements kv.Backend.RawSet
func (store *BBoltStore) RawSet(ctx context.Context, key string, value []byte) error {
	if store.closed {
		return kv.ErrClosed
	}

	if err := store.db.Update(func(txn *bolt.Tx) error {
		return txn.Bucket(bucketName).Put([]byte(key), value)
	}); err != nil {
		return fmt.Errorf("could not write key %q: %w", key, err)
	}

	return nil
}

// FlushWriteBatch implements kv.Backend.FlushWriteBatch. The
// whole batch is one bbolt transaction: either every key
// is visible after it returns or none is.
func (store *BBoltStore) FlushWriteBatch(ctx context.Context, pending map[string]vector.Sparse) error {
	if store.closed {
		return kv.ErrClosed
	}

	if len(pending) == 0 {
		return nil
	}

	keys, encoded, err := kv.EncodeBatch(pending)

	if err != nil {
		return err
	}

	if err := store.db.Update(func(txn *bolt.Tx) error {
		bucket := txn.Bucket(bucketName)

		for _, key := range keys {
			if err := bucket.Put([]byte(key), encoded[key]); err != nil {
				return fmt.Errorf("could not put key %q: %w", key, err)
			}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("could not commit batch of %d keys: %w", len(keys), err)
	}

	return nil
}

// ForEach implements kv.Backend.ForEach
func (store *BBoltStore) ForEach(ctx context.Context, fn func(key string, value []byte) error) error {
	if store.closed {
		return kv.ErrClosed
	}

	return store.db.View(func(txn *bolt.Tx) error {
		cursor := txn.Bucket(bucketName).Cursor()

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if err := fn(string(k), append([]byte{}, v...)); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close implements kv.Backend.Close
func (store *BBoltStore) Close() error {
	if store.closed {
		return kv.ErrClosed
	}

	store.closed = true

	return store.db.Close()
}
