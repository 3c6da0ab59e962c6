package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrife/menger/storage/kv"
	"github.com/jrife/menger/storage/vector"
	"github.com/jrife/menger/utils/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	DriverName = "sqlite"
	// Suffix is appended to the path handed to the plugin
	Suffix = ".sqlite"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS vectors (key TEXT PRIMARY KEY, value TEXT)`
	selectSQL      = `SELECT value FROM vectors WHERE key = ?`
	selectAllSQL   = `SELECT key, value FROM vectors ORDER BY key`
	upsertSQL      = `INSERT INTO vectors (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

func Plugin() kv.Plugin {
	return &SQLitePlugin{}
}

type SQLitePlugin struct {
}

func (plugin *SQLitePlugin) Kind() kv.Kind {
	return kv.KindTable
}

func (plugin *SQLitePlugin) Name() string {
	return DriverName
}

func (plugin *SQLitePlugin) Open(options kv.PluginOptions) (kv.Backend, error) {
	path, err := kv.PathOption(options)

	if err != nil {
		return nil, kv.Unavailable(kv.KindTable, path, err)
	}

	return New(TableStoreConfig{Path: path + Suffix})
}

func (plugin *SQLitePlugin) NewTempBackend() (kv.Backend, error) {
	return plugin.Open(kv.PluginOptions{
		"path": uuid.TempPath("sqlite"),
	})
}

// TableStoreConfig configures a table store
type TableStoreConfig struct {
	// Path is the database file
	Path string
}

var _ kv.Backend = (*TableStore)(nil)

// New opens the database file at config.Path, creating
// it and the vectors table if they do not exist.
func New(config TableStoreConfig) (*TableStore, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, kv.Unavailable(kv.KindTable, config.Path, err)
	}

	db, err := sql.Open("sqlite", config.Path)

	if err != nil {
		return nil, kv.Unavailable(kv.KindTable, config.Path, err)
	}

	// One writer, one connection. This also keeps every
	// statement of a batch on the transaction's connection.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, kv.Unavailable(kv.KindTable, config.Path, err)
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()

		return nil, kv.Unavailable(kv.KindTable, config.Path, fmt.Errorf("could not create table: %w", err))
	}

	return &TableStore{db: db, path: config.Path}, nil
}

// TableStore is a table backend. Each record is a row
// of the vectors table.
type TableStore struct {
	db     *sql.DB
	path   string
	closed bool
}

// Path returns the database file
func (store *TableStore) Path() string {
	return store.path
}

// RawGet implements kv.Backend.RawGet
func (store *TableStore) RawGet(ctx context.Context, key string) ([]byte, error) {
	if store.closed {
		return nil, kv.ErrClosed
	}

	var value string

	if err := store.db.QueryRowContext(ctx, selectSQL, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("could not read key %q: %w", key, err)
	}

	return []byte(value), nil
}

// RawSet implements kv.Backend.RawSet
func (store *TableStore) RawSet(ctx context.Context, key string, value []byte) error {
	if store.closed {
		return kv.ErrClosed
	}

	if _, err := store.db.ExecContext(ctx, upsertSQL, key, string(value)); err != nil {
		return fmt.Errorf("could not write key %q: %w", key, err)
	}

	return nil
}

// FlushWriteBatch implements kv.Backend.FlushWriteBatch. The
// upserts run in one transaction which is committed before
// FlushWriteBatch returns.
func (store *TableStore) FlushWriteBatch(ctx context.Context, pending map[string]vector.Sparse) (err error) {
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

	tx, err := store.db.BeginTx(ctx, nil)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)

	if err != nil {
		return fmt.Errorf("could not prepare statement: %w", err)
	}

	defer stmt.Close()

	for _, key := range keys {
		if _, err = stmt.ExecContext(ctx, key, string(encoded[key])); err != nil {
			return fmt.Errorf("could not upsert key %q: %w", key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit batch of %d keys: %w", len(keys), err)
	}

	return nil
}

// ForEach implements kv.Backend.ForEach
func (store *TableStore) ForEach(ctx context.Context, fn func(key string, value []byte) error) error {
	if store.closed {
		return kv.ErrClosed
	}

	rows, err := store.db.QueryContext(ctx, selectAllSQL)

	if err != nil {
		return fmt.Errorf("could not list rows: %w", err)
	}

	defer rows.Close()

	// Collect first so fn never runs while the only
	// connection is held by the cursor.
	type record struct {
		key   string
		value string
	}

	var records []record

	for rows.Next() {
		var r record

		if err := rows.Scan(&r.key, &r.value); err != nil {
			return fmt.Errorf("could not scan row: %w", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("could not list rows: %w", err)
	}

	rows.Close()

	for _, r := range records {
		if err := fn(r.key, []byte(r.value)); err != nil {
			return err
		}
	}

	return nil
}

// Close implements kv.Backend.Close
func (store *TableStore) Close() error {
	if store.closed {
		return kv.ErrClosed
	}

	store.closed = true

	return store.db.Close()
}
