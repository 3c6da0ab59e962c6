package kv

import (
	"context"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/menger/storage/vector"
)

var _ Backend = (*FakeBackend)(nil)

// FakeBackend is an in-memory implementation of the
// Backend interface. The Err fields let tests inject
// failures into individual operations.
type FakeBackend struct {
	m      *treemap.Map
	closed bool

	// GetErr, if set, is returned by RawGet
	GetErr error
	// FlushErr, if set, is returned by FlushWriteBatch
	// before anything is written
	FlushErr error
	// CloseErr, if set, is returned by Close after the
	// backend is marked closed
	CloseErr error
	// Flushes counts calls to FlushWriteBatch
	Flushes int
}

// NewFakeBackend creates a new FakeBackend
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{m: treemap.NewWithStringComparator()}
}

// RawGet implements Backend.RawGet
func (backend *FakeBackend) RawGet(ctx context.Context, key string) ([]byte, error) {
	if backend.closed {
		return nil, ErrClosed
	}

	if backend.GetErr != nil {
		return nil, backend.GetErr
	}

	v, ok := backend.m.Get(key)

	if !ok {
		return nil, nil
	}

	return append([]byte(nil), v.([]byte)...), nil
}

// RawSet implements Backend.RawSet
func (backend *FakeBackend) RawSet(ctx context.Context, key string, value []byte) error {
	if backend.closed {
		return ErrClosed
	}

	backend.m.Put(key, append([]byte(nil), value...))

	return nil
}

// FlushWriteBatch implements Backend.FlushWriteBatch
func (backend *FakeBackend) FlushWriteBatch(ctx context.Context, pending map[string]vector.Sparse) error {
	if backend.closed {
		return ErrClosed
	}

	backend.Flushes++

	if backend.FlushErr != nil {
		return backend.FlushErr
	}

	keys, encoded, err := EncodeBatch(pending)

	if err != nil {
		return err
	}

	for _, key := range keys {
		backend.m.Put(key, encoded[key])
	}

	return nil
}

// ForEach implements Backend.ForEach
func (backend *FakeBackend) ForEach(ctx context.Context, fn func(key string, value []byte) error) error {
	if backend.closed {
		return ErrClosed
	}

	iter := backend.m.Iterator()

	for iter.Next() {
		if err := fn(iter.Key().(string), iter.Value().([]byte)); err != nil {
			return err
		}
	}

	return nil
}

// Close implements Backend.Close
func (backend *FakeBackend) Close() error {
	if backend.closed {
		return ErrClosed
	}

	backend.closed = true

	return backend.CloseErr
}

// Closed reports whether Close has been called
func (backend *FakeBackend) Closed() bool {
	return backend.closed
}

// Len returns the number of persisted records
func (backend *FakeBackend) Len() int {
	return backend.m.Size()
}

var _ Plugin = (*FakePlugin)(nil)

// FakePlugin hands out fake backends. Backends are kept by
// path so that opening the same path again after a close
// sees everything flushed before it, like a real store would.
type FakePlugin struct {
	// PluginKind is the kind this plugin pretends to be
	PluginKind Kind
	// OpenErr, if set, is returned by Open
	OpenErr  error
	backends map[string]*FakeBackend
}

// Kind implements Plugin.Kind
func (plugin *FakePlugin) Kind() Kind {
	return plugin.PluginKind
}

// Name implements Plugin.Name
func (plugin *FakePlugin) Name() string {
	return "fake"
}

// Open implements Plugin.Open
func (plugin *FakePlugin) Open(options PluginOptions) (Backend, error) {
	path, err := PathOption(options)

	if err != nil {
		return nil, Unavailable(plugin.PluginKind, path, err)
	}

	if plugin.OpenErr != nil {
		return nil, Unavailable(plugin.PluginKind, path, plugin.OpenErr)
	}

	if plugin.backends == nil {
		plugin.backends = map[string]*FakeBackend{}
	}

	backend, ok := plugin.backends[path]

	if !ok {
		backend = NewFakeBackend()
	} else if backend.closed {
		backend = &FakeBackend{m: backend.m}
	}

	plugin.backends[path] = backend

	return backend, nil
}

// NewTempBackend implements Plugin.NewTempBackend
func (plugin *FakePlugin) NewTempBackend() (Backend, error) {
	return NewFakeBackend(), nil
}

// Backend returns the most recent backend opened at
// path, or nil if nothing was opened there
func (plugin *FakePlugin) Backend(path string) *FakeBackend {
	return plugin.backends[path]
}
