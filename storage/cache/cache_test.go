package cache_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/menger/storage/cache"
	"github.com/jrife/menger/storage/kv"
	"github.com/jrife/menger/storage/meta"
	"github.com/jrife/menger/storage/vector"
	"github.com/jrife/menger/utils/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newStore(t *testing.T, backend kv.Backend, maxCache int) *cache.Store {
	return cache.New(cache.Config{
		Backend:  backend,
		MaxCache: maxCache,
		Logger:   zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel)),
	})
}

func TestDefaultZero(t *testing.T) {
	store := newStore(t, kv.NewFakeBackend(), 10)
	defer store.Close()

	v, err := store.Get(context.Background(), "never-written")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if w := v.Get("any_feature"); w != 0 {
		t.Fatalf("expected 0, got %v", w)
	}

	if v.Len() != 0 {
		t.Fatalf("expected an empty vector, got %v", v.Map())
	}
}

func TestReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()
	store := newStore(t, backend, 10)
	defer store.Close()

	v1 := vector.New(map[string]float64{"x": 1})
	v2 := vector.New(map[string]float64{"x": 2})

	if err := store.Set(ctx, "k", v1); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := store.Set(ctx, "k", v2); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	v, err := store.Get(ctx, "k")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !v.Equal(v2) {
		t.Fatalf("expected %v, got %v", v2.Map(), v.Map())
	}

	if backend.Len() != 0 {
		t.Fatalf("expected nothing to be persisted before a flush")
	}
}

func TestWriteSupersedesCachedRead(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()

	if err := backend.RawSet(ctx, "k", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	store := newStore(t, backend, 10)
	defer store.Close()

	if v, err := store.Get(ctx, "k"); err != nil || v.Get("x") != 1 {
		t.Fatalf("expected x=1, got %v, %#v", v.Map(), err)
	}

	if err := store.Set(ctx, "k", vector.New(map[string]float64{"x": 2})); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	// the read cache must not resurrect the old value after the flush
	if v, err := store.Get(ctx, "k"); err != nil || v.Get("x") != 2 {
		t.Fatalf("expected x=2, got %v, %#v", v.Map(), err)
	}
}

func TestWriteCacheBound(t *testing.T) {
	ctx := context.Background()
	maxCache := 5
	backend := kv.NewFakeBackend()
	store := newStore(t, backend, maxCache)
	defer store.Close()

	for i := 0; i <= maxCache; i++ {
		if err := store.Set(ctx, fmt.Sprintf("k%d", i), vector.New(map[string]float64{"i": float64(i)})); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	stats := store.Stats()

	if stats.Flushes != 1 || backend.Flushes != 1 {
		t.Fatalf("expected exactly one flush, got %d (backend saw %d)", stats.Flushes, backend.Flushes)
	}

	if stats.WriteCacheLen != 1 {
		t.Fatalf("expected the write cache to hold 1 key, got %d", stats.WriteCacheLen)
	}

	if backend.Len() != maxCache {
		t.Fatalf("expected %d persisted keys, got %d", maxCache, backend.Len())
	}

	raw, err := backend.RawGet(ctx, fmt.Sprintf("k%d", maxCache))

	if err != nil || raw != nil {
		t.Fatalf("expected the most recent key to still be pending, got %s, %#v", raw, err)
	}
}

func TestFullWriteCacheFlushesOnOverwrite(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()
	store := newStore(t, backend, 2)
	defer store.Close()

	store.Set(ctx, "a", vector.Sparse{})
	store.Set(ctx, "b", vector.Sparse{})

	if stats := store.Stats(); stats.Flushes != 0 || stats.WriteCacheLen != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	// full but overwriting: the bound is on entries, checked before insert
	store.Set(ctx, "a", vector.New(map[string]float64{"x": 1}))

	if stats := store.Stats(); stats.Flushes != 1 || stats.WriteCacheLen != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReadCacheFullClear(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()

	for i := 0; i < 4; i++ {
		backend.RawSet(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf(`{"i":%d}`, i)))
	}

	store := newStore(t, backend, 3)
	defer store.Close()

	for i := 0; i < 3; i++ {
		if _, err := store.Get(ctx, fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	if stats := store.Stats(); stats.ReadCacheLen != 3 || stats.ReadMisses != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	v, err := store.Get(ctx, "k3")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if v.Get("i") != 3 {
		t.Fatalf("expected i=3, got %v", v.Map())
	}

	if stats := store.Stats(); stats.ReadCacheLen != 1 {
		t.Fatalf("expected the read cache to be cleared before inserting, got %+v", stats)
	}

	// k0 was evicted with everything else
	store.Get(ctx, "k0")
	store.Get(ctx, "k3")

	if stats := store.Stats(); stats.ReadMisses != 5 || stats.ReadHits != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeserializationError(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()
	backend.RawSet(ctx, "bad", []byte(`[1, 2, 3]`))
	store := newStore(t, backend, 10)
	defer store.Close()

	_, err := store.Get(ctx, "bad")

	var deserializationError *kv.DeserializationError

	if !errors.As(err, &deserializationError) {
		t.Fatalf("expected a DeserializationError, got %#v", err)
	}

	if deserializationError.Key != "bad" {
		t.Fatalf("expected key bad, got %s", deserializationError.Key)
	}

	if !errors.Is(err, vector.ErrMalformed) {
		t.Fatalf("expected err to wrap ErrMalformed, got %#v", err)
	}

	if stats := store.Stats(); stats.ReadCacheLen != 0 {
		t.Fatalf("expected nothing to be cached, got %+v", stats)
	}
}

func TestFlushError(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("disk full")
	backend := kv.NewFakeBackend()
	backend.FlushErr = cause
	store := newStore(t, backend, 10)

	store.Set(ctx, "a", vector.New(map[string]float64{"x": 1}))
	store.Set(ctx, "b", vector.New(map[string]float64{"x": 2}))

	err := store.Flush(ctx)

	var flushError *kv.FlushError

	if !errors.As(err, &flushError) || flushError.Keys != 2 {
		t.Fatalf("expected a FlushError for 2 keys, got %#v", err)
	}

	if !errors.Is(err, cause) {
		t.Fatalf("expected err to wrap the cause, got %#v", err)
	}

	if stats := store.Stats(); stats.WriteCacheLen != 0 {
		t.Fatalf("expected the write cache to be cleared, got %+v", stats)
	}

	// the dropped writes are gone, not retried
	backend.FlushErr = nil

	if v, err := store.Get(ctx, "a"); err != nil || v.Len() != 0 {
		t.Fatalf("expected an empty vector, got %v, %#v", v.Map(), err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if backend.Len() != 0 {
		t.Fatalf("expected nothing to be persisted, got %d keys", backend.Len())
	}
}

func TestSetFlushError(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()
	backend.FlushErr = errors.New("disk full")
	store := newStore(t, backend, 1)
	defer store.Close()

	if err := store.Set(ctx, "a", vector.Sparse{}); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	var flushError *kv.FlushError

	if err := store.Set(ctx, "b", vector.Sparse{}); !errors.As(err, &flushError) {
		t.Fatalf("expected a FlushError, got %#v", err)
	}

	if stats := store.Stats(); stats.WriteCacheLen != 0 {
		t.Fatalf("expected b to not be staged, got %+v", stats)
	}
}

func TestSetRejectsNotFinite(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()
	store := newStore(t, backend, 10)
	defer store.Close()

	for i := 0; i < 5; i++ {
		if err := store.Set(ctx, fmt.Sprintf("k%d", i), vector.New(map[string]float64{"x": float64(i)})); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	if err := store.Set(ctx, "bad", vector.New(map[string]float64{"x": math.NaN()})); !errors.Is(err, vector.ErrNotFinite) {
		t.Fatalf("expected err to be ErrNotFinite, got %#v", err)
	}

	if stats := store.Stats(); stats.WriteCacheLen != 5 {
		t.Fatalf("expected bad to not be staged, got %+v", stats)
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if backend.Len() != 5 {
		t.Fatalf("expected 5 persisted keys, got %d", backend.Len())
	}

	v, err := store.Get(ctx, "bad")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if v.Len() != 0 {
		t.Fatalf("expected bad to be absent, got %v", v.Map())
	}
}

func TestCloseContextLogFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	backend := kv.NewFakeBackend()
	backend.CloseErr = errors.New("close failed")
	store := cache.New(cache.Config{
		Backend: backend,
		Logger:  zap.New(core),
	})

	ctx := log.WithFields(context.Background(), zap.String("command", "set"))

	if err := store.CloseContext(ctx); !errors.Is(err, backend.CloseErr) {
		t.Fatalf("expected err to be the close error, got %#v", err)
	}

	entries := logs.FilterMessage("close").All()

	if len(entries) != 1 {
		t.Fatalf("expected 1 close entry, got %d", len(entries))
	}

	if fields := entries[0].ContextMap(); fields["command"] != "set" {
		t.Fatalf("expected the context fields to be logged, got %v", fields)
	}

	if err := store.CloseContext(ctx); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected err to be ErrClosed, got %#v", err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta")
	backend := kv.NewFakeBackend()
	store := cache.New(cache.Config{
		Backend:      backend,
		MetadataPath: path,
		MaxCache:     10,
	})

	store.Set(ctx, "a", vector.New(map[string]float64{"x": 1}))
	store.Merge("topics", "a", "x")

	if err := store.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !backend.Closed() {
		t.Fatalf("expected the backend to be closed")
	}

	if backend.Len() != 1 {
		t.Fatalf("expected the pending write to be flushed, got %d keys", backend.Len())
	}

	index, err := meta.Load(path)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"x"}, index.Labels("topics", "a")); diff != "" {
		t.Fatal(diff)
	}

	if err := store.Close(); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected err to be ErrClosed, got %#v", err)
	}

	if _, err := store.Get(ctx, "a"); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected err to be ErrClosed, got %#v", err)
	}

	if err := store.Set(ctx, "a", vector.Sparse{}); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected err to be ErrClosed, got %#v", err)
	}
}

func TestCloseAggregatesErrors(t *testing.T) {
	ctx := context.Background()
	flushErr := errors.New("flush failed")
	closeErr := errors.New("close failed")
	backend := kv.NewFakeBackend()
	backend.FlushErr = flushErr
	backend.CloseErr = closeErr
	store := cache.New(cache.Config{
		Backend:      backend,
		MetadataPath: filepath.Join(t.TempDir(), "missing", "meta"),
	})

	store.Set(ctx, "a", vector.Sparse{})

	err := store.Close()

	if !errors.Is(err, flushErr) || !errors.Is(err, closeErr) {
		t.Fatalf("expected both errors, got %#v", err)
	}

	if !backend.Closed() {
		t.Fatalf("expected the backend to be closed")
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewFakeBackend()
	backend.RawSet(ctx, "b", []byte(`{}`))
	store := newStore(t, backend, 10)
	defer store.Close()

	store.Set(ctx, "c", vector.Sparse{})
	store.Set(ctx, "a", vector.Sparse{})
	store.Set(ctx, "b", vector.Sparse{})

	keys, err := store.Keys(ctx)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Fatal(diff)
	}
}
