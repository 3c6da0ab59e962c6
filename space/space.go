// Package space wires named logical stores, called spaces, to
// physical backends for the duration of a session.
//
// Spaces are declared in a Registry. Connect opens, for every
// registered space, a cache.Store over its own backend and its
// own metadata index, laid out under the session URI as
//
//	URI/<space>/meta            metadata index (JSON)
//	URI/<space>/db/store.bolt   log store backend
//	URI/<space>/db.sqlite       table backend
//
// A Session must be closed. With does that on every exit path,
// including panics, and reports close errors of every space
// rather than only the first.
package space

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jrife/menger/storage/cache"
	"github.com/jrife/menger/storage/kv"
	"github.com/jrife/menger/storage/kv/plugins"
	"github.com/jrife/menger/storage/meta"
	"github.com/jrife/menger/utils/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	metaFileName = "meta"
	dbFileName   = "db"
)

var (
	// ErrNoSuchSpace indicates that the space is not part of the session
	ErrNoSuchSpace = errors.New("space does not exist")
	// ErrSpaceExists indicates that a space with that name is already registered
	ErrSpaceExists = errors.New("space already registered")
	// ErrInvalidName indicates that a space name cannot be used as a directory name
	ErrInvalidName = errors.New("invalid space name")
)

// Registry is the set of spaces a session connects
type Registry struct {
	names map[string]bool
}

// NewRegistry creates a registry holding the named spaces.
// It panics if a name is invalid or repeated.
func NewRegistry(names ...string) *Registry {
	registry := &Registry{names: map[string]bool{}}

	for _, name := range names {
		if err := registry.Register(name); err != nil {
			panic(err)
		}
	}

	return registry
}

// Register adds a space to the registry
func (registry *Registry) Register(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if registry.names[name] {
		return fmt.Errorf("%w: %q", ErrSpaceExists, name)
	}

	registry.names[name] = true

	return nil
}

// Names lists the registered spaces in ascending order
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.names))

	for name := range registry.names {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Config contains configuration
// for a session
type Config struct {
	// URI is the directory under which every space
	// keeps its files
	URI string
	// Backend selects the backend every space uses
	Backend kv.Kind
	// MaxCache bounds each space's read and write caches
	MaxCache int
	// Logger defaults to the logger carried by the
	// context, then to zap.L()
	Logger *zap.Logger
	// Plugins resolves Backend. Defaults to all
	// supported plugins.
	Plugins *plugins.KVPluginManager
}

// Session binds every registered space to an open cache.Store
type Session struct {
	spaces map[string]*cache.Store
	names  []string
	logger *zap.Logger
	// fields are the log fields of the context passed to
	// Connect, reused by Close
	fields []zap.Field
	closed bool
}

// Connect opens every space in registry. If any space fails to
// open, the spaces opened so far are closed again and no session
// is returned.
func Connect(ctx context.Context, config Config, registry *Registry) (*Session, error) {
	if config.Logger == nil {
		config.Logger, ctx = log.LoggerFromContext(ctx, zap.L())
	}

	if config.Plugins == nil {
		config.Plugins = plugins.NewKVPluginManager()
	}

	logger := log.WithContext(ctx, config.Logger).With(log.Operation("Connect"))
	logger.Debug("start Connect()", zap.String("uri", config.URI), zap.Stringer("backend", config.Backend))

	if !config.Backend.Valid() {
		err := fmt.Errorf("%w: unknown backend kind %s", kv.ErrBackendUnavailable, config.Backend)
		logger.Debug("error", zap.Error(err))

		return nil, err
	}

	session := &Session{
		spaces: map[string]*cache.Store{},
		logger: config.Logger,
		fields: log.Fields(ctx),
	}

	for _, name := range registry.Names() {
		store, err := open(ctx, config, name)

		if err != nil {
			err = fmt.Errorf("could not connect space %q: %w", name, err)
			logger.Debug("error", zap.Error(err))

			return nil, multierr.Append(err, session.Close())
		}

		session.spaces[name] = store
		session.names = append(session.names, name)
	}

	logger.Debug("return from Connect()", zap.Strings("spaces", session.names))

	return session, nil
}

func open(ctx context.Context, config Config, name string) (*cache.Store, error) {
	dir := filepath.Join(config.URI, name)

	// MkdirAll tolerates a directory that already exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	metadataPath := filepath.Join(dir, metaFileName)
	metadata, err := meta.Load(metadataPath)

	if err != nil {
		return nil, err
	}

	backend, err := config.Plugins.Open(config.Backend, filepath.Join(dir, dbFileName))

	if err != nil {
		return nil, err
	}

	return cache.New(cache.Config{
		Backend:      backend,
		Metadata:     metadata,
		MetadataPath: metadataPath,
		MaxCache:     config.MaxCache,
		Logger:       config.Logger.With(log.Space(name)),
	}), nil
}

// With connects a session, passes it to fn and closes it once fn
// returns or panics. Errors from closing are combined with the
// error returned by fn. After a panic they are logged and the
// panic continues.
func With(ctx context.Context, config Config, registry *Registry, fn func(session *Session) error) (err error) {
	session, err := Connect(ctx, config, registry)

	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if closeErr := session.Close(); closeErr != nil {
				log.WithContext(ctx, session.logger).Error("could not close session after panic", log.Operation("With"), zap.Error(closeErr))
			}

			panic(r)
		}

		err = multierr.Append(err, session.Close())
	}()

	return fn(session)
}

// Space returns the store bound to the named space
func (session *Session) Space(name string) (*cache.Store, error) {
	if session.closed {
		return nil, kv.ErrClosed
	}

	store, ok := session.spaces[name]

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchSpace, name)
	}

	return store, nil
}

// Names lists the spaces bound to the session in ascending order
func (session *Session) Names() []string {
	return append([]string(nil), session.names...)
}

// Flush flushes every space. Every space is flushed even
// if an earlier one fails.
func (session *Session) Flush(ctx context.Context) error {
	if session.closed {
		return kv.ErrClosed
	}

	var err error

	for _, name := range session.names {
		if flushErr := session.spaces[name].Flush(ctx); flushErr != nil {
			err = multierr.Append(err, fmt.Errorf("could not flush space %q: %w", name, flushErr))
		}
	}

	return err
}

// Close closes every space, continuing past failures, and
// returns all of their errors. Closing a closed session
// does nothing.
func (session *Session) Close() error {
	if session.closed {
		return nil
	}

	session.closed = true

	ctx := log.WithFields(context.Background(), session.fields...)
	logger := log.WithContext(ctx, session.logger)

	var err error

	for _, name := range session.names {
		if closeErr := session.spaces[name].CloseContext(ctx); closeErr != nil {
			logger.Error("could not close space", log.Space(name), zap.Error(closeErr))
			err = multierr.Append(err, fmt.Errorf("could not close space %q: %w", name, closeErr))
		}
	}

	return err
}
