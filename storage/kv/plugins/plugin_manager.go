package plugins

import (
	"fmt"

	"github.com/jrife/menger/storage/kv"
	"github.com/jrife/menger/storage/kv/plugins/bbolt"
	"github.com/jrife/menger/storage/kv/plugins/sqlite"
)

// KVPluginManager lets a consumer
// retrieve the backend plugin
// by kind
type KVPluginManager struct {
	plugins map[kv.Kind]kv.Plugin
}

// NewKVPluginManager returns a KVPluginManager
// that is loaded with all supported plugins.
func NewKVPluginManager() *KVPluginManager {
	pluginManager := &KVPluginManager{plugins: map[kv.Kind]kv.Plugin{}}

	pluginManager.Register(bbolt.Plugin())
	pluginManager.Register(sqlite.Plugin())

	return pluginManager
}

// Register installs plugin for its kind, replacing
// any plugin previously registered for that kind.
func (pluginManager *KVPluginManager) Register(plugin kv.Plugin) {
	pluginManager.plugins[plugin.Kind()] = plugin
}

// Plugin returns the plugin for the given kind.
// It returns nil if no such plugin is found.
func (pluginManager *KVPluginManager) Plugin(kind kv.Kind) kv.Plugin {
	return pluginManager.plugins[kind]
}

// Plugins lists the registered plugins ordered by kind
func (pluginManager *KVPluginManager) Plugins() []kv.Plugin {
	plugins := []kv.Plugin{}

	for _, kind := range kv.Kinds() {
		if plugin, ok := pluginManager.plugins[kind]; ok {
			plugins = append(plugins, plugin)
		}
	}

	return plugins
}

// Open opens a backend of the given kind rooted at path. The
// path is a prefix: each plugin derives its own file or directory
// name from it.
func (pluginManager *KVPluginManager) Open(kind kv.Kind, path string) (kv.Backend, error) {
	plugin := pluginManager.Plugin(kind)

	if plugin == nil {
		return nil, fmt.Errorf("%w: no plugin registered for backend kind %s", kv.ErrBackendUnavailable, kind)
	}

	return plugin.Open(kv.PluginOptions{"path": path})
}
