package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jrife/menger/space"
	"github.com/jrife/menger/storage/kv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of the optional config file
type fileConfig struct {
	URI      string   `yaml:"uri"`
	Backend  string   `yaml:"backend"`
	MaxCache int      `yaml:"max_cache"`
	Spaces   []string `yaml:"spaces"`
	LogLevel string   `yaml:"log_level"`
}

func defaultConfig() fileConfig {
	return fileConfig{
		URI:      ".",
		Backend:  kv.KindLogStore.String(),
		LogLevel: "warn",
	}
}

// loadConfig reads path over the defaults. A missing file is
// only an error if the path was given explicitly.
func loadConfig(path string, explicit bool) (fileConfig, error) {
	config := defaultConfig()
	data, err := os.ReadFile(path)

	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config, nil
	} else if err != nil {
		return config, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	return config, nil
}

func (config fileConfig) logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.LogLevel)

	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.Encoding = "console"
	zapConfig.OutputPaths = []string{"stderr"}

	return zapConfig.Build()
}

// session resolves the file config into a space config and registry.
// The backend kind is parsed here so that an unknown kind fails
// before anything is opened.
func (config fileConfig) session() (space.Config, *space.Registry, error) {
	kind, err := kv.ParseKind(config.Backend)

	if err != nil {
		return space.Config{}, nil, err
	}

	if len(config.Spaces) == 0 {
		return space.Config{}, nil, fmt.Errorf("no spaces configured")
	}

	registry := space.NewRegistry()

	for _, name := range config.Spaces {
		if err := registry.Register(name); err != nil {
			return space.Config{}, nil, err
		}
	}

	return space.Config{
		URI:      config.URI,
		Backend:  kind,
		MaxCache: config.MaxCache,
	}, registry, nil
}
