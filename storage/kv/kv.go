package kv

import (
	"fmt"
	"sort"

	"github.com/jrife/menger/storage/vector"
)

// Kind identifies a backend implementation
type Kind int

const (
	// KindLogStore is an ordered embedded store kept in a
	// directory (bbolt)
	KindLogStore Kind = iota + 1
	// KindTable is a single-table SQL store kept in a
	// file suffixed .sqlite
	KindTable
)

var kindNames = map[Kind]string{
	KindLogStore: "logstore",
	KindTable:    "table",
}

// Kinds lists every supported kind
func Kinds() []Kind {
	return []Kind{KindLogStore, KindTable}
}

// ParseKind returns the kind with the given name. Unknown
// names are ErrBackendUnavailable.
func ParseKind(name string) (Kind, error) {
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown backend kind %q", ErrBackendUnavailable, name)
}

// Valid reports whether kind is one of the supported kinds
func (kind Kind) Valid() bool {
	_, ok := kindNames[kind]

	return ok
}

func (kind Kind) String() string {
	if name, ok := kindNames[kind]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(kind))
}

// EncodeBatch serializes every vector in pending. The
// returned keys are sorted so that backends apply a batch
// in a deterministic order. Nothing is returned if any
// vector fails to encode.
func EncodeBatch(pending map[string]vector.Sparse) ([]string, map[string][]byte, error) {
	keys := make([]string, 0, len(pending))
	encoded := make(map[string][]byte, len(pending))

	for key, value := range pending {
		data, err := vector.Marshal(value)

		if err != nil {
			return nil, nil, fmt.Errorf("could not encode value for key %q: %w", key, err)
		}

		keys = append(keys, key)
		encoded[key] = data
	}

	sort.Strings(keys)

	return keys, encoded, nil
}

// PathOption extracts the "path" option
func PathOption(options PluginOptions) (string, error) {
	if path, ok := options["path"]; !ok {
		return "", fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return "", fmt.Errorf("\"path\" must be a string")
	} else if pathString == "" {
		return "", fmt.Errorf("\"path\" must not be empty")
	} else {
		return pathString, nil
	}
}
