// Package meta implements the metadata side index of a space.
// For every dimension name it maps a key to the set of labels
// attached to that key. The index is loaded from a JSON file
// when a space is connected and written back when it is closed:
//
//	{"dimensionName": {"key": ["label1", "label2"]}}
//
// Label sets only grow. Save merges the file already on disk
// into the index before replacing it, so two indexes loaded from
// the same file and saved one after the other both keep their
// labels. Saves from separate processes that overlap in time can
// still lose labels; nothing locks the file.
package meta

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/emirpasic/gods/sets/hashset"
)

// ErrCorruptMetadata matches every CorruptMetadataError
var ErrCorruptMetadata = errors.New("corrupt metadata")

// CorruptMetadataError is returned by Load when the
// metadata file exists but cannot be parsed.
type CorruptMetadataError struct {
	Path string
	Err  error
}

func (e *CorruptMetadataError) Error() string {
	return fmt.Sprintf("corrupt metadata file %s: %s", e.Path, e.Err)
}

func (e *CorruptMetadataError) Unwrap() error {
	return e.Err
}

func (e *CorruptMetadataError) Is(target error) bool {
	return target == ErrCorruptMetadata
}

// Index maps dimension -> key -> set of labels
type Index struct {
	dimensions map[string]map[string]*hashset.Set
}

// New returns an empty index
func New() *Index {
	return &Index{dimensions: map[string]map[string]*hashset.Set{}}
}

// Load reads the index stored at path. A missing file
// yields an empty index.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)

	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	} else if err != nil {
		return nil, fmt.Errorf("could not read metadata file %s: %w", path, err)
	}

	var raw map[string]map[string][]string

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &CorruptMetadataError{Path: path, Err: err}
	}

	index := New()

	for dimension, keys := range raw {
		for key, labels := range keys {
			index.Merge(dimension, key, labels...)
		}
	}

	return index, nil
}

// Merge adds labels to the set for (dimension, key),
// creating the entry if it does not exist.
func (index *Index) Merge(dimension, key string, labels ...string) {
	keys, ok := index.dimensions[dimension]

	if !ok {
		keys = map[string]*hashset.Set{}
		index.dimensions[dimension] = keys
	}

	set, ok := keys[key]

	if !ok {
		set = hashset.New()
		keys[key] = set
	}

	for _, label := range labels {
		set.Add(label)
	}
}

// Labels returns the labels for (dimension, key) in
// ascending order.
func (index *Index) Labels(dimension, key string) []string {
	set, ok := index.dimensions[dimension][key]

	if !ok {
		return nil
	}

	return sortedLabels(set)
}

// Has reports whether label is attached to (dimension, key)
func (index *Index) Has(dimension, key, label string) bool {
	set, ok := index.dimensions[dimension][key]

	return ok && set.Contains(label)
}

// Dimensions lists the dimension names in ascending order
func (index *Index) Dimensions() []string {
	dimensions := make([]string, 0, len(index.dimensions))

	for dimension := range index.dimensions {
		dimensions = append(dimensions, dimension)
	}

	sort.Strings(dimensions)

	return dimensions
}

// Keys lists the keys of a dimension in ascending order
func (index *Index) Keys(dimension string) []string {
	keys := make([]string, 0, len(index.dimensions[dimension]))

	for key := range index.dimensions[dimension] {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// Len returns the number of dimensions
func (index *Index) Len() int {
	return len(index.dimensions)
}

// Map returns a copy of the index with every set
// converted to a sorted list
func (index *Index) Map() map[string]map[string][]string {
	m := make(map[string]map[string][]string, len(index.dimensions))

	for dimension, keys := range index.dimensions {
		m[dimension] = make(map[string][]string, len(keys))

		for key, set := range keys {
			m[dimension][key] = sortedLabels(set)
		}
	}

	return m
}

// Save merges the index stored at path into index and writes
// the result to path. The file is written next to path and
// renamed over it, so a crash mid-write leaves the previous
// file intact.
func (index *Index) Save(path string) error {
	onDisk, err := Load(path)

	if err != nil {
		return fmt.Errorf("could not merge with the saved index: %w", err)
	}

	index.union(onDisk)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")

	if err != nil {
		return fmt.Errorf("could not create temp file for %s: %w", path, err)
	}

	tmpName := tmp.Name()

	defer func() {
		tmp.Close()

		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)

	if err := json.NewEncoder(w).Encode(index.Map()); err != nil {
		return fmt.Errorf("could not encode metadata: %w", err)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("could not write %s: %w", tmpName, err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("could not sync %s: %w", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("could not rename %s to %s: %w", tmpName, path, err)
	}

	tmpName = ""

	// make the rename durable where the platform allows it
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	return nil
}

func (index *Index) union(other *Index) {
	for dimension, keys := range other.dimensions {
		for key, set := range keys {
			labels := make([]string, 0, set.Size())

			for _, label := range set.Values() {
				labels = append(labels, label.(string))
			}

			index.Merge(dimension, key, labels...)
		}
	}
}

func sortedLabels(set *hashset.Set) []string {
	labels := make([]string, 0, set.Size())

	for _, label := range set.Values() {
		labels = append(labels, label.(string))
	}

	sort.Strings(labels)

	return labels
}
