// Package vector implements the sparse vectors stored in
// a space. A sparse vector maps feature keys to weights and
// every feature that was never set has weight 0.
package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrMalformed is returned by Unmarshal when the bytes
	// are not a JSON object mapping feature keys to numbers.
	ErrMalformed = errors.New("malformed sparse vector")
	// ErrNotFinite is returned for a vector holding a NaN or
	// infinite weight, which has no JSON encoding
	ErrNotFinite = errors.New("weight is not finite")
)

// Sparse is a mapping from feature key to weight. The zero
// value is an empty vector and is ready to use for reads.
type Sparse struct {
	weights map[string]float64
}

// New returns a sparse vector holding a copy of weights.
func New(weights map[string]float64) Sparse {
	s := Sparse{weights: make(map[string]float64, len(weights))}

	for feature, weight := range weights {
		s.weights[feature] = weight
	}

	return s
}

// Get returns the weight of feature, or 0 if the feature
// is not present.
func (s Sparse) Get(feature string) float64 {
	return s.weights[feature]
}

// Has reports whether feature has an explicit weight.
func (s Sparse) Has(feature string) bool {
	_, ok := s.weights[feature]

	return ok
}

// With returns a copy of s with feature set to weight.
// s is left unchanged.
func (s Sparse) With(feature string, weight float64) Sparse {
	c := New(s.weights)
	c.weights[feature] = weight

	return c
}

// Len returns the number of features with an explicit weight.
func (s Sparse) Len() int {
	return len(s.weights)
}

// Features returns the explicitly set features in ascending order.
func (s Sparse) Features() []string {
	features := make([]string, 0, len(s.weights))

	for feature := range s.weights {
		features = append(features, feature)
	}

	sort.Strings(features)

	return features
}

// Map returns a copy of the weights.
func (s Sparse) Map() map[string]float64 {
	return New(s.weights).weights
}

// Equal reports whether s and other hold the same explicit weights.
func (s Sparse) Equal(other Sparse) bool {
	if len(s.weights) != len(other.weights) {
		return false
	}

	for feature, weight := range s.weights {
		if w, ok := other.weights[feature]; !ok || w != weight {
			return false
		}
	}

	return true
}

// Validate returns an error wrapping ErrNotFinite if any
// weight of s cannot be encoded.
func (s Sparse) Validate() error {
	for _, feature := range s.Features() {
		if w := s.weights[feature]; math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: feature %q has weight %v", ErrNotFinite, feature, w)
		}
	}

	return nil
}

// Marshal encodes s as a JSON object.
func Marshal(s Sparse) ([]byte, error) {
	if s.weights == nil {
		return []byte("{}"), nil
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(s.weights)
}

// Unmarshal decodes a JSON object produced by Marshal.
// Anything other than an object of numbers, including
// JSON null for the object or for a weight, is ErrMalformed.
func Unmarshal(data []byte) (Sparse, error) {
	var raw map[string]*float64

	if err := json.Unmarshal(data, &raw); err != nil {
		return Sparse{}, errors.Join(ErrMalformed, err)
	}

	if raw == nil {
		return Sparse{}, ErrMalformed
	}

	weights := make(map[string]float64, len(raw))

	for feature, weight := range raw {
		if weight == nil {
			return Sparse{}, fmt.Errorf("%w: feature %q has no weight", ErrMalformed, feature)
		}

		weights[feature] = *weight
	}

	return Sparse{weights: weights}, nil
}

// MarshalJSON implements json.Marshaler
func (s Sparse) MarshalJSON() ([]byte, error) {
	return Marshal(s)
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Sparse) UnmarshalJSON(data []byte) error {
	decoded, err := Unmarshal(data)

	if err != nil {
		return err
	}

	*s = decoded

	return nil
}
