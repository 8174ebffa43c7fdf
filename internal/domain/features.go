// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
)

// FeatureVector is a dense feature vector in the canonical schema order.
type FeatureVector []float64

// FeatureSchema is the versioned feature contract of a model bundle.
// The name order is fixed at training time and must never be reordered.
type FeatureSchema struct {
	Version string   `json:"version"`
	Names   []string `json:"features"`

	index map[string]int
}

// NewFeatureSchema creates a schema and builds the name lookup index.
func NewFeatureSchema(version string, names []string) (*FeatureSchema, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("feature schema is empty")
	}

	index := make(map[string]int, len(names))
	for i, name := range names {
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate feature name: %s", name)
		}
		index[name] = i
	}

	return &FeatureSchema{
		Version: version,
		Names:   names,
		index:   index,
	}, nil
}

// Size returns the number of features in the contract.
func (s *FeatureSchema) Size() int {
	return len(s.Names)
}

// Index returns the canonical position of a feature name.
func (s *FeatureSchema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}
