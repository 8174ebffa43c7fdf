// Package feature applies the bundle's fitted scaling policy to feature
// vectors. Scalers are pure affine transforms; statistics are fitted at
// training time and never updated at inference.
package feature

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// AffineScaler applies y = (x - offset) * scale per feature, with optional
// clip bounds on the output. Covers both standardization (offset = mean,
// scale = 1/std) and min-max scaling (offset = min, scale = 1/range).
type AffineScaler struct {
	offset   []float64
	scale    []float64
	clipLow  *float64
	clipHigh *float64
}

// NewAffineScaler builds a scaler from bundle parameters.
func NewAffineScaler(p bundle.AffineParams) (*AffineScaler, error) {
	if len(p.Offset) != len(p.Scale) {
		return nil, fmt.Errorf("scaler parameter mismatch: %d offsets, %d scales", len(p.Offset), len(p.Scale))
	}
	for i, s := range p.Scale {
		if s == 0 {
			return nil, fmt.Errorf("zero scale at feature %d", i)
		}
	}
	return &AffineScaler{
		offset:   p.Offset,
		scale:    p.Scale,
		clipLow:  p.ClipLow,
		clipHigh: p.ClipHigh,
	}, nil
}

// Transform scales a vector into a new slice; the input is never mutated.
func (s *AffineScaler) Transform(v domain.FeatureVector) (domain.FeatureVector, error) {
	if len(v) != len(s.offset) {
		return nil, fmt.Errorf("vector has %d features, scaler fitted for %d", len(v), len(s.offset))
	}
	out := make(domain.FeatureVector, len(v))
	for i, x := range v {
		y := (x - s.offset[i]) * s.scale[i]
		if s.clipLow != nil && y < *s.clipLow {
			y = *s.clipLow
		}
		if s.clipHigh != nil && y > *s.clipHigh {
			y = *s.clipHigh
		}
		out[i] = y
	}
	return out, nil
}

// Inverse undoes the affine transform. Clipped values do not round-trip.
func (s *AffineScaler) Inverse(v domain.FeatureVector) (domain.FeatureVector, error) {
	if len(v) != len(s.offset) {
		return nil, fmt.Errorf("vector has %d features, scaler fitted for %d", len(v), len(s.offset))
	}
	out := make(domain.FeatureVector, len(v))
	for i, y := range v {
		out[i] = y/s.scale[i] + s.offset[i]
	}
	return out, nil
}
