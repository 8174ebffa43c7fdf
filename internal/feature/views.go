package feature

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ViewBuilder computes the scaled views of a request vector. Each distinct
// scaling variant is computed once per request and shared across every model
// that consumes it.
type ViewBuilder struct {
	standard *AffineScaler
	minmax   *AffineScaler
}

// NewViewBuilder builds the per-request view pipeline from bundle scalers.
func NewViewBuilder(p bundle.ScalerParams) (*ViewBuilder, error) {
	standard, err := NewAffineScaler(p.Standard)
	if err != nil {
		return nil, fmt.Errorf("standard scaler: %w", err)
	}
	minmax, err := NewAffineScaler(p.MinMax)
	if err != nil {
		return nil, fmt.Errorf("minmax scaler: %w", err)
	}
	return &ViewBuilder{standard: standard, minmax: minmax}, nil
}

// Views holds the raw vector and its scaled variants for one request.
type Views struct {
	Raw      domain.FeatureVector
	Standard domain.FeatureVector
	MinMax   domain.FeatureVector
}

// Build computes all scaled views of a validated vector.
func (b *ViewBuilder) Build(raw domain.FeatureVector) (*Views, error) {
	standard, err := b.standard.Transform(raw)
	if err != nil {
		return nil, err
	}
	minmax, err := b.minmax.Transform(raw)
	if err != nil {
		return nil, err
	}
	return &Views{Raw: raw, Standard: standard, MinMax: minmax}, nil
}

// For returns the view a model's scaling variant expects.
func (v *Views) For(variant domain.ScalingVariant) (domain.FeatureVector, error) {
	switch variant {
	case domain.ScalingNone:
		return v.Raw, nil
	case domain.ScalingStandard:
		return v.Standard, nil
	case domain.ScalingMinMax:
		return v.MinMax, nil
	default:
		return nil, fmt.Errorf("unknown scaling variant %q", variant)
	}
}
