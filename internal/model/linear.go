package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// LinearModel is a logistic regression over the standardized view.
type LinearModel struct {
	desc      domain.ModelDescriptor
	coef      []float64
	intercept float64
}

// NewLinearModel builds a linear scorer from bundle parameters.
func NewLinearModel(desc domain.ModelDescriptor, p *bundle.LinearParams) *LinearModel {
	return &LinearModel{desc: desc, coef: p.Coefficients, intercept: p.Intercept}
}

func (m *LinearModel) Descriptor() domain.ModelDescriptor {
	return m.desc
}

func (m *LinearModel) Score(v domain.FeatureVector) (float64, error) {
	if len(v) != len(m.coef) {
		return 0, fmt.Errorf("%s: vector has %d features, model expects %d", m.desc.Name, len(v), len(m.coef))
	}
	z := m.intercept
	for i, x := range v {
		z += m.coef[i] * x
	}
	return sigmoid(z), nil
}

// Attribute returns coefficient × standardized value per feature, the
// model's exact additive decomposition in logit space.
func (m *LinearModel) Attribute(v domain.FeatureVector) ([]float64, error) {
	if len(v) != len(m.coef) {
		return nil, fmt.Errorf("%s: vector has %d features, model expects %d", m.desc.Name, len(v), len(m.coef))
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = m.coef[i] * x
	}
	return out, nil
}
