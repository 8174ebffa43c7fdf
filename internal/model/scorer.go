// Package model implements the base model registry: forward-only scoring
// adapters for every model family shipped in a bundle.
package model

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer is one base model. Score consumes the already-scaled view the
// model's descriptor declares and returns a fraud probability in [0,1].
type Scorer interface {
	Descriptor() domain.ModelDescriptor
	Score(v domain.FeatureVector) (float64, error)
}

// Attributor is implemented by model families that can explain a single
// prediction with signed per-feature contributions. Positive values push
// toward fraud.
type Attributor interface {
	Attribute(v domain.FeatureVector) ([]float64, error)
}

func sigmoid(z float64) float64 {
	// Split to avoid overflow in exp for large |z|.
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func tanh(z float64) float64 {
	return math.Tanh(z)
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func activate(name string, v []float64) {
	switch name {
	case "relu":
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case "sigmoid":
		for i, x := range v {
			v[i] = sigmoid(x)
		}
	case "tanh":
		for i, x := range v {
			v[i] = math.Tanh(x)
		}
	}
	// "linear" and "" leave values untouched
}
