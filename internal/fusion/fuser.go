// Package fusion combines base model scores through the trained logistic
// meta-learner and calibrates the fused probability. Forward evaluation
// only; nothing is refit at inference time.
package fusion

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fuser evaluates the meta-learner over a slot-ordered score vector.
type Fuser struct {
	weights    []float64
	intercept  float64
	fallback   []float64
	calibrator *bundle.CalibratorParams
	minQuorum  int
}

// NewFuser builds a fuser from bundle parameters. The calibrator may be
// nil, in which case the calibrated probability equals the raw one.
func NewFuser(meta bundle.MetaLearnerParams, cal *bundle.CalibratorParams, minQuorum int) (*Fuser, error) {
	if len(meta.Weights) != len(meta.Fallback) {
		return nil, fmt.Errorf("meta-learner has %d weights but %d fallback slots",
			len(meta.Weights), len(meta.Fallback))
	}
	if minQuorum <= 0 || minQuorum > len(meta.Weights) {
		return nil, fmt.Errorf("quorum %d invalid for %d model slots", minQuorum, len(meta.Weights))
	}
	return &Fuser{
		weights:    meta.Weights,
		intercept:  meta.Intercept,
		fallback:   meta.Fallback,
		calibrator: cal,
		minQuorum:  minQuorum,
	}, nil
}

// Fusion is the outcome of one fuse pass.
type Fusion struct {
	Raw        float64
	Calibrated float64

	// Available is how many base models scored successfully; Imputed lists
	// the slot indexes that used their fallback value.
	Available int
	Imputed   []int
}

// Fuse checks the quorum, imputes unavailable slots from the bundle's
// fallback values, and runs the logistic forward pass plus calibration.
func (f *Fuser) Fuse(scores []domain.BaseScore) (*Fusion, error) {
	if len(scores) != len(f.weights) {
		return nil, fmt.Errorf("got %d scores for %d meta-learner slots", len(scores), len(f.weights))
	}

	available := 0
	var failed []string
	for _, s := range scores {
		if s.Unavailable {
			failed = append(failed, s.Model.Name)
			continue
		}
		available++
	}
	if available < f.minQuorum {
		return nil, &domain.QuorumNotMet{
			Available: available,
			Required:  f.minQuorum,
			Failed:    failed,
		}
	}

	z := f.intercept
	var imputed []int
	for i, s := range scores {
		p := s.Probability
		if s.Unavailable {
			p = f.fallback[i]
			imputed = append(imputed, i)
		}
		z += f.weights[i] * p
	}

	raw := sigmoid(z)
	return &Fusion{
		Raw:        raw,
		Calibrated: f.Calibrate(raw),
		Available:  available,
		Imputed:    imputed,
	}, nil
}

// Calibrate maps a raw fused probability through the bundle calibrator.
func (f *Fuser) Calibrate(p float64) float64 {
	c := f.calibrator
	if c == nil {
		return p
	}
	switch c.Type {
	case "platt":
		return sigmoid(c.A*p + c.B)
	case "isotonic":
		return interpolate(c.X, c.Y, p)
	default:
		return p
	}
}

// Weights returns the meta-learner slot weights, used by the
// explainability stage to compute per-model contribution shares.
func (f *Fuser) Weights() []float64 {
	return f.weights
}

// MinQuorum returns the configured quorum.
func (f *Fuser) MinQuorum() int {
	return f.minQuorum
}

func interpolate(xs, ys []float64, x float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}
	for i := 1; i <= last; i++ {
		if x <= xs[i] {
			span := xs[i] - xs[i-1]
			frac := (x - xs[i-1]) / span
			return ys[i-1] + frac*(ys[i]-ys[i-1])
		}
	}
	return ys[last]
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
