package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Autoencoder scores by reconstruction error: the network reproduces its
// input, and the mean squared error is mapped into [0,1] through a logistic
// fitted at training time. High error means the vector is unlike the
// legitimate traffic the model was trained on.
type Autoencoder struct {
	desc   domain.ModelDescriptor
	params *bundle.AutoencoderParams
}

// NewAutoencoder builds a reconstruction scorer from bundle parameters.
func NewAutoencoder(desc domain.ModelDescriptor, p *bundle.AutoencoderParams) *Autoencoder {
	return &Autoencoder{desc: desc, params: p}
}

func (m *Autoencoder) Descriptor() domain.ModelDescriptor {
	return m.desc
}

func (m *Autoencoder) Score(v domain.FeatureVector) (float64, error) {
	err2, err := m.ReconstructionError(v)
	if err != nil {
		return 0, err
	}
	return sigmoid(m.params.Slope * (err2 - m.params.Center)), nil
}

// ReconstructionError returns the mean squared reconstruction error.
func (m *Autoencoder) ReconstructionError(v domain.FeatureVector) (float64, error) {
	out, err := forward(&m.params.Network, v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", m.desc.Name, err)
	}
	recon := flatten(out)
	if len(recon) != len(v) {
		return 0, fmt.Errorf("%s: reconstruction has %d values for %d inputs", m.desc.Name, len(recon), len(v))
	}
	sum := 0.0
	for i, x := range v {
		d := recon[i] - x
		sum += d * d
	}
	return sum / float64(len(v)), nil
}
