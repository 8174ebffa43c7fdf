package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NeuralNet evaluates a layered network forward pass over the standardized
// view. Activations flow as a [steps][channels] tensor; the flat input
// vector is reshaped per the bundle's declared input shape, so dense nets
// run as a single step and sequence models as one step per feature.
type NeuralNet struct {
	desc   domain.ModelDescriptor
	params *bundle.NetworkParams
}

// NewNeuralNet builds a network scorer from bundle parameters.
func NewNeuralNet(desc domain.ModelDescriptor, p *bundle.NetworkParams) *NeuralNet {
	return &NeuralNet{desc: desc, params: p}
}

func (m *NeuralNet) Descriptor() domain.ModelDescriptor {
	return m.desc
}

func (m *NeuralNet) Score(v domain.FeatureVector) (float64, error) {
	out, err := forward(m.params, v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", m.desc.Name, err)
	}
	if len(out) != 1 || len(out[0]) != 1 {
		return 0, fmt.Errorf("%s: network output is %dx%d, want a single unit", m.desc.Name, len(out), width(out))
	}
	return clamp01(out[0][0]), nil
}

// forward runs the layer stack and returns the final activation tensor.
func forward(params *bundle.NetworkParams, v domain.FeatureVector) ([][]float64, error) {
	act, err := reshape(params.InputShape, v)
	if err != nil {
		return nil, err
	}

	for i := range params.Layers {
		layer := &params.Layers[i]
		switch layer.Type {
		case "dense":
			act, err = denseForward(layer.Dense, act)
		case "conv1d":
			act, err = convForward(layer.Conv, act)
		case "lstm":
			act, err = lstmForward(layer.LSTM, act)
		case "bilstm":
			act, err = bilstmForward(layer.LSTM, layer.Backward, act)
		case "maxpool1d":
			act, err = maxPool(layer.Pool, act)
		case "globalavgpool1d":
			act, err = globalAvgPool(act)
		case "flatten":
			act = [][]float64{flatten(act)}
		default:
			err = fmt.Errorf("unknown layer type %q", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, layer.Type, err)
		}
	}
	return act, nil
}

func reshape(shape []int, v domain.FeatureVector) ([][]float64, error) {
	steps, channels := 1, 0
	switch len(shape) {
	case 1:
		channels = shape[0]
	case 2:
		steps, channels = shape[0], shape[1]
	default:
		return nil, fmt.Errorf("unsupported input rank %d", len(shape))
	}
	if steps*channels != len(v) {
		return nil, fmt.Errorf("input shape %v does not hold %d features", shape, len(v))
	}
	act := make([][]float64, steps)
	for t := range act {
		row := make([]float64, channels)
		copy(row, v[t*channels:(t+1)*channels])
		act[t] = row
	}
	return act, nil
}

func width(act [][]float64) int {
	if len(act) == 0 {
		return 0
	}
	return len(act[0])
}

func flatten(act [][]float64) []float64 {
	out := make([]float64, 0, len(act)*width(act))
	for _, row := range act {
		out = append(out, row...)
	}
	return out
}

// denseForward flattens the incoming tensor and applies a fully connected
// layer, returning a single-step tensor.
func denseForward(p *bundle.DenseParams, act [][]float64) ([][]float64, error) {
	in := flatten(act)
	if len(in) != len(p.Weights) {
		return nil, fmt.Errorf("dense layer expects %d inputs, got %d", len(p.Weights), len(in))
	}
	units := len(p.Bias)
	out := make([]float64, units)
	copy(out, p.Bias)
	for i, x := range in {
		if x == 0 {
			continue
		}
		row := p.Weights[i]
		for j := 0; j < units; j++ {
			out[j] += x * row[j]
		}
	}
	activate(p.Activation, out)
	return [][]float64{out}, nil
}

func convForward(p *bundle.Conv1DParams, act [][]float64) ([][]float64, error) {
	kw := len(p.Kernel)
	if kw == 0 {
		return nil, fmt.Errorf("empty kernel")
	}
	inCh := width(act)
	if len(p.Kernel[0]) != inCh {
		return nil, fmt.Errorf("kernel expects %d channels, got %d", len(p.Kernel[0]), inCh)
	}
	outCh := len(p.Bias)
	stride := p.Stride
	if stride <= 0 {
		stride = 1
	}

	steps := len(act)
	var outSteps, padLeft int
	switch p.Padding {
	case "same":
		outSteps = (steps + stride - 1) / stride
		padTotal := (outSteps-1)*stride + kw - steps
		if padTotal < 0 {
			padTotal = 0
		}
		padLeft = padTotal / 2
	case "valid", "":
		if steps < kw {
			return nil, fmt.Errorf("input of %d steps shorter than kernel %d", steps, kw)
		}
		outSteps = (steps-kw)/stride + 1
	default:
		return nil, fmt.Errorf("unknown padding %q", p.Padding)
	}

	out := make([][]float64, outSteps)
	for t := 0; t < outSteps; t++ {
		row := make([]float64, outCh)
		copy(row, p.Bias)
		start := t*stride - padLeft
		for w := 0; w < kw; w++ {
			pos := start + w
			if pos < 0 || pos >= steps {
				continue
			}
			for ic := 0; ic < inCh; ic++ {
				x := act[pos][ic]
				if x == 0 {
					continue
				}
				kr := p.Kernel[w][ic]
				for oc := 0; oc < outCh; oc++ {
					row[oc] += x * kr[oc]
				}
			}
		}
		activate(p.Activation, row)
		out[t] = row
	}
	return out, nil
}

func maxPool(p *bundle.PoolParams, act [][]float64) ([][]float64, error) {
	stride := p.Stride
	if stride <= 0 {
		stride = p.Size
	}
	steps := len(act)
	if steps < p.Size {
		return nil, fmt.Errorf("input of %d steps shorter than pool %d", steps, p.Size)
	}
	ch := width(act)
	outSteps := (steps-p.Size)/stride + 1
	out := make([][]float64, outSteps)
	for t := 0; t < outSteps; t++ {
		row := make([]float64, ch)
		copy(row, act[t*stride])
		for w := 1; w < p.Size; w++ {
			for c, x := range act[t*stride+w] {
				if x > row[c] {
					row[c] = x
				}
			}
		}
		out[t] = row
	}
	return out, nil
}

func globalAvgPool(act [][]float64) ([][]float64, error) {
	if len(act) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	ch := width(act)
	row := make([]float64, ch)
	for _, step := range act {
		for c, x := range step {
			row[c] += x
		}
	}
	inv := 1 / float64(len(act))
	for c := range row {
		row[c] *= inv
	}
	return [][]float64{row}, nil
}

// lstmForward runs one LSTM direction over the step axis. Gate kernels use
// the i, f, c, o layout.
func lstmForward(p *bundle.LSTMParams, act [][]float64) ([][]float64, error) {
	inCh := width(act)
	if len(p.InputKernel) != inCh {
		return nil, fmt.Errorf("lstm expects %d input channels, got %d", len(p.InputKernel), inCh)
	}
	h, _, seq, err := lstmRun(p, act, false)
	if err != nil {
		return nil, err
	}
	if p.ReturnSequences {
		return seq, nil
	}
	return [][]float64{h}, nil
}

func bilstmForward(fwd, bwd *bundle.LSTMParams, act [][]float64) ([][]float64, error) {
	hf, _, seqF, err := lstmRun(fwd, act, false)
	if err != nil {
		return nil, err
	}
	hb, _, seqB, err := lstmRun(bwd, act, true)
	if err != nil {
		return nil, err
	}

	if fwd.ReturnSequences {
		out := make([][]float64, len(act))
		for t := range out {
			// backward sequence is produced in reverse step order
			out[t] = append(append([]float64{}, seqF[t]...), seqB[len(act)-1-t]...)
		}
		return out, nil
	}
	return [][]float64{append(append([]float64{}, hf...), hb...)}, nil
}

// lstmRun returns the final hidden state, final cell state, and the full
// hidden sequence in processing order.
func lstmRun(p *bundle.LSTMParams, act [][]float64, reverse bool) ([]float64, []float64, [][]float64, error) {
	units := p.Units
	if len(p.Bias) != 4*units {
		return nil, nil, nil, fmt.Errorf("lstm bias has %d values, want %d", len(p.Bias), 4*units)
	}

	h := make([]float64, units)
	c := make([]float64, units)
	seq := make([][]float64, 0, len(act))
	z := make([]float64, 4*units)

	for step := 0; step < len(act); step++ {
		t := step
		if reverse {
			t = len(act) - 1 - step
		}
		x := act[t]

		copy(z, p.Bias)
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			row := p.InputKernel[i]
			for j := range z {
				z[j] += xi * row[j]
			}
		}
		for i, hi := range h {
			if hi == 0 {
				continue
			}
			row := p.RecurrentKernel[i]
			for j := range z {
				z[j] += hi * row[j]
			}
		}

		next := make([]float64, units)
		for u := 0; u < units; u++ {
			i := sigmoid(z[u])
			f := sigmoid(z[units+u])
			g := tanh(z[2*units+u])
			o := sigmoid(z[3*units+u])
			c[u] = f*c[u] + i*g
			next[u] = o * tanh(c[u])
		}
		h = next
		seq = append(seq, h)
	}
	return h, c, seq, nil
}
