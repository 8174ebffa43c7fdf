package model

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// TreeEnsemble scores a forest of serialized binary trees over the raw,
// unscaled view. Bagged forests average per-tree probabilities; boosted
// forests sum per-tree margins and pass the total through a sigmoid.
type TreeEnsemble struct {
	desc   domain.ModelDescriptor
	params *bundle.TreeEnsembleParams
}

// NewTreeEnsemble builds a tree scorer from bundle parameters.
func NewTreeEnsemble(desc domain.ModelDescriptor, p *bundle.TreeEnsembleParams) *TreeEnsemble {
	return &TreeEnsemble{desc: desc, params: p}
}

func (m *TreeEnsemble) Descriptor() domain.ModelDescriptor {
	return m.desc
}

func (m *TreeEnsemble) Score(v domain.FeatureVector) (float64, error) {
	total := 0.0
	for ti := range m.params.Trees {
		leaf, err := m.walk(ti, v, nil)
		if err != nil {
			return 0, err
		}
		total += leaf
	}

	switch m.params.Aggregation {
	case "average":
		return clamp01(total / float64(len(m.params.Trees))), nil
	case "sum-logit":
		return sigmoid(m.params.BaseScore + total), nil
	default:
		return 0, fmt.Errorf("%s: unknown aggregation %q", m.desc.Name, m.params.Aggregation)
	}
}

// Attribute decomposes the prediction along each tree's decision path:
// every split's contribution is the change in subtree expectation caused
// by taking that branch, credited to the split feature.
func (m *TreeEnsemble) Attribute(v domain.FeatureVector) ([]float64, error) {
	out := make([]float64, len(v))
	for ti := range m.params.Trees {
		if _, err := m.walk(ti, v, out); err != nil {
			return nil, err
		}
	}
	if m.params.Aggregation == "average" {
		inv := 1 / float64(len(m.params.Trees))
		for i := range out {
			out[i] *= inv
		}
	}
	return out, nil
}

// walk traverses one tree and returns its leaf value. When contrib is
// non-nil, per-feature path contributions are accumulated into it.
func (m *TreeEnsemble) walk(ti int, v domain.FeatureVector, contrib []float64) (float64, error) {
	nodes := m.params.Trees[ti].Nodes
	idx := 0
	for steps := 0; steps <= len(nodes); steps++ {
		node := &nodes[idx]
		if node.IsLeaf() {
			return node.Value, nil
		}
		if node.Feature >= len(v) {
			return 0, fmt.Errorf("%s: tree %d splits on feature %d, vector has %d", m.desc.Name, ti, node.Feature, len(v))
		}
		next := node.Right
		if v[node.Feature] <= node.Threshold {
			next = node.Left
		}
		if contrib != nil {
			contrib[node.Feature] += nodes[next].Expected - node.Expected
		}
		idx = next
	}
	return 0, fmt.Errorf("%s: tree %d contains a cycle", m.desc.Name, ti)
}
