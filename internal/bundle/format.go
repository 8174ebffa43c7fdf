// Package bundle loads and validates versioned model bundles.
//
// A bundle is a self-describing directory of JSON artifacts produced by the
// training pipeline: manifest, feature schema, fitted scalers, one file per
// base model, the meta-learner, an optional calibrator, and the decision
// thresholds. Bundles are loaded once at startup, self-validated, and shared
// read-only by reference afterward.
package bundle

// Manifest pins the bundle version and the canonical base-model order.
// The order defines the meta-learner's input slots and must never change
// within a bundle version.
type Manifest struct {
	BundleVersion string   `json:"bundleVersion"`
	SchemaVersion string   `json:"schemaVersion"`
	CreatedAt     string   `json:"createdAt"`
	Models        []string `json:"models"`
}

// ScalerParams holds the fitted per-feature scaling statistics.
type ScalerParams struct {
	Standard AffineParams `json:"standard"`
	MinMax   AffineParams `json:"minmax"`
}

// AffineParams is a fitted affine transform y = (x - Offset) * Scale,
// with optional clip bounds applied after the transform.
type AffineParams struct {
	Offset []float64 `json:"offset"`
	Scale  []float64 `json:"scale"`

	ClipLow  *float64 `json:"clipLow,omitempty"`
	ClipHigh *float64 `json:"clipHigh,omitempty"`
}

// ModelFile is one serialized base model. Exactly one of the parameter
// blocks is set, matching the Algorithm tag.
type ModelFile struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Family      string `json:"family"`    // "ML" or "DL"
	Algorithm   string `json:"algorithm"` // domain algorithm tag
	Scaling     string `json:"scaling"`   // "none", "standard", "minmax"

	Linear      *LinearParams       `json:"linear,omitempty"`
	Trees       *TreeEnsembleParams `json:"trees,omitempty"`
	Network     *NetworkParams      `json:"network,omitempty"`
	Autoencoder *AutoencoderParams  `json:"autoencoder,omitempty"`
}

// LinearParams is a logistic regression: sigmoid(coef · x + intercept).
type LinearParams struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

// TreeEnsembleParams is a forest of binary decision trees.
type TreeEnsembleParams struct {
	// Aggregation is "average" (bagged probability trees) or "sum-logit"
	// (boosted margin trees passed through a sigmoid).
	Aggregation string  `json:"aggregation"`
	BaseScore   float64 `json:"baseScore"`
	Trees       []Tree  `json:"trees"`
}

// Tree is a flat node array; node 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is one node of a decision tree. Leaf nodes have Left == -1.
// Expected is the training-set mean output of the subtree rooted here,
// used for decision-path attribution.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Expected  float64 `json:"expected"`
}

// IsLeaf reports whether the node is terminal.
func (n *TreeNode) IsLeaf() bool {
	return n.Left < 0
}

// NetworkParams is a layered feed-forward network evaluated in order.
// InputShape is the reshape applied to the flat feature vector before the
// first layer: [features] for dense nets, [steps, channels] for sequence
// models.
type NetworkParams struct {
	InputShape []int         `json:"inputShape"`
	Layers     []LayerParams `json:"layers"`
}

// LayerParams is one network layer; Type selects the parameter block.
type LayerParams struct {
	Type string `json:"type"` // dense, conv1d, lstm, bilstm, maxpool1d, globalavgpool1d, flatten

	Dense *DenseParams  `json:"dense,omitempty"`
	Conv  *Conv1DParams `json:"conv,omitempty"`
	LSTM  *LSTMParams   `json:"lstm,omitempty"`
	// Backward is set for bilstm layers; LSTM holds the forward direction.
	Backward *LSTMParams `json:"backward,omitempty"`
	Pool     *PoolParams `json:"pool,omitempty"`
}

// DenseParams is a fully connected layer: out = act(x·Weights + Bias).
// Weights is indexed [input][output].
type DenseParams struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"` // relu, sigmoid, tanh, linear
}

// Conv1DParams is a 1-D convolution. Kernel is indexed
// [position][inChannel][outChannel].
type Conv1DParams struct {
	Kernel     [][][]float64 `json:"kernel"`
	Bias       []float64     `json:"bias"`
	Stride     int           `json:"stride"`
	Padding    string        `json:"padding"` // "valid" or "same"
	Activation string        `json:"activation"`
}

// LSTMParams is one LSTM direction. Kernels follow the i, f, c, o gate
// layout: InputKernel is [input][4*units], RecurrentKernel [units][4*units],
// Bias [4*units].
type LSTMParams struct {
	Units           int         `json:"units"`
	InputKernel     [][]float64 `json:"inputKernel"`
	RecurrentKernel [][]float64 `json:"recurrentKernel"`
	Bias            []float64   `json:"bias"`
	ReturnSequences bool        `json:"returnSequences"`
}

// PoolParams configures max pooling over the step axis.
type PoolParams struct {
	Size   int `json:"size"`
	Stride int `json:"stride"`
}

// AutoencoderParams is a reconstruction model. The network maps the scaled
// input to its reconstruction; the mean squared reconstruction error is
// mapped into [0,1] by the fitted logistic p = sigmoid(Slope·(err − Center)).
type AutoencoderParams struct {
	Network NetworkParams `json:"network"`
	Slope   float64       `json:"slope"`
	Center  float64       `json:"center"`
}

// MetaLearnerParams is the trained logistic fusion layer. Weights are in
// canonical manifest order; Fallback holds the per-slot imputation value
// used when a base model is unavailable but the quorum is still met.
type MetaLearnerParams struct {
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	Fallback  []float64 `json:"fallback"`
}

// CalibratorParams maps the raw fused probability to a calibrated one.
// Type "platt" uses sigmoid(A·p + B); "isotonic" interpolates piecewise-
// linearly between (X[i], Y[i]) knots with X strictly increasing.
type CalibratorParams struct {
	Type string    `json:"type"`
	A    float64   `json:"a,omitempty"`
	B    float64   `json:"b,omitempty"`
	X    []float64 `json:"x,omitempty"`
	Y    []float64 `json:"y,omitempty"`
}

// ThresholdsFile is the on-disk form of the decision policy cut points.
type ThresholdsFile struct {
	Threshold float64 `json:"threshold"`
	BandLow   float64 `json:"bandLow"`
	BandHigh  float64 `json:"bandHigh"`
}
