package domain

// ModelFamily distinguishes classical ML models from neural models.
type ModelFamily string

const (
	FamilyML ModelFamily = "ML"
	FamilyDL ModelFamily = "DL"
)

// ScalingVariant names the scaled view of the feature vector a model expects.
type ScalingVariant string

const (
	// ScalingNone means the model consumes raw, unscaled features
	// (tree-based models).
	ScalingNone ScalingVariant = "none"

	// ScalingStandard is the standardization view (linear and neural models).
	ScalingStandard ScalingVariant = "standard"

	// ScalingMinMax is the min-max view (bounded-input models).
	ScalingMinMax ScalingVariant = "minmax"
)

// Algorithm tags for base models.
const (
	AlgorithmLogistic      = "logistic"
	AlgorithmTreeEnsemble  = "tree-ensemble"
	AlgorithmFeedforward   = "feedforward"
	AlgorithmConvolutional = "convolutional"
	AlgorithmRecurrent     = "recurrent"
	AlgorithmAutoencoder   = "autoencoder"
)

// ModelDescriptor identifies one base model in the registry.
// Created once at bundle load and shared read-only across requests.
type ModelDescriptor struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Family      ModelFamily    `json:"family"`
	Algorithm   string         `json:"algorithm"`
	Scaling     ScalingVariant `json:"scaling"`
}

// BaseScore is one model's output for one feature vector.
// For reconstruction models the probability is a fitted monotone transform
// of the reconstruction error, so every slot carries the same semantics.
type BaseScore struct {
	Model       ModelDescriptor `json:"model"`
	Probability float64         `json:"probability"`

	// Unavailable marks a model that failed for this request. The slot is
	// imputed at fusion time if the quorum is still met.
	Unavailable bool   `json:"unavailable,omitempty"`
	Error       string `json:"error,omitempty"`
}
