package domain

import (
	"time"
)

// Classification is the three-tier risk band of a calibrated probability.
type Classification string

const (
	ClassSafe       Classification = "SAFE"
	ClassSuspicious Classification = "SUSPICIOUS"
	ClassFraud      Classification = "FRAUD"
)

// Thresholds holds the decision policy cut points shipped with a bundle.
// T is the binary operating point; Low and High are the band cut points.
// The two policies are independent: T may sit anywhere relative to the band.
type Thresholds struct {
	T    float64 `json:"threshold"`
	Low  float64 `json:"bandLow"`
	High float64 `json:"bandHigh"`
}

// EnsembleResult is the complete scoring outcome for one feature vector.
type EnsembleResult struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	BundleVersion string    `json:"bundleVersion"`
	Timestamp     time.Time `json:"timestamp"`

	// Fusion outputs
	RawProbability        float64 `json:"rawProbability"`
	CalibratedProbability float64 `json:"calibratedProbability"`

	// Decision policy outputs
	Threshold      float64        `json:"threshold"`
	Fraud          bool           `json:"fraud"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`

	// Base model outputs in canonical bundle order
	BaseScores   []BaseScore `json:"baseScores"`
	ModelsUsed   int         `json:"modelsUsed"`
	ModelsFailed int         `json:"modelsFailed"`

	// Processing metadata
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata contains processing information.
type ResultMetadata struct {
	TraceID       string `json:"traceId"`
	ValidateMs    int64  `json:"validateMs"`
	ScoreMs       int64  `json:"scoreMs"`
	FuseMs        int64  `json:"fuseMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// ModelContribution is one base model's entry in the explanation breakdown.
type ModelContribution struct {
	Model          ModelDescriptor      `json:"model"`
	Probability    float64              `json:"probability"`
	Classification Classification       `json:"classification"`
	Unavailable    bool                 `json:"unavailable,omitempty"`

	// Contribution is the model's normalized share of the fused decision,
	// |meta weight × score| over the sum across available models.
	Contribution float64 `json:"contribution"`

	// Features holds local attributions where the model family supports
	// them; nil for families that do not expose per-feature signals.
	Features []FeatureAttribution `json:"features,omitempty"`
}

// FeatureAttribution is a signed per-feature contribution to a score.
// Positive values push toward fraud, negative toward safe.
type FeatureAttribution struct {
	Feature     string  `json:"feature"`
	Value       float64 `json:"value"`
	Attribution float64 `json:"attribution"`
	Impact      string  `json:"impact"` // "increases_risk" or "decreases_risk"
}

// RiskFactor is one triggered risk-factor rule.
type RiskFactor struct {
	Factor      string  `json:"factor"`
	Feature     string  `json:"feature,omitempty"`
	Severity    string  `json:"severity"` // low, medium, high, critical
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// Risk factor severity levels, ordered.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ConsensusSummary counts base models by their individual classification
// under the same banding policy as the fused result.
type ConsensusSummary struct {
	Fraud      int `json:"fraud"`
	Suspicious int `json:"suspicious"`
	Safe       int `json:"safe"`
	Total      int `json:"total"`
}

// Explanation is the auditable account of how an EnsembleResult was reached.
type Explanation struct {
	EvaluationID  string `json:"evaluationId"`
	BundleVersion string `json:"bundleVersion"`

	ModelBreakdown  []ModelContribution  `json:"modelBreakdown"`
	TopFeatures     []FeatureAttribution `json:"topFeatures"`
	RiskFactors     []RiskFactor         `json:"riskFactors"`
	Consensus       ConsensusSummary     `json:"consensus"`
	Recommendations []string             `json:"recommendations"`
	Summary         string               `json:"summary"`

	// Partial is set when the explanation budget expired before every part
	// completed; Skipped names what was dropped. Never silently omitted.
	Partial bool     `json:"partial,omitempty"`
	Skipped []string `json:"skipped,omitempty"`

	ProcessMs int64 `json:"processMs"`
}

// BatchItem is one index-aligned entry of a batch prediction.
// Exactly one of Result or Error is set.
type BatchItem struct {
	Index  int             `json:"index"`
	Result *EnsembleResult `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
