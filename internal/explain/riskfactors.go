// Package explain produces the auditable account of a scoring decision:
// per-model breakdown, feature attribution, risk factors, consensus and
// recommendations.
package explain

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RiskRule is a CEL-programmable risk factor. The expression sees the raw
// feature map, the fused prediction and the per-feature global attribution,
// and returns a score: booleans count as 0 or 1, numbers are used as-is.
// A positive score triggers the factor.
type RiskRule struct {
	ID          string `json:"id"`
	Factor      string `json:"factor"`
	Feature     string `json:"feature,omitempty"`
	Description string `json:"description"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`
}

// SeverityCutPoints maps a rule score to a severity level. Scores below
// Medium are low; severity is monotone in the score.
type SeverityCutPoints struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultSeverityCutPoints is the stock severity ladder.
var DefaultSeverityCutPoints = SeverityCutPoints{Medium: 0.5, High: 0.75, Critical: 0.9}

// RiskEngine evaluates risk-factor rules against a prediction.
type RiskEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledRiskRule
	severity SeverityCutPoints
	logger   *slog.Logger
}

type compiledRiskRule struct {
	rule    RiskRule
	program cel.Program
}

// NewRiskEngine creates the CEL environment for risk-factor rules.
func NewRiskEngine(severity SeverityCutPoints, logger *slog.Logger) (*RiskEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("attributions", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("p_cal", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("consensus_fraud", cel.IntType),
		cel.Variable("models_total", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &RiskEngine{
		env:      env,
		severity: severity,
		logger:   logger,
	}, nil
}

// LoadRules compiles and installs the enabled rules, replacing any
// previously loaded set.
func (e *RiskEngine) LoadRules(rules []RiskRule) error {
	compiled := make([]*compiledRiskRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		c, err := e.compile(rule)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *RiskEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

func (e *RiskEngine) compile(rule RiskRule) (*compiledRiskRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile risk rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("risk rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for risk rule %s: %w", rule.ID, err)
	}
	return &compiledRiskRule{rule: rule, program: program}, nil
}

// RiskInput is the activation for one evaluation. Attributions holds the
// signed global attribution per feature name; positive values push toward
// fraud.
type RiskInput struct {
	Features       map[string]float64
	Attributions   map[string]float64
	PCal           float64
	Confidence     float64
	ConsensusFraud int
	ModelsTotal    int
}

// Evaluate runs every loaded rule and returns the triggered factors.
// A rule that fails to evaluate is logged and skipped; one bad rule never
// blocks the rest of the explanation.
func (e *RiskEngine) Evaluate(input RiskInput) []domain.RiskFactor {
	e.mu.RLock()
	rules := e.compiled
	e.mu.RUnlock()

	attributions := input.Attributions
	if attributions == nil {
		attributions = map[string]float64{}
	}
	activation := map[string]any{
		"features":        input.Features,
		"attributions":    attributions,
		"p_cal":           input.PCal,
		"confidence":      input.Confidence,
		"consensus_fraud": int64(input.ConsensusFraud),
		"models_total":    int64(input.ModelsTotal),
	}

	var factors []domain.RiskFactor
	for _, c := range rules {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			e.logger.Warn("risk rule evaluation failed", "rule", c.rule.ID, "error", err)
			continue
		}
		score := toScore(out)
		if score <= 0 {
			continue
		}
		factors = append(factors, domain.RiskFactor{
			Factor:      c.rule.Factor,
			Feature:     c.rule.Feature,
			Severity:    e.severityFor(score),
			Score:       score,
			Description: c.rule.Description,
		})
	}
	return factors
}

func (e *RiskEngine) severityFor(score float64) string {
	switch {
	case score >= e.severity.Critical:
		return domain.SeverityCritical
	case score >= e.severity.High:
		return domain.SeverityHigh
	case score >= e.severity.Medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// DefaultRiskRules mirrors the engineered-feature semantics the scoring
// models were trained on: time-of-day, amount spikes, location, velocity
// and the fused model signal itself.
func DefaultRiskRules() []RiskRule {
	return []RiskRule{
		{
			ID:          "unusual-hour",
			Factor:      "unusual_transaction_hour",
			Feature:     "hour",
			Description: "Transaction occurred during unusual night-time hours",
			Expression:  `features["is_night"] == 1.0 || features["hour"] < 6.0 ? 0.6 : 0.0`,
			Enabled:     true,
		},
		{
			ID:          "amount-spike",
			Factor:      "amount_spike",
			Feature:     "amount_to_avg_ratio",
			Description: "Amount far exceeds the account's recent average",
			Expression:  `features["amount_to_avg_ratio"] >= 10.0 ? 0.9 : (features["amount_to_avg_ratio"] >= 3.0 ? 0.6 : 0.0)`,
			Enabled:     true,
		},
		{
			ID:          "foreign-location",
			Factor:      "unusual_location",
			Feature:     "distance_from_home",
			Description: "Transaction far from the cardholder's usual locations",
			Expression: `features["is_foreign_country"] == 1.0
				? (features["distance_from_home"] >= 1000.0 ? 0.9 : 0.65)
				: (features["distance_from_home"] >= 500.0 ? 0.4 : 0.0)`,
			Enabled: true,
		},
		{
			ID:          "velocity-burst",
			Factor:      "velocity_burst",
			Feature:     "txn_count_1h",
			Description: "Rapid burst of transactions in the last hour",
			Expression:  `features["txn_count_1h"] >= 8.0 ? 0.9 : (features["txn_count_1h"] >= 4.0 ? 0.5 : 0.0)`,
			Enabled:     true,
		},
		{
			ID:          "model-confidence",
			Factor:      "high_model_confidence",
			Description: "The ensemble is confident this transaction is fraudulent",
			Expression:  `p_cal >= 0.9 && confidence >= 0.8 ? 0.95 : (p_cal >= 0.7 ? 0.6 : 0.0)`,
			Enabled:     true,
		},
		{
			ID:          "dominant-driver",
			Factor:      "dominant_risk_driver",
			Description: "A single feature carries most of the ensemble's risk signal",
			Expression:  `attributions.exists(f, attributions[f] >= 0.5) ? 0.7 : 0.0`,
			Enabled:     true,
		},
		{
			ID:          "model-consensus",
			Factor:      "broad_model_agreement",
			Description: "A large share of base models independently flag fraud",
			Expression:  `consensus_fraud * 2 >= models_total ? 0.85 : (consensus_fraud * 4 >= models_total ? 0.55 : 0.0)`,
			Enabled:     true,
		},
	}
}
