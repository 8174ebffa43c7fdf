package explain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/model"
)

// localTopK is how many local attributions each model contributes to its
// breakdown entry.
const localTopK = 5

// Explainer assembles explanations from an existing scoring pass. It never
// rescores: base scores come from the result, attributions from the same
// scaled views the models consumed.
type Explainer struct {
	registry   *model.Registry
	weights    []float64
	thresholds domain.Thresholds
	schema     *domain.FeatureSchema
	rules      *RiskEngine
	topN       int
	logger     *slog.Logger
}

// NewExplainer wires the explainability stage.
func NewExplainer(
	registry *model.Registry,
	weights []float64,
	thresholds domain.Thresholds,
	schema *domain.FeatureSchema,
	rules *RiskEngine,
	topN int,
	logger *slog.Logger,
) (*Explainer, error) {
	if len(weights) != registry.Len() {
		return nil, fmt.Errorf("%d meta weights for %d models", len(weights), registry.Len())
	}
	if topN <= 0 {
		topN = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Explainer{
		registry:   registry,
		weights:    weights,
		thresholds: thresholds,
		schema:     schema,
		rules:      rules,
		topN:       topN,
		logger:     logger,
	}, nil
}

// Explain builds the explanation for a completed scoring pass. The context
// carries the explanation budget: on expiry the parts computed so far are
// returned with the explanation flagged partial and the dropped parts
// listed, never silently omitted.
func (e *Explainer) Explain(
	ctx context.Context,
	views *feature.Views,
	input map[string]float64,
	result *domain.EnsembleResult,
) *domain.Explanation {
	start := time.Now()
	exp := &domain.Explanation{
		EvaluationID:  result.ID,
		BundleVersion: result.BundleVersion,
	}

	stages := []string{"modelBreakdown", "topFeatures", "riskFactors", "recommendations", "summary"}
	next := 0
	abort := func() bool {
		if ctx.Err() == nil {
			return false
		}
		exp.Partial = true
		exp.Skipped = append(exp.Skipped, stages[next:]...)
		exp.ProcessMs = time.Since(start).Milliseconds()
		e.logger.Warn("explanation budget expired",
			"evaluationId", result.ID,
			"skipped", exp.Skipped)
		return true
	}

	if abort() {
		return exp
	}
	breakdown, locals := e.buildBreakdown(result, views)
	exp.ModelBreakdown = breakdown
	exp.Consensus = e.buildConsensus(result)
	next = 1

	if abort() {
		return exp
	}
	global := e.globalAttribution(breakdown, locals)
	exp.TopFeatures = e.topFeatures(global, views.Raw, e.topN)
	next = 2

	if abort() {
		return exp
	}
	exp.RiskFactors = e.rules.Evaluate(RiskInput{
		Features:       input,
		Attributions:   e.attributionsByName(global),
		PCal:           result.CalibratedProbability,
		Confidence:     result.Confidence,
		ConsensusFraud: exp.Consensus.Fraud,
		ModelsTotal:    exp.Consensus.Total,
	})
	next = 3

	if abort() {
		return exp
	}
	exp.Recommendations = e.buildRecommendations(result.Classification, exp.RiskFactors)
	next = 4

	if abort() {
		return exp
	}
	exp.Summary = e.buildSummary(result, exp)

	exp.ProcessMs = time.Since(start).Milliseconds()
	return exp
}

// buildBreakdown computes per-model entries and returns the full local
// attribution vectors for the global aggregation step.
func (e *Explainer) buildBreakdown(result *domain.EnsembleResult, views *feature.Views) ([]domain.ModelContribution, [][]float64) {
	scorers := e.registry.Scorers()
	entries := make([]domain.ModelContribution, len(result.BaseScores))
	locals := make([][]float64, len(result.BaseScores))

	total := 0.0
	for i, s := range result.BaseScores {
		if !s.Unavailable {
			total += math.Abs(e.weights[i] * s.Probability)
		}
	}

	for i, s := range result.BaseScores {
		entry := domain.ModelContribution{
			Model:       s.Model,
			Probability: s.Probability,
			Unavailable: s.Unavailable,
		}
		if !s.Unavailable {
			entry.Classification = decision.Classify(s.Probability, e.thresholds)
			if total > 0 {
				entry.Contribution = math.Abs(e.weights[i]*s.Probability) / total
			}
			if att, ok := scorers[i].(model.Attributor); ok {
				if vec := e.attribute(att, s.Model, views); vec != nil {
					locals[i] = vec
					entry.Features = e.topFeatures(vec, views.Raw, localTopK)
				}
			}
		}
		entries[i] = entry
	}
	return entries, locals
}

func (e *Explainer) attribute(att model.Attributor, desc domain.ModelDescriptor, views *feature.Views) []float64 {
	view, err := views.For(desc.Scaling)
	if err != nil {
		e.logger.Warn("attribution view unavailable", "model", desc.Name, "error", err)
		return nil
	}
	vec, err := att.Attribute(view)
	if err != nil {
		e.logger.Warn("attribution failed", "model", desc.Name, "error", err)
		return nil
	}
	return vec
}

// globalAttribution aggregates local vectors weighted by each model's
// contribution share into one signed vector over the schema.
func (e *Explainer) globalAttribution(breakdown []domain.ModelContribution, locals [][]float64) []float64 {
	global := make([]float64, e.schema.Size())
	for i, vec := range locals {
		if vec == nil {
			continue
		}
		share := breakdown[i].Contribution
		for j, a := range vec {
			global[j] += share * a
		}
	}
	return global
}

// attributionsByName maps the non-zero global attributions to feature names
// for the risk-rule activation.
func (e *Explainer) attributionsByName(global []float64) map[string]float64 {
	out := make(map[string]float64)
	for i, a := range global {
		if a != 0 {
			out[e.schema.Names[i]] = a
		}
	}
	return out
}

// topFeatures ranks a signed attribution vector and keeps the strongest
// entries. Ties break on feature name for deterministic output.
func (e *Explainer) topFeatures(attr []float64, raw domain.FeatureVector, n int) []domain.FeatureAttribution {
	idx := make([]int, 0, len(attr))
	for i, a := range attr {
		if a != 0 {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		ai, bi := math.Abs(attr[idx[a]]), math.Abs(attr[idx[b]])
		if ai != bi {
			return ai > bi
		}
		return e.schema.Names[idx[a]] < e.schema.Names[idx[b]]
	})
	if len(idx) > n {
		idx = idx[:n]
	}

	out := make([]domain.FeatureAttribution, 0, len(idx))
	for _, i := range idx {
		impact := "increases_risk"
		if attr[i] < 0 {
			impact = "decreases_risk"
		}
		out = append(out, domain.FeatureAttribution{
			Feature:     e.schema.Names[i],
			Value:       raw[i],
			Attribution: attr[i],
			Impact:      impact,
		})
	}
	return out
}

func (e *Explainer) buildConsensus(result *domain.EnsembleResult) domain.ConsensusSummary {
	var c domain.ConsensusSummary
	for _, s := range result.BaseScores {
		if s.Unavailable {
			continue
		}
		c.Total++
		switch decision.Classify(s.Probability, e.thresholds) {
		case domain.ClassFraud:
			c.Fraud++
		case domain.ClassSuspicious:
			c.Suspicious++
		default:
			c.Safe++
		}
	}
	return c
}

func (e *Explainer) buildRecommendations(class domain.Classification, factors []domain.RiskFactor) []string {
	var recs []string
	switch class {
	case domain.ClassFraud:
		recs = append(recs,
			"Block the transaction and open a fraud case",
			"Notify the cardholder through a verified channel",
			"Review recent account activity for related transactions")
	case domain.ClassSuspicious:
		recs = append(recs,
			"Route the transaction for manual review",
			"Request step-up authentication before approving")
	default:
		recs = append(recs, "No action required; continue routine monitoring")
	}

	for _, f := range factors {
		if f.Severity != domain.SeverityHigh && f.Severity != domain.SeverityCritical {
			continue
		}
		switch f.Factor {
		case "velocity_burst":
			recs = append(recs, "Apply a temporary velocity limit to the account")
		case "unusual_location":
			recs = append(recs, "Verify the cardholder's travel status before releasing holds")
		case "amount_spike":
			recs = append(recs, "Confirm the purchase amount with the cardholder")
		}
	}
	return recs
}

func (e *Explainer) buildSummary(result *domain.EnsembleResult, exp *domain.Explanation) string {
	s := fmt.Sprintf("The ensemble classified this transaction as %s with a calibrated fraud probability of %.3f (confidence %.2f). %d of %d base models independently classify it as fraud.",
		result.Classification,
		result.CalibratedProbability,
		result.Confidence,
		exp.Consensus.Fraud,
		exp.Consensus.Total)

	if len(exp.RiskFactors) > 0 {
		top := exp.RiskFactors[0]
		for _, f := range exp.RiskFactors[1:] {
			if f.Score > top.Score {
				top = f
			}
		}
		s += fmt.Sprintf(" Leading risk factor: %s (%s severity).", top.Factor, top.Severity)
	} else {
		s += " No individual risk factors triggered."
	}
	return s
}
