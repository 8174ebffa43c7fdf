package explain

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/bundle/bundletest"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/model"
)

func TestDefaultRiskRulesCompile(t *testing.T) {
	e, err := NewRiskEngine(DefaultSeverityCutPoints, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadRules(DefaultRiskRules()); err != nil {
		t.Fatalf("default rules failed to compile: %v", err)
	}
	if e.RulesCount() != len(DefaultRiskRules()) {
		t.Errorf("loaded %d rules, want %d", e.RulesCount(), len(DefaultRiskRules()))
	}
}

func TestRiskRulesTriggerOnFraudProfile(t *testing.T) {
	e, _ := NewRiskEngine(DefaultSeverityCutPoints, nil)
	if err := e.LoadRules(DefaultRiskRules()); err != nil {
		t.Fatal(err)
	}

	factors := e.Evaluate(RiskInput{
		Features:       bundletest.SampleInput(true, 1),
		PCal:           0.93,
		Confidence:     0.86,
		ConsensusFraud: 11,
		ModelsTotal:    13,
	})

	got := map[string]domain.RiskFactor{}
	for _, f := range factors {
		got[f.Factor] = f
	}
	for _, want := range []string{
		"unusual_transaction_hour",
		"amount_spike",
		"unusual_location",
		"velocity_burst",
		"high_model_confidence",
		"broad_model_agreement",
	} {
		if _, ok := got[want]; !ok {
			t.Errorf("factor %s not triggered", want)
		}
	}

	if f := got["high_model_confidence"]; f.Severity != domain.SeverityCritical {
		t.Errorf("high_model_confidence severity = %s, want critical", f.Severity)
	}
	if f := got["velocity_burst"]; f.Severity != domain.SeverityCritical && f.Severity != domain.SeverityHigh {
		t.Errorf("velocity_burst severity = %s", f.Severity)
	}
}

func TestRiskRulesSilentOnNormalProfile(t *testing.T) {
	e, _ := NewRiskEngine(DefaultSeverityCutPoints, nil)
	if err := e.LoadRules(DefaultRiskRules()); err != nil {
		t.Fatal(err)
	}

	factors := e.Evaluate(RiskInput{
		Features:       bundletest.SampleInput(false, 1),
		PCal:           0.08,
		Confidence:     0.84,
		ConsensusFraud: 0,
		ModelsTotal:    13,
	})
	if len(factors) != 0 {
		t.Errorf("normal profile triggered %d factors: %+v", len(factors), factors)
	}
}

func TestLoadRulesRejectsBadExpression(t *testing.T) {
	e, _ := NewRiskEngine(DefaultSeverityCutPoints, nil)
	err := e.LoadRules([]RiskRule{{
		ID:         "broken",
		Factor:     "broken",
		Expression: `features[`,
		Enabled:    true,
	}})
	if err == nil {
		t.Fatal("malformed expression accepted")
	}

	err = e.LoadRules([]RiskRule{{
		ID:         "wrong-type",
		Factor:     "wrong-type",
		Expression: `"a string"`,
		Enabled:    true,
	}})
	if err == nil {
		t.Fatal("string-valued expression accepted")
	}
}

func TestRiskRulesThresholdAttributions(t *testing.T) {
	e, _ := NewRiskEngine(DefaultSeverityCutPoints, nil)
	if err := e.LoadRules([]RiskRule{{
		ID:          "amount-attribution",
		Factor:      "amount_drives_score",
		Feature:     "amount",
		Description: "Amount attribution exceeds the alert cut",
		Expression:  `"amount" in attributions && attributions["amount"] >= 0.3 ? 0.8 : 0.0`,
		Enabled:     true,
	}}); err != nil {
		t.Fatal(err)
	}

	factors := e.Evaluate(RiskInput{
		Features:     map[string]float64{"amount": 9000},
		Attributions: map[string]float64{"amount": 0.41},
	})
	if len(factors) != 1 || factors[0].Factor != "amount_drives_score" {
		t.Fatalf("factors = %+v, want amount_drives_score", factors)
	}

	factors = e.Evaluate(RiskInput{
		Features:     map[string]float64{"amount": 12},
		Attributions: map[string]float64{"amount": 0.01},
	})
	if len(factors) != 0 {
		t.Errorf("weak attribution triggered %+v", factors)
	}

	// absent activation behaves like an empty map, not an eval error
	factors = e.Evaluate(RiskInput{Features: map[string]float64{"amount": 12}})
	if len(factors) != 0 {
		t.Errorf("missing attributions triggered %+v", factors)
	}
}

type fixture struct {
	bundle    *bundle.Bundle
	registry  *model.Registry
	views     *feature.Views
	input     map[string]float64
	result    *domain.EnsembleResult
	explainer *Explainer
}

func buildFixture(t *testing.T, fraud bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := bundletest.Write(dir); err != nil {
		t.Fatal(err)
	}
	b, err := bundle.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := model.NewRegistry(b, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	vb, err := feature.NewViewBuilder(b.Scalers)
	if err != nil {
		t.Fatal(err)
	}

	input := bundletest.SampleInput(fraud, 3)
	vec, err := bundle.NewValidator(b.Schema, false, nil).Vectorize(input)
	if err != nil {
		t.Fatal(err)
	}
	views, err := vb.Build(vec)
	if err != nil {
		t.Fatal(err)
	}

	fuser, err := fusion.NewFuser(b.Meta, b.Calibrator, 10)
	if err != nil {
		t.Fatal(err)
	}
	scores := reg.ScoreAll(context.Background(), views)
	fused, err := fuser.Fuse(scores)
	if err != nil {
		t.Fatal(err)
	}
	d := decision.Decide(fused.Calibrated, b.Thresholds)

	result := &domain.EnsembleResult{
		ID:                    "eval-1",
		BundleVersion:         b.Manifest.BundleVersion,
		Timestamp:             time.Now().UTC(),
		RawProbability:        fused.Raw,
		CalibratedProbability: fused.Calibrated,
		Threshold:             b.Thresholds.T,
		Fraud:                 d.Fraud,
		Classification:        d.Classification,
		Confidence:            d.Confidence,
		BaseScores:            scores,
		ModelsUsed:            fused.Available,
	}

	rules, err := NewRiskEngine(DefaultSeverityCutPoints, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rules.LoadRules(DefaultRiskRules()); err != nil {
		t.Fatal(err)
	}
	ex, err := NewExplainer(reg, fuser.Weights(), b.Thresholds, b.Schema, rules, 10, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		bundle:    b,
		registry:  reg,
		views:     views,
		input:     input,
		result:    result,
		explainer: ex,
	}
}

func TestExplainBreakdown(t *testing.T) {
	f := buildFixture(t, true)

	exp := f.explainer.Explain(context.Background(), f.views, f.input, f.result)
	if exp.Partial {
		t.Fatalf("unexpected partial explanation, skipped %v", exp.Skipped)
	}
	if len(exp.ModelBreakdown) != 13 {
		t.Fatalf("breakdown has %d entries, want 13", len(exp.ModelBreakdown))
	}

	sum := 0.0
	for _, m := range exp.ModelBreakdown {
		if m.Contribution < 0 {
			t.Errorf("model %s has negative contribution", m.Model.Name)
		}
		sum += m.Contribution
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("contribution shares sum to %v, want 1", sum)
	}

	// classical models carry local attributions, neural ones do not
	for _, m := range exp.ModelBreakdown {
		switch m.Model.Algorithm {
		case domain.AlgorithmLogistic, domain.AlgorithmTreeEnsemble:
			if len(m.Features) == 0 {
				t.Errorf("model %s has no local attributions", m.Model.Name)
			}
		default:
			if len(m.Features) != 0 {
				t.Errorf("model %s unexpectedly has local attributions", m.Model.Name)
			}
		}
	}
}

func TestExplainConsensusMatchesBanding(t *testing.T) {
	f := buildFixture(t, true)
	exp := f.explainer.Explain(context.Background(), f.views, f.input, f.result)

	wantFraud := 0
	for _, s := range f.result.BaseScores {
		if !s.Unavailable && s.Probability >= f.bundle.Thresholds.High {
			wantFraud++
		}
	}
	if exp.Consensus.Fraud != wantFraud {
		t.Errorf("consensus fraud = %d, want %d", exp.Consensus.Fraud, wantFraud)
	}
	if exp.Consensus.Fraud+exp.Consensus.Suspicious+exp.Consensus.Safe != exp.Consensus.Total {
		t.Errorf("consensus counts do not add up: %+v", exp.Consensus)
	}
}

func TestExplainGlobalAttributionRanked(t *testing.T) {
	f := buildFixture(t, true)
	exp := f.explainer.Explain(context.Background(), f.views, f.input, f.result)

	if len(exp.TopFeatures) == 0 || len(exp.TopFeatures) > 10 {
		t.Fatalf("topFeatures has %d entries", len(exp.TopFeatures))
	}
	for i := 1; i < len(exp.TopFeatures); i++ {
		if math.Abs(exp.TopFeatures[i].Attribution) > math.Abs(exp.TopFeatures[i-1].Attribution) {
			t.Errorf("topFeatures not ranked at %d", i)
		}
	}
	for _, fa := range exp.TopFeatures {
		want := "increases_risk"
		if fa.Attribution < 0 {
			want = "decreases_risk"
		}
		if fa.Impact != want {
			t.Errorf("feature %s impact = %s, want %s", fa.Feature, fa.Impact, want)
		}
	}
}

func TestExplainDeterministic(t *testing.T) {
	f := buildFixture(t, true)
	a := f.explainer.Explain(context.Background(), f.views, f.input, f.result)
	b := f.explainer.Explain(context.Background(), f.views, f.input, f.result)

	if a.Summary != b.Summary {
		t.Error("summaries differ across identical requests")
	}
	if len(a.TopFeatures) != len(b.TopFeatures) {
		t.Fatal("topFeatures length differs")
	}
	for i := range a.TopFeatures {
		if a.TopFeatures[i] != b.TopFeatures[i] {
			t.Errorf("topFeatures[%d] differs: %+v vs %+v", i, a.TopFeatures[i], b.TopFeatures[i])
		}
	}
}

func TestExplainFeedsAttributionsToRules(t *testing.T) {
	f := buildFixture(t, true)

	rules, err := NewRiskEngine(DefaultSeverityCutPoints, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rules.LoadRules([]RiskRule{{
		ID:          "any-attribution",
		Factor:      "attributed_signal",
		Description: "At least one feature carries attribution",
		Expression:  `size(attributions) > 0 ? 0.8 : 0.0`,
		Enabled:     true,
	}}); err != nil {
		t.Fatal(err)
	}
	ex, err := NewExplainer(f.registry, f.bundle.Meta.Weights, f.bundle.Thresholds, f.bundle.Schema, rules, 10, nil)
	if err != nil {
		t.Fatal(err)
	}

	exp := ex.Explain(context.Background(), f.views, f.input, f.result)
	if len(exp.RiskFactors) != 1 || exp.RiskFactors[0].Factor != "attributed_signal" {
		t.Fatalf("riskFactors = %+v, want attributed_signal", exp.RiskFactors)
	}
}

func TestExplainPartialOnExpiredBudget(t *testing.T) {
	f := buildFixture(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exp := f.explainer.Explain(ctx, f.views, f.input, f.result)
	if !exp.Partial {
		t.Fatal("expired budget did not mark the explanation partial")
	}
	if len(exp.Skipped) != 5 {
		t.Errorf("skipped = %v, want all five stages", exp.Skipped)
	}
}

func TestExplainRecommendationsFollowClassification(t *testing.T) {
	f := buildFixture(t, false)
	// force a safe result regardless of the synthetic weights
	f.result.Classification = domain.ClassSafe
	f.result.CalibratedProbability = 0.05
	f.result.Confidence = 0.9

	exp := f.explainer.Explain(context.Background(), f.views, f.input, f.result)
	if len(exp.Recommendations) == 0 {
		t.Fatal("no recommendations")
	}
	if exp.Recommendations[0] != "No action required; continue routine monitoring" {
		t.Errorf("safe recommendation = %q", exp.Recommendations[0])
	}
}
