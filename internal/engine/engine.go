// Package engine orchestrates the inference pipeline: validate, scale,
// score, fuse, decide, explain. It owns the request and explanation
// budgets and feeds the audit and event collaborators.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/model"
)

// Version is the engine version recorded in result metadata.
const Version = "0.1.0"

// Deps are the engine's optional collaborators. All of them are
// best-effort: a failing repository, cache or bus never fails scoring.
type Deps struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Logger     *slog.Logger

	// RiskRules overrides the built-in risk-factor rules when non-nil.
	RiskRules []explain.RiskRule
}

// Engine is the inference orchestrator. Safe for concurrent use; all
// per-request state lives on the stack.
type Engine struct {
	bundle    *bundle.Bundle
	validator *bundle.Validator
	views     *feature.ViewBuilder
	registry  *model.Registry
	fuser     *fusion.Fuser
	explainer *explain.Explainer

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	cfg    domain.EngineConfig
	logger *slog.Logger
}

// New wires the pipeline over a loaded bundle.
func New(b *bundle.Bundle, cfg *domain.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := model.NewRegistry(b, cfg.Engine.MaxWorkers, logger)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	views, err := feature.NewViewBuilder(b.Scalers)
	if err != nil {
		return nil, fmt.Errorf("build scalers: %w", err)
	}
	fuser, err := fusion.NewFuser(b.Meta, b.Calibrator, cfg.Engine.MinQuorum)
	if err != nil {
		return nil, fmt.Errorf("build fuser: %w", err)
	}

	rules, err := explain.NewRiskEngine(explain.DefaultSeverityCutPoints, logger)
	if err != nil {
		return nil, fmt.Errorf("build risk engine: %w", err)
	}
	riskRules := deps.RiskRules
	if riskRules == nil {
		riskRules = explain.DefaultRiskRules()
	}
	if err := rules.LoadRules(riskRules); err != nil {
		return nil, fmt.Errorf("load risk rules: %w", err)
	}

	explainer, err := explain.NewExplainer(registry, fuser.Weights(), b.Thresholds,
		b.Schema, rules, cfg.Engine.TopFeatures, logger)
	if err != nil {
		return nil, fmt.Errorf("build explainer: %w", err)
	}

	return &Engine{
		bundle:    b,
		validator: bundle.NewValidator(b.Schema, cfg.Bundle.ForwardCompatible, logger),
		views:     views,
		registry:  registry,
		fuser:     fuser,
		explainer: explainer,
		repo:      deps.Repository,
		cache:     deps.Cache,
		bus:       deps.Bus,
		cfg:       cfg.Engine,
		logger:    logger,
	}, nil
}

// Predict runs the full scoring pipeline for one input map.
func (e *Engine) Predict(ctx context.Context, tenantID string, input map[string]float64) (*domain.EnsembleResult, error) {
	result, _, err := e.score(ctx, tenantID, input)
	if err != nil {
		return nil, err
	}
	e.record(ctx, tenantID, result, nil)
	return result, nil
}

// Explain scores the input and builds the explanation from the same pass.
// The explanation runs under its own budget: on expiry the result is still
// returned with a partial explanation.
func (e *Engine) Explain(ctx context.Context, tenantID string, input map[string]float64) (*domain.EnsembleResult, *domain.Explanation, error) {
	result, views, err := e.score(ctx, tenantID, input)
	if err != nil {
		return nil, nil, err
	}

	digest := e.digest(views.Raw)
	if exp := e.cachedExplanation(ctx, tenantID, digest); exp != nil {
		exp.EvaluationID = result.ID
		e.record(ctx, tenantID, result, nil)
		return result, exp, nil
	}

	expCtx := ctx
	if e.cfg.ExplainBudget > 0 {
		var cancel context.CancelFunc
		expCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.ExplainBudget)*time.Millisecond)
		defer cancel()
	}
	exp := e.explainer.Explain(expCtx, views, input, result)

	if !exp.Partial {
		e.cacheExplanation(ctx, tenantID, digest, exp)
	}
	e.record(ctx, tenantID, result, exp)
	return result, exp, nil
}

// PredictBatch scores independent items concurrently. Per-item failures
// (schema violations, quorum) land in their slot; the batch itself always
// succeeds.
func (e *Engine) PredictBatch(ctx context.Context, tenantID string, inputs []map[string]float64) []domain.BatchItem {
	items := make([]domain.BatchItem, len(inputs))

	var g errgroup.Group
	limit := e.cfg.BatchParallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			items[i] = domain.BatchItem{Index: i}
			result, err := e.Predict(ctx, tenantID, input)
			if err != nil {
				items[i].Error = err.Error()
				return nil
			}
			items[i].Result = result
			return nil
		})
	}
	g.Wait()

	return items
}

// score is the shared scoring pass behind Predict and Explain.
func (e *Engine) score(ctx context.Context, tenantID string, input map[string]float64) (*domain.EnsembleResult, *feature.Views, error) {
	if e.cfg.RequestBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.RequestBudget)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()

	vec, err := e.validator.Vectorize(input)
	if err != nil {
		return nil, nil, err
	}
	validateMs := time.Since(start).Milliseconds()

	views, err := e.views.Build(vec)
	if err != nil {
		return nil, nil, err
	}

	scoreStart := time.Now()
	scores := e.registry.ScoreAll(ctx, views)
	scoreMs := time.Since(scoreStart).Milliseconds()

	// a timed-out request must fail, never return a silent partial
	if ctx.Err() != nil {
		return nil, nil, fmt.Errorf("%w after %dms", domain.ErrRequestTimeout, time.Since(start).Milliseconds())
	}

	fuseStart := time.Now()
	fused, err := e.fuser.Fuse(scores)
	if err != nil {
		return nil, nil, err
	}
	fuseMs := time.Since(fuseStart).Milliseconds()

	d := decision.Decide(fused.Calibrated, e.bundle.Thresholds)

	result := &domain.EnsembleResult{
		ID:                    uuid.New().String(),
		TenantID:              tenantID,
		BundleVersion:         e.bundle.Manifest.BundleVersion,
		Timestamp:             time.Now().UTC(),
		RawProbability:        fused.Raw,
		CalibratedProbability: fused.Calibrated,
		Threshold:             e.bundle.Thresholds.T,
		Fraud:                 d.Fraud,
		Classification:        d.Classification,
		Confidence:            d.Confidence,
		BaseScores:            scores,
		ModelsUsed:            fused.Available,
		ModelsFailed:          len(scores) - fused.Available,
		Metadata: domain.ResultMetadata{
			TraceID:       traceID(ctx),
			ValidateMs:    validateMs,
			ScoreMs:       scoreMs,
			FuseMs:        fuseMs,
			TotalMs:       time.Since(start).Milliseconds(),
			EngineVersion: Version,
		},
	}
	return result, views, nil
}

// record persists and publishes a completed evaluation. Best-effort only.
func (e *Engine) record(ctx context.Context, tenantID string, result *domain.EnsembleResult, exp *domain.Explanation) {
	if e.repo != nil {
		if err := e.repo.SaveEvaluation(ctx, tenantID, result); err != nil {
			e.logger.Warn("failed to persist evaluation", "evaluationId", result.ID, "error", err)
		}
		if exp != nil {
			if err := e.repo.SaveExplanation(ctx, tenantID, exp); err != nil {
				e.logger.Warn("failed to persist explanation", "evaluationId", result.ID, "error", err)
			}
		}
	}

	if e.bus != nil {
		if err := bus.PublishResult(ctx, e.bus, tenantID, result); err != nil {
			e.logger.Warn("failed to publish score event", "evaluationId", result.ID, "error", err)
		}
	}
}

func (e *Engine) cachedExplanation(ctx context.Context, tenantID, digest string) *domain.Explanation {
	if e.cache == nil {
		return nil
	}
	exp, err := e.cache.GetExplanation(ctx, tenantID, digest)
	if err != nil {
		e.logger.Warn("explanation cache read failed", "error", err)
		return nil
	}
	return exp
}

func (e *Engine) cacheExplanation(ctx context.Context, tenantID, digest string, exp *domain.Explanation) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetExplanation(ctx, tenantID, digest, exp, 0); err != nil {
		e.logger.Warn("explanation cache write failed", "error", err)
	}
}

// digest keys the explanation cache by bundle version and exact vector
// bits; any change to either misses.
func (e *Engine) digest(vec domain.FeatureVector) string {
	h := sha256.New()
	h.Write([]byte(e.bundle.Manifest.BundleVersion))
	var buf [8]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// HealthStatus is the service readiness summary.
type HealthStatus struct {
	Status        string       `json:"status"`
	BundleVersion string       `json:"bundleVersion"`
	Models        ModelsLoaded `json:"modelsLoaded"`
}

// ModelsLoaded describes what the registry holds.
type ModelsLoaded struct {
	MLCount            int  `json:"mlCount"`
	DLCount            int  `json:"dlCount"`
	MetaLearnerPresent bool `json:"metaLearnerPresent"`
	ExplainerReady     bool `json:"explainerReady"`
}

// Health reports registry and pipeline readiness.
func (e *Engine) Health() HealthStatus {
	ml, dl := e.registry.CountByFamily()
	return HealthStatus{
		Status:        "ok",
		BundleVersion: e.bundle.Manifest.BundleVersion,
		Models: ModelsLoaded{
			MLCount:            ml,
			DLCount:            dl,
			MetaLearnerPresent: len(e.fuser.Weights()) > 0,
			ExplainerReady:     e.explainer != nil,
		},
	}
}

// BundleInfo describes the loaded bundle for the info endpoint.
type BundleInfo struct {
	BundleVersion        string                   `json:"bundleVersion"`
	FeatureSchemaVersion string                   `json:"featureSchemaVersion"`
	FeatureCount         int                      `json:"featureCount"`
	Thresholds           domain.Thresholds        `json:"thresholds"`
	MinQuorum            int                      `json:"minQuorum"`
	Models               []domain.ModelDescriptor `json:"models"`
}

// Info returns the bundle contract and decision policy.
func (e *Engine) Info() BundleInfo {
	models := make([]domain.ModelDescriptor, 0, e.registry.Len())
	for _, s := range e.registry.Scorers() {
		models = append(models, s.Descriptor())
	}
	return BundleInfo{
		BundleVersion:        e.bundle.Manifest.BundleVersion,
		FeatureSchemaVersion: e.bundle.Schema.Version,
		FeatureCount:         e.bundle.Schema.Size(),
		Thresholds:           e.bundle.Thresholds,
		MinQuorum:            e.fuser.MinQuorum(),
		Models:               models,
	}
}
