package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/bundle/bundletest"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Engine.RequestBudget = 0 // tests manage their own deadlines
	cfg.Engine.ExplainBudget = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg *domain.Config, deps Deps) *Engine {
	t.Helper()
	dir := t.TempDir()
	if err := bundletest.Write(dir); err != nil {
		t.Fatal(err)
	}
	return newEngineFromDir(t, dir, cfg, deps)
}

func newEngineFromDir(t *testing.T, dir string, cfg *domain.Config, deps Deps) *Engine {
	t.Helper()
	b, err := bundle.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(b, cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestPredict(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	result, err := e.Predict(context.Background(), "tenant-1", bundletest.SampleInput(true, 9))
	if err != nil {
		t.Fatalf("Predict() error: %v", err)
	}

	if result.ID == "" {
		t.Error("missing evaluation ID")
	}
	if result.CalibratedProbability < 0 || result.CalibratedProbability > 1 {
		t.Errorf("calibrated probability %v outside [0,1]", result.CalibratedProbability)
	}
	if len(result.BaseScores) != 13 {
		t.Errorf("base scores = %d, want 13", len(result.BaseScores))
	}
	if result.ModelsUsed != 13 || result.ModelsFailed != 0 {
		t.Errorf("models used/failed = %d/%d", result.ModelsUsed, result.ModelsFailed)
	}
	if result.Threshold != 0.40 {
		t.Errorf("threshold = %v, want 0.40", result.Threshold)
	}
	if result.Fraud != (result.CalibratedProbability >= result.Threshold) {
		t.Error("binary decision inconsistent with threshold")
	}
	if result.Metadata.EngineVersion != Version {
		t.Errorf("engine version = %s", result.Metadata.EngineVersion)
	}
}

func TestPredictDeterministic(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	input := bundletest.SampleInput(false, 4)

	a, err := e.Predict(context.Background(), "t", input)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Predict(context.Background(), "t", input)
	if err != nil {
		t.Fatal(err)
	}
	if a.CalibratedProbability != b.CalibratedProbability {
		t.Errorf("non-deterministic: %v vs %v", a.CalibratedProbability, b.CalibratedProbability)
	}
	if a.Classification != b.Classification {
		t.Errorf("classification differs: %s vs %s", a.Classification, b.Classification)
	}
}

func TestPredictSchemaViolation(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	input := bundletest.SampleInput(false, 1)
	delete(input, "amount")

	_, err := e.Predict(context.Background(), "t", input)
	var violation *domain.SchemaViolation
	if !errors.As(err, &violation) {
		t.Fatalf("error = %v, want SchemaViolation", err)
	}
	if len(violation.Missing) != 1 || violation.Missing[0] != "amount" {
		t.Errorf("missing = %v, want [amount]", violation.Missing)
	}
}

func TestPredictCancelledContext(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Predict(ctx, "t", bundletest.SampleInput(false, 1))
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}
}

// breakModel rewrites one model file so it loads but fails at score time.
func breakModel(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, "models", name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var mf bundle.ModelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		t.Fatal(err)
	}
	// dense layer arity mismatch surfaces only at forward time
	mf.Network = &bundle.NetworkParams{
		InputShape: []int{63},
		Layers: []bundle.LayerParams{{
			Type: "dense",
			Dense: &bundle.DenseParams{
				Weights:    [][]float64{{1}, {1}},
				Bias:       []float64{0},
				Activation: "sigmoid",
			},
		}},
	}
	mf.Linear = nil
	mf.Trees = nil
	mf.Autoencoder = nil
	out, err := json.Marshal(mf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPredictSurvivesModelFailureAboveQuorum(t *testing.T) {
	dir := t.TempDir()
	if err := bundletest.Write(dir); err != nil {
		t.Fatal(err)
	}
	breakModel(t, dir, "fnn")

	e := newEngineFromDir(t, dir, testConfig(), Deps{})
	result, err := e.Predict(context.Background(), "t", bundletest.SampleInput(true, 2))
	if err != nil {
		t.Fatalf("Predict() error: %v", err)
	}
	if result.ModelsUsed != 12 || result.ModelsFailed != 1 {
		t.Errorf("models used/failed = %d/%d, want 12/1", result.ModelsUsed, result.ModelsFailed)
	}
}

func TestPredictQuorumNotMet(t *testing.T) {
	dir := t.TempDir()
	if err := bundletest.Write(dir); err != nil {
		t.Fatal(err)
	}
	breakModel(t, dir, "fnn")

	cfg := testConfig()
	cfg.Engine.MinQuorum = 13

	e := newEngineFromDir(t, dir, cfg, Deps{})
	_, err := e.Predict(context.Background(), "t", bundletest.SampleInput(true, 2))
	var qErr *domain.QuorumNotMet
	if !errors.As(err, &qErr) {
		t.Fatalf("error = %v, want QuorumNotMet", err)
	}
	if qErr.Available != 12 || qErr.Required != 13 {
		t.Errorf("quorum = %+v", qErr)
	}
}

func TestPredictBatchAlignsErrors(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	bad := bundletest.SampleInput(false, 2)
	delete(bad, "hour")

	inputs := []map[string]float64{
		bundletest.SampleInput(false, 1),
		bad,
		bundletest.SampleInput(true, 3),
	}

	items := e.PredictBatch(context.Background(), "t", inputs)
	if len(items) != 3 {
		t.Fatalf("batch returned %d items, want 3", len(items))
	}
	for i, item := range items {
		if item.Index != i {
			t.Errorf("item %d has index %d", i, item.Index)
		}
	}
	if items[0].Result == nil || items[0].Error != "" {
		t.Errorf("item 0 = %+v, want success", items[0])
	}
	if items[1].Result != nil || items[1].Error == "" {
		t.Errorf("item 1 = %+v, want schema error", items[1])
	}
	if items[2].Result == nil {
		t.Errorf("item 2 = %+v, want success", items[2])
	}
}

func TestExplainReusesScoringPass(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	result, exp, err := e.Explain(context.Background(), "t", bundletest.SampleInput(true, 5))
	if err != nil {
		t.Fatalf("Explain() error: %v", err)
	}
	if exp.Partial {
		t.Fatalf("unexpected partial explanation: %v", exp.Skipped)
	}
	if exp.EvaluationID != result.ID {
		t.Error("explanation not tied to the evaluation")
	}
	if exp.BundleVersion != result.BundleVersion {
		t.Error("bundle versions differ")
	}
	if len(exp.ModelBreakdown) != len(result.BaseScores) {
		t.Errorf("breakdown/scores mismatch: %d/%d", len(exp.ModelBreakdown), len(result.BaseScores))
	}
	for i := range exp.ModelBreakdown {
		if exp.ModelBreakdown[i].Probability != result.BaseScores[i].Probability {
			t.Errorf("model %s: explanation rescored the input", exp.ModelBreakdown[i].Model.Name)
		}
	}
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]*domain.Explanation
	gets int
	sets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]*domain.Explanation{}}
}

func (c *fakeCache) Get(context.Context, string, string) ([]byte, error) { return nil, nil }
func (c *fakeCache) Set(context.Context, string, string, []byte, time.Duration) error {
	return nil
}
func (c *fakeCache) Delete(context.Context, string, string) error { return nil }
func (c *fakeCache) Ping(context.Context) error                   { return nil }
func (c *fakeCache) Close() error                                 { return nil }

func (c *fakeCache) GetExplanation(_ context.Context, _ string, digest string) (*domain.Explanation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.data[digest], nil
}

func (c *fakeCache) SetExplanation(_ context.Context, _ string, digest string, exp *domain.Explanation, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[digest] = exp
	return nil
}

func TestExplainUsesCache(t *testing.T) {
	cache := newFakeCache()
	e := newTestEngine(t, testConfig(), Deps{Cache: cache})
	input := bundletest.SampleInput(true, 6)

	_, first, err := e.Explain(context.Background(), "t", input)
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := e.Explain(context.Background(), "t", input)
	if err != nil {
		t.Fatal(err)
	}

	if cache.sets != 1 {
		t.Errorf("cache writes = %d, want 1", cache.sets)
	}
	if first.Summary != second.Summary {
		t.Error("cached explanation differs from computed one")
	}
}

type flakyBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *flakyBus) Publish(_ context.Context, _ string, topic string, _ []byte) error {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return errors.New("broker unavailable")
}
func (b *flakyBus) Subscribe(context.Context, string, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("broker unavailable")
}
func (b *flakyBus) Request(context.Context, string, string, []byte) ([]byte, error) {
	return nil, errors.New("broker unavailable")
}
func (b *flakyBus) Ping(context.Context) error { return nil }
func (b *flakyBus) Close() error               { return nil }

func TestPredictSurvivesBusFailure(t *testing.T) {
	bus := &flakyBus{}
	e := newTestEngine(t, testConfig(), Deps{Bus: bus})

	result, err := e.Predict(context.Background(), "t", bundletest.SampleInput(true, 9))
	if err != nil {
		t.Fatalf("bus failure broke scoring: %v", err)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.topics) == 0 {
		t.Fatal("no publish attempted")
	}
	if bus.topics[0] != domain.TopicScoreCompleted {
		t.Errorf("first topic = %s", bus.topics[0])
	}
	if result.Fraud && len(bus.topics) < 2 {
		t.Error("fraud result did not attempt an alert publish")
	}
}

func TestHealthAndInfo(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	h := e.Health()
	if h.Status != "ok" {
		t.Errorf("status = %s", h.Status)
	}
	if h.Models.MLCount != 5 || h.Models.DLCount != 8 {
		t.Errorf("model counts = %d/%d, want 5/8", h.Models.MLCount, h.Models.DLCount)
	}
	if !h.Models.MetaLearnerPresent || !h.Models.ExplainerReady {
		t.Error("meta-learner or explainer not ready")
	}

	info := e.Info()
	if info.BundleVersion != bundletest.BundleVersion {
		t.Errorf("bundle version = %s", info.BundleVersion)
	}
	if info.FeatureCount != 63 {
		t.Errorf("feature count = %d", info.FeatureCount)
	}
	if len(info.Models) != 13 {
		t.Errorf("model list = %d entries", len(info.Models))
	}
	if info.Thresholds.Low != 0.30 || info.Thresholds.High != 0.70 {
		t.Errorf("thresholds = %+v", info.Thresholds)
	}
}
