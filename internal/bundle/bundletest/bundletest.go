// Package bundletest builds small synthetic model bundles for tests and
// load generation. The bundles are structurally identical to production
// bundles: full feature schema, all thirteen base models, meta-learner,
// calibrator and thresholds, just with tiny deterministic weights.
package bundletest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/bundle"
)

// SchemaVersion is the feature contract version of generated bundles.
const SchemaVersion = "fs-2024.2"

// BundleVersion is the bundle version of generated bundles.
const BundleVersion = "test-1.0.0"

// ModelOrder is the canonical slot order of the synthetic bundle.
var ModelOrder = []string{
	"logistic_regression",
	"random_forest",
	"xgboost",
	"xgboost_smote",
	"catboost",
	"fnn",
	"fnn_tuned",
	"cnn",
	"cnn_tuned",
	"lstm",
	"bilstm",
	"cnn_bilstm",
	"autoencoder",
}

// FeatureNames returns the 63-feature schema in canonical order.
func FeatureNames() []string {
	names := []string{
		"amount",
		"amount_log",
		"hour",
		"day_of_week",
		"is_weekend",
		"is_night",
		"distance_from_home",
		"distance_from_last_txn",
		"is_foreign_country",
		"txn_count_1h",
		"txn_count_24h",
		"amount_avg_24h",
		"amount_std_24h",
		"amount_to_avg_ratio",
		"merchant_risk_score",
		"time_since_last_txn",
	}
	for i := 1; len(names) < 63; i++ {
		names = append(names, fmt.Sprintf("v%d", i))
	}
	return names
}

// SampleInput generates a deterministic input map. Fraud-shaped samples
// carry a night-time foreign high-amount burst profile.
func SampleInput(fraud bool, seed int64) map[string]float64 {
	rng := rand.New(rand.NewSource(seed))
	in := make(map[string]float64, 63)
	for _, name := range FeatureNames() {
		in[name] = rng.NormFloat64()
	}

	if fraud {
		in["amount"] = 4200 + rng.Float64()*800
		in["amount_log"] = 8.3
		in["hour"] = 3
		in["is_night"] = 1
		in["is_foreign_country"] = 1
		in["distance_from_home"] = 5200
		in["distance_from_last_txn"] = 4800
		in["txn_count_1h"] = 9
		in["txn_count_24h"] = 31
		in["amount_avg_24h"] = 240
		in["amount_std_24h"] = 90
		in["amount_to_avg_ratio"] = 17.5
		in["merchant_risk_score"] = 0.92
		in["time_since_last_txn"] = 40
	} else {
		in["amount"] = 35 + rng.Float64()*40
		in["amount_log"] = 3.8
		in["hour"] = 14
		in["is_night"] = 0
		in["is_foreign_country"] = 0
		in["distance_from_home"] = 2.5
		in["distance_from_last_txn"] = 1.1
		in["txn_count_1h"] = 1
		in["txn_count_24h"] = 4
		in["amount_avg_24h"] = 52
		in["amount_std_24h"] = 18
		in["amount_to_avg_ratio"] = 1.0
		in["merchant_risk_score"] = 0.08
		in["time_since_last_txn"] = 14000
	}
	in["is_weekend"] = 0
	in["day_of_week"] = 2
	return in
}

// Write materializes a complete synthetic bundle under dir.
func Write(dir string) error {
	rng := rand.New(rand.NewSource(42))
	names := FeatureNames()
	n := len(names)

	if err := os.MkdirAll(filepath.Join(dir, "models"), 0o755); err != nil {
		return err
	}

	manifest := bundle.Manifest{
		BundleVersion: BundleVersion,
		SchemaVersion: SchemaVersion,
		CreatedAt:     "2024-11-02T00:00:00Z",
		Models:        ModelOrder,
	}
	if err := writeJSON(dir, "manifest.json", manifest); err != nil {
		return err
	}

	schema := map[string]any{"version": SchemaVersion, "features": names}
	if err := writeJSON(dir, "schema.json", schema); err != nil {
		return err
	}

	scalers := bundle.ScalerParams{
		Standard: affine(rng, n, true),
		MinMax:   affine(rng, n, false),
	}
	if err := writeJSON(dir, "scalers.json", scalers); err != nil {
		return err
	}

	for _, name := range ModelOrder {
		mf := buildModel(rng, name, n)
		if err := writeJSON(dir, filepath.Join("models", name+".json"), mf); err != nil {
			return err
		}
	}

	weights := make([]float64, len(ModelOrder))
	fallback := make([]float64, len(ModelOrder))
	sum := 0.0
	for i := range weights {
		weights[i] = 0.6 + rng.Float64()*0.6
		sum += weights[i]
		fallback[i] = 0.45 + rng.Float64()*0.1
	}
	meta := bundle.MetaLearnerParams{
		Weights:   weights,
		Intercept: -sum / 2,
		Fallback:  fallback,
	}
	if err := writeJSON(dir, "meta_learner.json", meta); err != nil {
		return err
	}

	cal := bundle.CalibratorParams{Type: "platt", A: 4, B: -2}
	if err := writeJSON(dir, "calibrator.json", cal); err != nil {
		return err
	}

	thresholds := bundle.ThresholdsFile{Threshold: 0.40, BandLow: 0.30, BandHigh: 0.70}
	return writeJSON(dir, "thresholds.json", thresholds)
}

func writeJSON(dir, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, rel), data, 0o644)
}

func affine(rng *rand.Rand, n int, standard bool) bundle.AffineParams {
	offset := make([]float64, n)
	scale := make([]float64, n)
	for i := range offset {
		if standard {
			offset[i] = rng.NormFloat64()
			scale[i] = 1 / (0.5 + rng.Float64()*2)
		} else {
			offset[i] = -3
			scale[i] = 1.0 / 6.0
		}
	}
	return bundle.AffineParams{Offset: offset, Scale: scale}
}

func buildModel(rng *rand.Rand, name string, n int) bundle.ModelFile {
	switch name {
	case "logistic_regression":
		return bundle.ModelFile{
			Name: name, DisplayName: "Logistic Regression",
			Family: "ML", Algorithm: "logistic", Scaling: "standard",
			Linear: &bundle.LinearParams{
				Coefficients: vector(rng, n, 0.3),
				Intercept:    -0.2,
			},
		}
	case "random_forest":
		return bundle.ModelFile{
			Name: name, DisplayName: "Random Forest",
			Family: "ML", Algorithm: "tree-ensemble", Scaling: "none",
			Trees: &bundle.TreeEnsembleParams{
				Aggregation: "average",
				Trees:       forest(rng, n, 5, true),
			},
		}
	case "xgboost", "xgboost_smote", "catboost":
		display := map[string]string{
			"xgboost":       "XGBoost",
			"xgboost_smote": "XGBoost (balanced)",
			"catboost":      "CatBoost",
		}[name]
		return bundle.ModelFile{
			Name: name, DisplayName: display,
			Family: "ML", Algorithm: "tree-ensemble", Scaling: "none",
			Trees: &bundle.TreeEnsembleParams{
				Aggregation: "sum-logit",
				BaseScore:   -0.1,
				Trees:       forest(rng, n, 6, false),
			},
		}
	case "fnn", "fnn_tuned":
		display := "Feedforward NN"
		if name == "fnn_tuned" {
			display = "Feedforward NN (tuned)"
		}
		return bundle.ModelFile{
			Name: name, DisplayName: display,
			Family: "DL", Algorithm: "feedforward", Scaling: "standard",
			Network: &bundle.NetworkParams{
				InputShape: []int{n},
				Layers: []bundle.LayerParams{
					dense(rng, n, 16, "relu"),
					dense(rng, 16, 8, "relu"),
					dense(rng, 8, 1, "sigmoid"),
				},
			},
		}
	case "cnn", "cnn_tuned":
		display := "1D CNN"
		if name == "cnn_tuned" {
			display = "1D CNN (tuned)"
		}
		// valid conv width 3 over 63 steps -> 61, pool 2 -> 30, 4 channels
		return bundle.ModelFile{
			Name: name, DisplayName: display,
			Family: "DL", Algorithm: "convolutional", Scaling: "standard",
			Network: &bundle.NetworkParams{
				InputShape: []int{n, 1},
				Layers: []bundle.LayerParams{
					conv(rng, 3, 1, 4, "relu"),
					{Type: "maxpool1d", Pool: &bundle.PoolParams{Size: 2, Stride: 2}},
					{Type: "flatten"},
					dense(rng, 30*4, 8, "relu"),
					dense(rng, 8, 1, "sigmoid"),
				},
			},
		}
	case "lstm":
		return bundle.ModelFile{
			Name: name, DisplayName: "LSTM",
			Family: "DL", Algorithm: "recurrent", Scaling: "standard",
			Network: &bundle.NetworkParams{
				InputShape: []int{n, 1},
				Layers: []bundle.LayerParams{
					{Type: "lstm", LSTM: lstm(rng, 1, 4, false)},
					dense(rng, 4, 1, "sigmoid"),
				},
			},
		}
	case "bilstm":
		return bundle.ModelFile{
			Name: name, DisplayName: "BiLSTM",
			Family: "DL", Algorithm: "recurrent", Scaling: "standard",
			Network: &bundle.NetworkParams{
				InputShape: []int{n, 1},
				Layers: []bundle.LayerParams{
					{Type: "bilstm", LSTM: lstm(rng, 1, 3, false), Backward: lstm(rng, 1, 3, false)},
					dense(rng, 6, 1, "sigmoid"),
				},
			},
		}
	case "cnn_bilstm":
		// conv 3x1->4 valid over 63 -> 61 steps, pool 2 -> 30 steps of 4 ch
		return bundle.ModelFile{
			Name: name, DisplayName: "CNN-BiLSTM",
			Family: "DL", Algorithm: "recurrent", Scaling: "standard",
			Network: &bundle.NetworkParams{
				InputShape: []int{n, 1},
				Layers: []bundle.LayerParams{
					conv(rng, 3, 1, 4, "relu"),
					{Type: "maxpool1d", Pool: &bundle.PoolParams{Size: 2, Stride: 2}},
					{Type: "bilstm", LSTM: lstm(rng, 4, 3, false), Backward: lstm(rng, 4, 3, false)},
					dense(rng, 6, 1, "sigmoid"),
				},
			},
		}
	case "autoencoder":
		return bundle.ModelFile{
			Name: name, DisplayName: "Autoencoder",
			Family: "DL", Algorithm: "autoencoder", Scaling: "minmax",
			Autoencoder: &bundle.AutoencoderParams{
				Network: bundle.NetworkParams{
					InputShape: []int{n},
					Layers: []bundle.LayerParams{
						dense(rng, n, 8, "relu"),
						dense(rng, 8, n, "linear"),
					},
				},
				Slope:  8,
				Center: 0.6,
			},
		}
	}
	panic("unknown synthetic model " + name)
}

func vector(rng *rand.Rand, n int, scale float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = (rng.Float64()*2 - 1) * scale
	}
	return v
}

func matrix(rng *rand.Rand, rows, cols int, scale float64) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = vector(rng, cols, scale)
	}
	return m
}

func dense(rng *rand.Rand, in, out int, activation string) bundle.LayerParams {
	return bundle.LayerParams{
		Type: "dense",
		Dense: &bundle.DenseParams{
			Weights:    matrix(rng, in, out, 0.5),
			Bias:       vector(rng, out, 0.1),
			Activation: activation,
		},
	}
}

func conv(rng *rand.Rand, width, inCh, outCh int, activation string) bundle.LayerParams {
	kernel := make([][][]float64, width)
	for w := range kernel {
		kernel[w] = matrix(rng, inCh, outCh, 0.5)
	}
	return bundle.LayerParams{
		Type: "conv1d",
		Conv: &bundle.Conv1DParams{
			Kernel:     kernel,
			Bias:       vector(rng, outCh, 0.1),
			Stride:     1,
			Padding:    "valid",
			Activation: activation,
		},
	}
}

func lstm(rng *rand.Rand, in, units int, returnSeq bool) *bundle.LSTMParams {
	return &bundle.LSTMParams{
		Units:           units,
		InputKernel:     matrix(rng, in, 4*units, 0.4),
		RecurrentKernel: matrix(rng, units, 4*units, 0.3),
		Bias:            vector(rng, 4*units, 0.1),
		ReturnSequences: returnSeq,
	}
}

// Forest of depth-2 stumps over plausible split features.
func forest(rng *rand.Rand, features, count int, probability bool) []bundle.Tree {
	trees := make([]bundle.Tree, count)
	for t := range trees {
		f1 := rng.Intn(features)
		f2 := rng.Intn(features)
		var leaves [3]float64
		for i := range leaves {
			if probability {
				leaves[i] = rng.Float64()
			} else {
				leaves[i] = rng.Float64()*0.8 - 0.4
			}
		}
		leftExpected := (leaves[0] + leaves[1]) / 2
		nodes := []bundle.TreeNode{
			{Feature: f1, Threshold: rng.NormFloat64(), Left: 1, Right: 2,
				Expected: (leftExpected + leaves[2]) / 2},
			{Feature: f2, Threshold: rng.NormFloat64(), Left: 3, Right: 4,
				Expected: leftExpected},
			{Left: -1, Right: -1, Value: leaves[2], Expected: leaves[2]},
			{Left: -1, Right: -1, Value: leaves[0], Expected: leaves[0]},
			{Left: -1, Right: -1, Value: leaves[1], Expected: leaves[1]},
		}
		trees[t] = bundle.Tree{Nodes: nodes}
	}
	return trees
}
