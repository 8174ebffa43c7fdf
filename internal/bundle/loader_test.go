package bundle_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/bundle/bundletest"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := bundletest.Write(dir); err != nil {
		t.Fatalf("write synthetic bundle: %v", err)
	}
	return dir
}

func TestLoadBundle(t *testing.T) {
	dir := writeBundle(t)

	b, err := bundle.Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if b.Schema.Size() != 63 {
		t.Errorf("schema size = %d, want 63", b.Schema.Size())
	}
	if len(b.Models) != 13 {
		t.Errorf("model count = %d, want 13", len(b.Models))
	}
	if len(b.Meta.Weights) != len(b.Models) {
		t.Errorf("meta weights = %d, want %d", len(b.Meta.Weights), len(b.Models))
	}
	if b.Calibrator == nil {
		t.Error("calibrator missing")
	}
	if b.Thresholds.T != 0.40 || b.Thresholds.Low != 0.30 || b.Thresholds.High != 0.70 {
		t.Errorf("unexpected thresholds: %+v", b.Thresholds)
	}

	// canonical order preserved
	for i, name := range bundletest.ModelOrder {
		if b.Models[i].Name != name {
			t.Errorf("slot %d = %s, want %s", i, b.Models[i].Name, name)
		}
	}
}

func TestLoadMissingArtifact(t *testing.T) {
	dir := writeBundle(t)
	if err := os.Remove(filepath.Join(dir, "meta_learner.json")); err != nil {
		t.Fatal(err)
	}

	_, err := bundle.Load(dir)
	var loadErr *domain.BundleLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Load() error = %v, want BundleLoadError", err)
	}
	if loadErr.Artifact != "meta_learner.json" {
		t.Errorf("artifact = %s, want meta_learner.json", loadErr.Artifact)
	}
}

func TestLoadCorruptModel(t *testing.T) {
	dir := writeBundle(t)
	path := filepath.Join(dir, "models", "fnn.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := bundle.Load(dir); err == nil {
		t.Fatal("Load() succeeded on corrupt model file")
	}
}

// rewriteModel loads, mutates and rewrites one model artifact in place.
func rewriteModel(t *testing.T, dir, name string, mutate func(*bundle.ModelFile)) {
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
	mutate(&mf)
	out, err := json.Marshal(mf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRaggedDenseLayer(t *testing.T) {
	dir := writeBundle(t)
	rewriteModel(t, dir, "fnn", func(mf *bundle.ModelFile) {
		// one weight row shorter than the bias
		w := mf.Network.Layers[0].Dense.Weights
		w[1] = w[1][:1]
	})

	_, err := bundle.Load(dir)
	var loadErr *domain.BundleLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Load() error = %v, want BundleLoadError", err)
	}
	if loadErr.Artifact != filepath.Join("models", "fnn.json") {
		t.Errorf("artifact = %s, want models/fnn.json", loadErr.Artifact)
	}
}

func TestLoadLSTMKernelArityMismatch(t *testing.T) {
	dir := writeBundle(t)
	rewriteModel(t, dir, "lstm", func(mf *bundle.ModelFile) {
		p := mf.Network.Layers[0].LSTM
		p.RecurrentKernel = p.RecurrentKernel[:len(p.RecurrentKernel)-1]
	})

	if _, err := bundle.Load(dir); err == nil {
		t.Fatal("Load() accepted recurrent kernel with too few rows")
	}
}

func TestLoadConvKernelChannelMismatch(t *testing.T) {
	dir := writeBundle(t)
	rewriteModel(t, dir, "cnn", func(mf *bundle.ModelFile) {
		for i := range mf.Network.Layers {
			if c := mf.Network.Layers[i].Conv; c != nil {
				c.Kernel[0][0] = c.Kernel[0][0][:1]
				return
			}
		}
		t.Fatal("cnn model has no conv layer")
	})

	if _, err := bundle.Load(dir); err == nil {
		t.Fatal("Load() accepted kernel with mismatched output channels")
	}
}

func TestLoadMetaArityMismatch(t *testing.T) {
	dir := writeBundle(t)
	meta := bundle.MetaLearnerParams{
		Weights:   []float64{1, 2, 3},
		Intercept: 0,
		Fallback:  []float64{0.5, 0.5, 0.5},
	}
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "meta_learner.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := bundle.Load(dir); err == nil {
		t.Fatal("Load() accepted meta-learner with wrong slot count")
	}
}

func TestLoadOptionalCalibrator(t *testing.T) {
	dir := writeBundle(t)
	if err := os.Remove(filepath.Join(dir, "calibrator.json")); err != nil {
		t.Fatal(err)
	}

	b, err := bundle.Load(dir)
	if err != nil {
		t.Fatalf("Load() without calibrator: %v", err)
	}
	if b.Calibrator != nil {
		t.Error("calibrator should be nil when absent")
	}
}

func TestLoadInvalidThresholds(t *testing.T) {
	dir := writeBundle(t)
	bad := bundle.ThresholdsFile{Threshold: 0.4, BandLow: 0.8, BandHigh: 0.3}
	data, _ := json.Marshal(bad)
	if err := os.WriteFile(filepath.Join(dir, "thresholds.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := bundle.Load(dir); err == nil {
		t.Fatal("Load() accepted inverted band cut points")
	}
}
