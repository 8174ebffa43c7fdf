package fusion

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func scoresOf(ps ...float64) []domain.BaseScore {
	out := make([]domain.BaseScore, len(ps))
	for i, p := range ps {
		out[i] = domain.BaseScore{
			Model:       domain.ModelDescriptor{Name: string(rune('a' + i))},
			Probability: p,
		}
	}
	return out
}

func testMeta() bundle.MetaLearnerParams {
	return bundle.MetaLearnerParams{
		Weights:   []float64{1, 1, 1, 1},
		Intercept: -2,
		Fallback:  []float64{0.5, 0.5, 0.5, 0.5},
	}
}

func TestFuseKnownValues(t *testing.T) {
	f, err := NewFuser(testMeta(), nil, 3)
	if err != nil {
		t.Fatal(err)
	}

	out, err := f.Fuse(scoresOf(0.9, 0.8, 0.7, 0.6))
	if err != nil {
		t.Fatal(err)
	}
	want := 1 / (1 + math.Exp(-(0.9 + 0.8 + 0.7 + 0.6 - 2)))
	if math.Abs(out.Raw-want) > 1e-12 {
		t.Errorf("Raw = %v, want %v", out.Raw, want)
	}
	if out.Calibrated != out.Raw {
		t.Errorf("no calibrator: Calibrated = %v, want Raw %v", out.Calibrated, out.Raw)
	}
	if out.Available != 4 || len(out.Imputed) != 0 {
		t.Errorf("available/imputed = %d/%v", out.Available, out.Imputed)
	}
}

func TestFuseImputesFallback(t *testing.T) {
	f, _ := NewFuser(testMeta(), nil, 3)

	scores := scoresOf(0.9, 0.8, 0.7, 0.6)
	scores[2].Unavailable = true
	scores[2].Probability = 0 // must be ignored in favor of the fallback

	out, err := f.Fuse(scores)
	if err != nil {
		t.Fatal(err)
	}
	want := 1 / (1 + math.Exp(-(0.9 + 0.8 + 0.5 + 0.6 - 2)))
	if math.Abs(out.Raw-want) > 1e-12 {
		t.Errorf("Raw = %v, want %v with slot 2 imputed", out.Raw, want)
	}
	if len(out.Imputed) != 1 || out.Imputed[0] != 2 {
		t.Errorf("Imputed = %v, want [2]", out.Imputed)
	}
}

func TestQuorumBoundary(t *testing.T) {
	f, _ := NewFuser(testMeta(), nil, 3)

	// exactly at quorum: 3 of 4 available must fuse
	scores := scoresOf(0.9, 0.8, 0.7, 0.6)
	scores[0].Unavailable = true
	if _, err := f.Fuse(scores); err != nil {
		t.Errorf("at-quorum fuse failed: %v", err)
	}

	// one below quorum must fail with QuorumNotMet
	scores[1].Unavailable = true
	_, err := f.Fuse(scores)
	var qErr *domain.QuorumNotMet
	if !errors.As(err, &qErr) {
		t.Fatalf("error = %v, want QuorumNotMet", err)
	}
	if qErr.Available != 2 || qErr.Required != 3 {
		t.Errorf("quorum error = %+v, want 2 of 3", qErr)
	}
	if len(qErr.Failed) != 2 {
		t.Errorf("failed list = %v, want both failed model names", qErr.Failed)
	}
}

func TestPlattCalibration(t *testing.T) {
	cal := &bundle.CalibratorParams{Type: "platt", A: 4, B: -2}
	f, _ := NewFuser(testMeta(), cal, 3)

	if got := f.Calibrate(0.5); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("Calibrate(0.5) = %v, want 0.5", got)
	}
	if got := f.Calibrate(0.9); got <= 0.5 || got >= 1 {
		t.Errorf("Calibrate(0.9) = %v, want in (0.5, 1)", got)
	}
	// monotone
	if f.Calibrate(0.3) >= f.Calibrate(0.7) {
		t.Error("platt calibration not monotone")
	}
}

func TestIsotonicCalibration(t *testing.T) {
	cal := &bundle.CalibratorParams{
		Type: "isotonic",
		X:    []float64{0, 0.5, 1},
		Y:    []float64{0.1, 0.4, 0.95},
	}
	f, _ := NewFuser(testMeta(), cal, 3)

	cases := []struct{ in, want float64 }{
		{-0.5, 0.1}, // clamped below first knot
		{0, 0.1},
		{0.25, 0.25},
		{0.5, 0.4},
		{0.75, 0.675},
		{1, 0.95},
		{1.5, 0.95}, // clamped above last knot
	}
	for _, c := range cases {
		if got := f.Calibrate(c.in); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("Calibrate(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestCalibratedProbabilityInUnitInterval(t *testing.T) {
	cal := &bundle.CalibratorParams{Type: "platt", A: 6, B: -3}
	f, _ := NewFuser(testMeta(), cal, 3)

	for _, ps := range [][]float64{
		{0, 0, 0, 0},
		{1, 1, 1, 1},
		{0.01, 0.99, 0.5, 0.5},
	} {
		out, err := f.Fuse(scoresOf(ps...))
		if err != nil {
			t.Fatal(err)
		}
		if out.Calibrated < 0 || out.Calibrated > 1 {
			t.Errorf("Calibrated = %v outside [0,1] for %v", out.Calibrated, ps)
		}
	}
}

func TestNewFuserRejectsBadQuorum(t *testing.T) {
	if _, err := NewFuser(testMeta(), nil, 0); err == nil {
		t.Error("quorum 0 accepted")
	}
	if _, err := NewFuser(testMeta(), nil, 5); err == nil {
		t.Error("quorum above slot count accepted")
	}
}
