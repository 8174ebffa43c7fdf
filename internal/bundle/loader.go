package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Bundle is a fully loaded, self-validated model bundle. Immutable after
// Load; share it by reference.
type Bundle struct {
	Dir        string
	Manifest   Manifest
	Schema     *domain.FeatureSchema
	Scalers    ScalerParams
	Models     []ModelFile
	Meta       MetaLearnerParams
	Calibrator *CalibratorParams
	Thresholds domain.Thresholds
}

// Load reads a bundle directory and validates it. Any missing or corrupt
// artifact fails the whole load; a service must not take traffic on a
// half-loaded bundle.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{Dir: dir}

	if err := readArtifact(dir, "manifest.json", &b.Manifest); err != nil {
		return nil, err
	}

	var rawSchema struct {
		Version  string   `json:"version"`
		Features []string `json:"features"`
	}
	if err := readArtifact(dir, "schema.json", &rawSchema); err != nil {
		return nil, err
	}
	schema, err := domain.NewFeatureSchema(rawSchema.Version, rawSchema.Features)
	if err != nil {
		return nil, &domain.BundleLoadError{Artifact: "schema.json", Err: err}
	}
	b.Schema = schema

	if err := readArtifact(dir, "scalers.json", &b.Scalers); err != nil {
		return nil, err
	}

	b.Models = make([]ModelFile, 0, len(b.Manifest.Models))
	for _, name := range b.Manifest.Models {
		var mf ModelFile
		rel := filepath.Join("models", name+".json")
		if err := readArtifact(dir, rel, &mf); err != nil {
			return nil, err
		}
		if mf.Name != name {
			return nil, &domain.BundleLoadError{
				Artifact: rel,
				Err:      fmt.Errorf("model name %q does not match manifest entry %q", mf.Name, name),
			}
		}
		b.Models = append(b.Models, mf)
	}

	if err := readArtifact(dir, "meta_learner.json", &b.Meta); err != nil {
		return nil, err
	}

	// The calibrator is the only optional artifact.
	var cal CalibratorParams
	calPath := filepath.Join(dir, "calibrator.json")
	if _, statErr := os.Stat(calPath); statErr == nil {
		if err := readArtifact(dir, "calibrator.json", &cal); err != nil {
			return nil, err
		}
		b.Calibrator = &cal
	} else if !os.IsNotExist(statErr) {
		return nil, &domain.BundleLoadError{Artifact: "calibrator.json", Err: statErr}
	}

	var thresholds ThresholdsFile
	if err := readArtifact(dir, "thresholds.json", &thresholds); err != nil {
		return nil, err
	}
	b.Thresholds = domain.Thresholds{
		T:    thresholds.Threshold,
		Low:  thresholds.BandLow,
		High: thresholds.BandHigh,
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func readArtifact(dir, rel string, out any) error {
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return &domain.BundleLoadError{Artifact: rel, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.BundleLoadError{Artifact: rel, Err: err}
	}
	return nil
}

// validate checks internal consistency: schema/scaler dimensions, model
// slots against the manifest order, meta-learner arity, calibrator knots,
// and threshold ordering.
func (b *Bundle) validate() error {
	n := b.Schema.Size()

	if b.Manifest.BundleVersion == "" {
		return &domain.BundleLoadError{Artifact: "manifest.json", Err: fmt.Errorf("bundleVersion is empty")}
	}
	if len(b.Manifest.Models) == 0 {
		return &domain.BundleLoadError{Artifact: "manifest.json", Err: fmt.Errorf("manifest lists no models")}
	}
	if b.Manifest.SchemaVersion != b.Schema.Version {
		return &domain.BundleLoadError{
			Artifact: "manifest.json",
			Err: fmt.Errorf("schema version mismatch: manifest %q, schema %q",
				b.Manifest.SchemaVersion, b.Schema.Version),
		}
	}

	if err := checkAffine("standard", b.Scalers.Standard, n); err != nil {
		return &domain.BundleLoadError{Artifact: "scalers.json", Err: err}
	}
	if err := checkAffine("minmax", b.Scalers.MinMax, n); err != nil {
		return &domain.BundleLoadError{Artifact: "scalers.json", Err: err}
	}

	seen := make(map[string]bool, len(b.Models))
	for i := range b.Models {
		mf := &b.Models[i]
		if seen[mf.Name] {
			return &domain.BundleLoadError{
				Artifact: "manifest.json",
				Err:      fmt.Errorf("duplicate model %q", mf.Name),
			}
		}
		seen[mf.Name] = true
		if err := mf.check(n); err != nil {
			return &domain.BundleLoadError{
				Artifact: filepath.Join("models", mf.Name+".json"),
				Err:      err,
			}
		}
	}

	slots := len(b.Manifest.Models)
	if len(b.Meta.Weights) != slots {
		return &domain.BundleLoadError{
			Artifact: "meta_learner.json",
			Err:      fmt.Errorf("weight count %d does not match %d model slots", len(b.Meta.Weights), slots),
		}
	}
	if len(b.Meta.Fallback) != slots {
		return &domain.BundleLoadError{
			Artifact: "meta_learner.json",
			Err:      fmt.Errorf("fallback count %d does not match %d model slots", len(b.Meta.Fallback), slots),
		}
	}
	for i, v := range b.Meta.Fallback {
		if v < 0 || v > 1 {
			return &domain.BundleLoadError{
				Artifact: "meta_learner.json",
				Err:      fmt.Errorf("fallback[%d] = %v outside [0,1]", i, v),
			}
		}
	}

	if b.Calibrator != nil {
		if err := b.Calibrator.check(); err != nil {
			return &domain.BundleLoadError{Artifact: "calibrator.json", Err: err}
		}
	}

	t := b.Thresholds
	if t.T <= 0 || t.T >= 1 || t.Low <= 0 || t.High >= 1 || t.Low >= t.High {
		return &domain.BundleLoadError{
			Artifact: "thresholds.json",
			Err:      fmt.Errorf("invalid thresholds: T=%v low=%v high=%v", t.T, t.Low, t.High),
		}
	}
	return nil
}

func checkAffine(name string, p AffineParams, n int) error {
	if len(p.Offset) != n || len(p.Scale) != n {
		return fmt.Errorf("%s scaler has %d/%d parameters for %d features",
			name, len(p.Offset), len(p.Scale), n)
	}
	for i, s := range p.Scale {
		if s == 0 {
			return fmt.Errorf("%s scaler has zero scale at feature %d", name, i)
		}
	}
	return nil
}

func (mf *ModelFile) check(features int) error {
	switch domain.ScalingVariant(mf.Scaling) {
	case domain.ScalingNone, domain.ScalingStandard, domain.ScalingMinMax:
	default:
		return fmt.Errorf("unknown scaling variant %q", mf.Scaling)
	}

	blocks := 0
	if mf.Linear != nil {
		blocks++
		if len(mf.Linear.Coefficients) != features {
			return fmt.Errorf("linear model has %d coefficients for %d features",
				len(mf.Linear.Coefficients), features)
		}
	}
	if mf.Trees != nil {
		blocks++
		if len(mf.Trees.Trees) == 0 {
			return fmt.Errorf("tree ensemble has no trees")
		}
		for ti, tree := range mf.Trees.Trees {
			if len(tree.Nodes) == 0 {
				return fmt.Errorf("tree %d has no nodes", ti)
			}
			for ni, node := range tree.Nodes {
				if node.IsLeaf() {
					continue
				}
				if node.Feature < 0 || node.Feature >= features {
					return fmt.Errorf("tree %d node %d splits on feature %d (schema has %d)",
						ti, ni, node.Feature, features)
				}
				if node.Left >= len(tree.Nodes) || node.Right < 0 || node.Right >= len(tree.Nodes) {
					return fmt.Errorf("tree %d node %d has out-of-range children", ti, ni)
				}
			}
		}
	}
	if mf.Network != nil {
		blocks++
		if err := mf.Network.check(features); err != nil {
			return err
		}
	}
	if mf.Autoencoder != nil {
		blocks++
		if err := mf.Autoencoder.Network.check(features); err != nil {
			return err
		}
	}
	if blocks != 1 {
		return fmt.Errorf("model %q must carry exactly one parameter block, has %d", mf.Name, blocks)
	}
	return nil
}

func (np *NetworkParams) check(features int) error {
	size := 1
	for _, d := range np.InputShape {
		if d <= 0 {
			return fmt.Errorf("non-positive input dimension %d", d)
		}
		size *= d
	}
	if size != features {
		return fmt.Errorf("input shape %v does not hold %d features", np.InputShape, features)
	}
	if len(np.Layers) == 0 {
		return fmt.Errorf("network has no layers")
	}
	for i, layer := range np.Layers {
		var err error
		switch layer.Type {
		case "dense":
			if layer.Dense == nil {
				err = fmt.Errorf("dense layer without parameters")
			} else {
				err = checkDense(layer.Dense)
			}
		case "conv1d":
			if layer.Conv == nil {
				err = fmt.Errorf("conv1d layer without parameters")
			} else {
				err = checkConv(layer.Conv)
			}
		case "lstm":
			if layer.LSTM == nil {
				err = fmt.Errorf("lstm layer without parameters")
			} else {
				err = checkLSTM(layer.LSTM)
			}
		case "bilstm":
			if layer.LSTM == nil || layer.Backward == nil {
				err = fmt.Errorf("bilstm layer needs both directions")
			} else if err = checkLSTM(layer.LSTM); err == nil {
				err = checkLSTM(layer.Backward)
			}
		case "maxpool1d":
			if layer.Pool == nil || layer.Pool.Size <= 0 {
				err = fmt.Errorf("maxpool1d layer without a pool size")
			}
		case "globalavgpool1d", "flatten":
		default:
			err = fmt.Errorf("unknown layer type %q", layer.Type)
		}
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

// checkDense validates weight matrix arity: every input row must carry one
// value per output unit. A ragged matrix would index out of range at score
// time, so it is rejected at load.
func checkDense(p *DenseParams) error {
	units := len(p.Bias)
	if units == 0 {
		return fmt.Errorf("dense layer has no units")
	}
	if len(p.Weights) == 0 {
		return fmt.Errorf("dense layer has no weights")
	}
	for i, row := range p.Weights {
		if len(row) != units {
			return fmt.Errorf("dense weight row %d has %d values for %d units", i, len(row), units)
		}
	}
	return nil
}

func checkConv(p *Conv1DParams) error {
	outCh := len(p.Bias)
	if outCh == 0 {
		return fmt.Errorf("conv1d layer has no output channels")
	}
	if len(p.Kernel) == 0 {
		return fmt.Errorf("conv1d layer has an empty kernel")
	}
	inCh := len(p.Kernel[0])
	if inCh == 0 {
		return fmt.Errorf("conv1d kernel has no input channels")
	}
	for w, pos := range p.Kernel {
		if len(pos) != inCh {
			return fmt.Errorf("kernel position %d has %d input channels, want %d", w, len(pos), inCh)
		}
		for ic, row := range pos {
			if len(row) != outCh {
				return fmt.Errorf("kernel[%d][%d] has %d values for %d output channels", w, ic, len(row), outCh)
			}
		}
	}
	return nil
}

func checkLSTM(p *LSTMParams) error {
	if p.Units <= 0 {
		return fmt.Errorf("lstm layer has %d units", p.Units)
	}
	gates := 4 * p.Units
	if len(p.Bias) != gates {
		return fmt.Errorf("lstm bias has %d values, want %d", len(p.Bias), gates)
	}
	if len(p.InputKernel) == 0 {
		return fmt.Errorf("lstm layer has an empty input kernel")
	}
	for i, row := range p.InputKernel {
		if len(row) != gates {
			return fmt.Errorf("input kernel row %d has %d values, want %d", i, len(row), gates)
		}
	}
	if len(p.RecurrentKernel) != p.Units {
		return fmt.Errorf("recurrent kernel has %d rows for %d units", len(p.RecurrentKernel), p.Units)
	}
	for i, row := range p.RecurrentKernel {
		if len(row) != gates {
			return fmt.Errorf("recurrent kernel row %d has %d values, want %d", i, len(row), gates)
		}
	}
	return nil
}

func (c *CalibratorParams) check() error {
	switch c.Type {
	case "platt":
		if c.A == 0 {
			return fmt.Errorf("platt calibrator has zero slope")
		}
	case "isotonic":
		if len(c.X) < 2 || len(c.X) != len(c.Y) {
			return fmt.Errorf("isotonic calibrator needs matched knots, got %d/%d", len(c.X), len(c.Y))
		}
		for i := 1; i < len(c.X); i++ {
			if c.X[i] <= c.X[i-1] {
				return fmt.Errorf("isotonic knots not strictly increasing at %d", i)
			}
			if c.Y[i] < c.Y[i-1] {
				return fmt.Errorf("isotonic values decrease at knot %d", i)
			}
		}
	default:
		return fmt.Errorf("unknown calibrator type %q", c.Type)
	}
	return nil
}

// Descriptor converts a model file header to its domain descriptor.
func (mf *ModelFile) Descriptor() domain.ModelDescriptor {
	return domain.ModelDescriptor{
		Name:        mf.Name,
		DisplayName: mf.DisplayName,
		Family:      domain.ModelFamily(mf.Family),
		Algorithm:   mf.Algorithm,
		Scaling:     domain.ScalingVariant(mf.Scaling),
	}
}
