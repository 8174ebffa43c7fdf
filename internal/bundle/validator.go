package bundle

import (
	"log/slog"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validator enforces the feature contract: it turns an input map into an
// ordered FeatureVector, or reports every offending field in one error.
type Validator struct {
	schema            *domain.FeatureSchema
	forwardCompatible bool
	logger            *slog.Logger
}

// NewValidator creates a validator for a bundle's feature schema.
// In forward-compatible mode unknown features are dropped with a warning
// instead of rejecting the request.
func NewValidator(schema *domain.FeatureSchema, forwardCompatible bool, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		schema:            schema,
		forwardCompatible: forwardCompatible,
		logger:            logger,
	}
}

// Vectorize validates the input against the contract and returns the
// feature vector in canonical schema order.
func (v *Validator) Vectorize(input map[string]float64) (domain.FeatureVector, error) {
	violation := &domain.SchemaViolation{SchemaVersion: v.schema.Version}

	vec := make(domain.FeatureVector, v.schema.Size())
	for i, name := range v.schema.Names {
		val, ok := input[name]
		if !ok {
			violation.Missing = append(violation.Missing, name)
			continue
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			violation.NonFinite = append(violation.NonFinite, name)
			continue
		}
		vec[i] = val
	}

	var extra []string
	for name := range input {
		if _, ok := v.schema.Index(name); !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	if len(extra) > 0 {
		if v.forwardCompatible {
			v.logger.Warn("dropping unknown features",
				"count", len(extra),
				"features", extra,
				"schemaVersion", v.schema.Version)
		} else {
			violation.Extra = extra
		}
	}

	if violation.HasViolations() {
		return nil, violation
	}
	return vec, nil
}
