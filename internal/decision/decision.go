// Package decision applies the bundle's decision policy to a calibrated
// probability. Pure functions of (probability, thresholds); no state.
package decision

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Decision is the policy outcome for one calibrated probability.
type Decision struct {
	Fraud          bool
	Classification domain.Classification
	Confidence     float64
}

// Decide applies the binary operating point and the three-tier band.
// The two cut-point sets are independent: a probability can be over the
// binary threshold yet still band as SUSPICIOUS.
func Decide(pCal float64, t domain.Thresholds) Decision {
	return Decision{
		Fraud:          pCal >= t.T,
		Classification: Classify(pCal, t),
		Confidence:     Confidence(pCal),
	}
}

// Classify bands a probability into SAFE, SUSPICIOUS or FRAUD.
// Band assignment is monotone in the probability.
func Classify(p float64, t domain.Thresholds) domain.Classification {
	switch {
	case p < t.Low:
		return domain.ClassSafe
	case p >= t.High:
		return domain.ClassFraud
	default:
		return domain.ClassSuspicious
	}
}

// Confidence measures distance from the maximally uncertain point:
// clamp(2·|p − 0.5|, 0, 1).
func Confidence(p float64) float64 {
	c := 2 * math.Abs(p-0.5)
	if c > 1 {
		return 1
	}
	return c
}
