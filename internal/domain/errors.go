package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRequestTimeout is returned when the request wall-clock budget expires
// before scoring completes. Scoring never returns a silent partial result.
var ErrRequestTimeout = errors.New("request budget exceeded")

// SchemaViolation reports every way an input map fails the feature contract
// in a single error, so callers can fix all fields at once.
type SchemaViolation struct {
	SchemaVersion string   `json:"schemaVersion"`
	Missing       []string `json:"missing,omitempty"`
	Extra         []string `json:"extra,omitempty"`
	NonFinite     []string `json:"nonFinite,omitempty"`
}

func (e *SchemaViolation) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing features: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("unknown features: %s", strings.Join(e.Extra, ", ")))
	}
	if len(e.NonFinite) > 0 {
		parts = append(parts, fmt.Sprintf("non-finite features: %s", strings.Join(e.NonFinite, ", ")))
	}
	if len(parts) == 0 {
		return "schema violation"
	}
	return "schema violation: " + strings.Join(parts, "; ")
}

// HasViolations reports whether any field offended the contract.
func (e *SchemaViolation) HasViolations() bool {
	return len(e.Missing) > 0 || len(e.Extra) > 0 || len(e.NonFinite) > 0
}

// QuorumNotMet is returned when too few base models produced a score for
// the fused probability to be trustworthy.
type QuorumNotMet struct {
	Available int      `json:"available"`
	Required  int      `json:"required"`
	Failed    []string `json:"failed,omitempty"`
}

func (e *QuorumNotMet) Error() string {
	return fmt.Sprintf("quorum not met: %d of %d required models available (failed: %s)",
		e.Available, e.Required, strings.Join(e.Failed, ", "))
}

// BundleLoadError is a startup-fatal failure to load a model bundle artifact.
type BundleLoadError struct {
	Artifact string
	Err      error
}

func (e *BundleLoadError) Error() string {
	return fmt.Sprintf("bundle load failed at %s: %v", e.Artifact, e.Err)
}

func (e *BundleLoadError) Unwrap() error {
	return e.Err
}
