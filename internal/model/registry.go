package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/bundle"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feature"
)

// Registry holds the bundle's base models in canonical slot order and
// scores them concurrently. Immutable after construction.
type Registry struct {
	scorers    []Scorer
	maxWorkers int
	logger     *slog.Logger
}

// NewRegistry builds one scorer per bundle model, preserving manifest order.
func NewRegistry(b *bundle.Bundle, maxWorkers int, logger *slog.Logger) (*Registry, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	scorers := make([]Scorer, 0, len(b.Models))
	for i := range b.Models {
		mf := &b.Models[i]
		s, err := newScorer(mf)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mf.Name, err)
		}
		scorers = append(scorers, s)
	}

	return &Registry{
		scorers:    scorers,
		maxWorkers: maxWorkers,
		logger:     logger,
	}, nil
}

func newScorer(mf *bundle.ModelFile) (Scorer, error) {
	desc := mf.Descriptor()
	switch {
	case mf.Linear != nil:
		return NewLinearModel(desc, mf.Linear), nil
	case mf.Trees != nil:
		return NewTreeEnsemble(desc, mf.Trees), nil
	case mf.Network != nil:
		return NewNeuralNet(desc, mf.Network), nil
	case mf.Autoencoder != nil:
		return NewAutoencoder(desc, mf.Autoencoder), nil
	default:
		return nil, fmt.Errorf("no parameter block")
	}
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.scorers)
}

// Scorers returns the slot-ordered scorer list.
func (r *Registry) Scorers() []Scorer {
	return r.scorers
}

// CountByFamily returns the number of classical and neural models.
func (r *Registry) CountByFamily() (ml, dl int) {
	for _, s := range r.scorers {
		if s.Descriptor().Family == domain.FamilyDL {
			dl++
		} else {
			ml++
		}
	}
	return ml, dl
}

// ScoreAll runs every model against its scaled view with a bounded worker
// pool. One model's failure never aborts the others; failed slots come back
// marked unavailable. Results are in canonical slot order.
func (r *Registry) ScoreAll(ctx context.Context, views *feature.Views) []domain.BaseScore {
	results := make([]domain.BaseScore, len(r.scorers))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.maxWorkers)

	for i, s := range r.scorers {
		wg.Add(1)
		go func(slot int, s Scorer) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			desc := s.Descriptor()
			results[slot] = r.scoreOne(ctx, s, desc, views)
		}(i, s)
	}
	wg.Wait()

	return results
}

func (r *Registry) scoreOne(ctx context.Context, s Scorer, desc domain.ModelDescriptor, views *feature.Views) (score domain.BaseScore) {
	// A malformed parameter matrix can panic deep inside a forward pass;
	// that must cost one slot, not the process.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("model scoring panicked", "model", desc.Name, "panic", rec)
			score = domain.BaseScore{Model: desc, Unavailable: true, Error: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return domain.BaseScore{Model: desc, Unavailable: true, Error: err.Error()}
	}

	view, err := views.For(desc.Scaling)
	if err != nil {
		r.logger.Warn("model view unavailable", "model", desc.Name, "error", err)
		return domain.BaseScore{Model: desc, Unavailable: true, Error: err.Error()}
	}

	p, err := s.Score(view)
	if err != nil {
		r.logger.Warn("model scoring failed", "model", desc.Name, "error", err)
		return domain.BaseScore{Model: desc, Unavailable: true, Error: err.Error()}
	}
	return domain.BaseScore{Model: desc, Probability: p}
}
