// Package worker provides async scoring for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Worker scores feature vectors asynchronously from the EventBus.
// Requests arrive on the score-requested topic; results flow out through
// the engine's own completion and alert topics.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicScoreRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicScoreRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicScoreRequested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.TenantID, msg)
}

// ScoreRequest is the message payload for async scoring.
type ScoreRequest struct {
	RequestID string             `json:"requestId"`
	TenantID  string             `json:"tenantId"`
	TraceID   string             `json:"traceId,omitempty"`
	Features  map[string]float64 `json:"features"`
	Explain   bool               `json:"explain,omitempty"`
}

// processRequest scores one feature vector through the engine. The engine
// persists the evaluation and publishes completion and alert events itself;
// the worker only drives the call and reports failures.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req ScoreRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse score request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if req.TenantID != "" {
		tenantID = req.TenantID
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	slog.Debug("processing score request",
		"request_id", requestID,
		"tenant_id", tenantID,
		"explain", req.Explain,
	)

	var result *domain.EnsembleResult
	var err error
	if req.Explain {
		result, _, err = w.engine.Explain(ctx, tenantID, req.Features)
	} else {
		result, err = w.engine.Predict(ctx, tenantID, req.Features)
	}
	if err != nil {
		slog.Error("async scoring failed",
			"request_id", requestID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("score request processed",
		"request_id", requestID,
		"tenant_id", tenantID,
		"evaluation_id", result.ID,
		"classification", result.Classification,
		"probability", result.CalibratedProbability,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
