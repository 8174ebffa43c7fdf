package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PublishResult publishes a completed evaluation on the tenant's completion
// topic as a JSON-encoded EnsembleResult. Fraud verdicts go out a second
// time on the alert topic so alert consumers never have to filter.
func PublishResult(ctx context.Context, b domain.EventBus, tenantID string, result *domain.EnsembleResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode score event: %w", err)
	}
	if err := b.Publish(ctx, tenantID, domain.TopicScoreCompleted, payload); err != nil {
		return err
	}
	if result.Fraud {
		if err := b.Publish(ctx, tenantID, domain.TopicFraudAlert, payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeResult unpacks the evaluation carried by a score event.
func DecodeResult(msg *domain.Message) (*domain.EnsembleResult, error) {
	var result domain.EnsembleResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode score event: %w", err)
	}
	return &result, nil
}
