package bus

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestPublishResult(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	completed := make(chan *domain.Message, 2)
	alerts := make(chan *domain.Message, 2)

	_, err := b.Subscribe(ctx, "tenant-a", domain.TopicScoreCompleted, func(ctx context.Context, msg *domain.Message) error {
		completed <- msg
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Subscribe(ctx, "tenant-a", domain.TopicFraudAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("CleanResult", func(t *testing.T) {
		result := &domain.EnsembleResult{ID: "eval-clean", CalibratedProbability: 0.12}
		if err := PublishResult(ctx, b, "tenant-a", result); err != nil {
			t.Fatal(err)
		}

		select {
		case msg := <-completed:
			got, err := DecodeResult(msg)
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != "eval-clean" || got.CalibratedProbability != 0.12 {
				t.Errorf("decoded result = %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("no completion event")
		}

		select {
		case <-alerts:
			t.Error("clean result raised a fraud alert")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("FraudResult", func(t *testing.T) {
		result := &domain.EnsembleResult{ID: "eval-fraud", Fraud: true, CalibratedProbability: 0.91}
		if err := PublishResult(ctx, b, "tenant-a", result); err != nil {
			t.Fatal(err)
		}

		for name, ch := range map[string]chan *domain.Message{"completion": completed, "alert": alerts} {
			select {
			case msg := <-ch:
				got, err := DecodeResult(msg)
				if err != nil {
					t.Fatal(err)
				}
				if got.ID != "eval-fraud" || !got.Fraud {
					t.Errorf("%s event carried %+v", name, got)
				}
			case <-time.After(time.Second):
				t.Fatalf("no %s event", name)
			}
		}
	})
}

func TestDecodeResultRejectsGarbage(t *testing.T) {
	if _, err := DecodeResult(&domain.Message{Payload: []byte("not json")}); err == nil {
		t.Fatal("garbage payload decoded")
	}
}
