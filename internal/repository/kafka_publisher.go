package repository

import (
	"context"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	pkgkafka "github.com/obertruper/BOT-AI-V3-sub001/pkg/kafka"
)

// KafkaPublisher implements Publisher for Kafka. Messages are keyed by symbol
// so per-symbol ordering survives partitioning. Events with kind alert go to
// the alerts topic.
type KafkaPublisher struct {
	producer     *pkgkafka.Producer
	signalsTopic string
	eventsTopic  string
	alertsTopic  string
}

var _ repository.Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a Kafka publisher.
func NewKafkaPublisher(producer *pkgkafka.Producer, signalsTopic, eventsTopic, alertsTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		producer:     producer,
		signalsTopic: signalsTopic,
		eventsTopic:  eventsTopic,
		alertsTopic:  alertsTopic,
	}
}

func (p *KafkaPublisher) PublishSignal(ctx context.Context, s *models.Signal) error {
	return p.producer.Publish(ctx, p.signalsTopic, []byte(s.Symbol), map[string]interface{}{
		"id":              s.ID,
		"symbol":          s.Symbol,
		"type":            string(s.Type),
		"confidence":      s.Confidence,
		"agreement":       s.AgreementRatio,
		"score":           s.Score,
		"primary_horizon": string(s.PrimaryHorizon),
		"reference_price": s.ReferencePrice,
		"stop_loss":       s.StopLoss,
		"take_profits":    s.TakeProfits,
		"strategy_id":     s.StrategyID,
		"fingerprint":     s.Fingerprint,
		"created_at":      s.CreatedAt.Unix(),
		"expires_at":      s.ExpiresAt.Unix(),
	})
}

func (p *KafkaPublisher) PublishEvent(ctx context.Context, e *models.PositionEvent) error {
	topic := p.eventsTopic
	if e.Kind == models.EventAlert {
		topic = p.alertsTopic
	}
	return p.producer.Publish(ctx, topic, []byte(e.Symbol), map[string]interface{}{
		"id":          e.ID,
		"position_id": e.PositionID,
		"symbol":      e.Symbol,
		"kind":        string(e.Kind),
		"price":       e.Price,
		"fraction":    e.Fraction,
		"stop_price":  e.StopPrice,
		"reason":      e.Reason,
		"ts":          e.Timestamp.Unix(),
	})
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
