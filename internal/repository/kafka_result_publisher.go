package repository

import (
	"context"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	pkgkafka "AstroSeis/pkg/kafka"
)

// KafkaResultPublisher announces finished runs keyed by run id.
type KafkaResultPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

var _ domrepo.ResultPublisher = (*KafkaResultPublisher)(nil)

func NewKafkaResultPublisher(producer *pkgkafka.Producer, topic string) *KafkaResultPublisher {
	return &KafkaResultPublisher{producer: producer, topic: topic}
}

func (p *KafkaResultPublisher) PublishResult(ctx context.Context, r *models.RunResult) error {
	return p.producer.Publish(ctx, p.topic, []byte(r.RunID), r)
}

func (p *KafkaResultPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// NopResultPublisher is used when Kafka is disabled.
type NopResultPublisher struct{}

func (NopResultPublisher) PublishResult(context.Context, *models.RunResult) error { return nil }
func (NopResultPublisher) Close() error                                           { return nil }
