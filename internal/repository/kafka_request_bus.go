package repository

import (
	"context"
	"fmt"

	"WalletPull/internal/domain/models"
	"WalletPull/internal/domain/repository"
	pkgkafka "WalletPull/pkg/kafka"
)

// KafkaRequestBus publishes provider requests, one topic per provider so
// each provider worker consumes only its own queue.
type KafkaRequestBus struct {
	producer *pkgkafka.Producer
	topics   map[string]string // provider -> request topic
}

// NewKafkaRequestBus creates a request bus over a shared producer.
func NewKafkaRequestBus(producer *pkgkafka.Producer, topics map[string]string) repository.RequestBus {
	return &KafkaRequestBus{producer: producer, topics: topics}
}

func (b *KafkaRequestBus) PublishRequest(ctx context.Context, req *models.ProviderRequest) error {
	topic, ok := b.topics[req.Provider]
	if !ok {
		return fmt.Errorf("no request topic for provider %q", req.Provider)
	}
	// Key by job id so all units of a job land on one partition and
	// provider workers see them roughly in dispatch order.
	return b.producer.Publish(ctx, topic, []byte(req.JobID), req)
}

func (b *KafkaRequestBus) Close() error {
	if b.producer != nil {
		return b.producer.Close()
	}
	return nil
}
