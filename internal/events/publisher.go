package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

const (
	DefaultTopic = "batch.scored"
	typeScored   = "batch.scored"
)

// BatchScored is published once a batch has been persisted
type BatchScored struct {
	Type      string        `json:"type"`
	BatchID   string        `json:"batch_id"`
	OwnerID   string        `json:"owner_id"`
	CreatedAt time.Time     `json:"created_at"`
	Summary   types.Summary `json:"summary"`
	FraudRate float64       `json:"fraud_rate"`
}

// NewBatchScored builds the event for a saved batch. Results and features are never included.
func NewBatchScored(batch types.PredictionBatch) BatchScored {
	return BatchScored{
		Type:      typeScored,
		BatchID:   batch.ID,
		OwnerID:   batch.OwnerID,
		CreatedAt: batch.CreatedAt,
		Summary:   batch.Summary,
		FraudRate: batch.Summary.FraudRate(),
	}
}

// Publisher delivers batch events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, event BatchScored) error
	Close()
}

// NoopPublisher is used when no broker is configured
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, BatchScored) error { return nil }
func (NoopPublisher) Close()                                     {}

// producer is the subset of *kafka.Producer the publisher needs
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes events to a Kafka topic keyed by owner id
type KafkaPublisher struct {
	producer producer
	topic    string
	metrics  *monitoring.Metrics
}

// NewKafkaPublisher connects a producer to the given brokers
func NewKafkaPublisher(brokers, topic string, metrics *monitoring.Metrics) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"client.id":          "fraudscope",
		"acks":               "all",
		"enable.idempotence": true,
		"message.timeout.ms": 10000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newKafkaPublisher(p, topic, metrics), nil
}

func newKafkaPublisher(p producer, topic string, metrics *monitoring.Metrics) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{producer: p, topic: topic, metrics: metrics}
}

// Publish enqueues the event and waits for the delivery report or ctx
func (k *KafkaPublisher) Publish(ctx context.Context, event BatchScored) error {
	value, err := json.Marshal(event)
	if err != nil {
		k.metrics.RecordEvent("error")
		return fmt.Errorf("failed to encode event: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.OwnerID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "type", Value: []byte(event.Type)}},
	}, delivery)
	if err != nil {
		k.metrics.RecordEvent("error")
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	select {
	case <-ctx.Done():
		k.metrics.RecordEvent("timeout")
		return ctx.Err()
	case e := <-delivery:
		msg, ok := e.(*kafka.Message)
		if !ok {
			k.metrics.RecordEvent("error")
			return fmt.Errorf("unexpected delivery event: %v", e)
		}
		if msg.TopicPartition.Error != nil {
			k.metrics.RecordEvent("error")
			return fmt.Errorf("event delivery failed: %w", msg.TopicPartition.Error)
		}
	}

	k.metrics.RecordEvent("ok")
	slog.Debug("Event published", "topic", k.topic, "batch_id", event.BatchID)
	return nil
}

// Close flushes outstanding messages and closes the producer
func (k *KafkaPublisher) Close() {
	if remaining := k.producer.Flush(5000); remaining > 0 {
		slog.Warn("Kafka producer closed with undelivered events", "remaining", remaining)
	}
	k.producer.Close()
}
