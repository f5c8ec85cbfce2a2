package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Topics names the outcome topics.
type Topics struct {
	PaymentSucceeded string
	PaymentFailed    string
}

func (t Topics) All() []string {
	return []string{t.PaymentSucceeded, t.PaymentFailed}
}

// Producer publishes terminal payment outcomes keyed by trace id.
type Producer struct {
	writer messageWriter
	topics Topics
	log    *logger.Logger
}

func NewProducer(brokers []string, topics Topics, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, topics, log)
}

func newProducer(w messageWriter, topics Topics, log *logger.Logger) *Producer {
	return &Producer{writer: w, topics: topics, log: log}
}

// PublishPaymentSucceeded streams a FINISH outcome to Kafka
func (p *Producer) PublishPaymentSucceeded(ctx context.Context, outcome models.PaymentOutcome) error {
	return p.publish(ctx, p.topics.PaymentSucceeded, outcome)
}

// PublishPaymentFailed streams a rejected or unresolved outcome to Kafka
func (p *Producer) PublishPaymentFailed(ctx context.Context, outcome models.PaymentOutcome) error {
	return p.publish(ctx, p.topics.PaymentFailed, outcome)
}

func (p *Producer) publish(ctx context.Context, topic string, outcome models.PaymentOutcome) error {
	msgBytes, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(outcome.TraceID),
		Value: msgBytes,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(outcome.Outcome)},
		},
	})
	if err != nil {
		p.log.Error("KAFKA", fmt.Sprintf("Failed to publish %s to %s: %v", outcome.TraceID, topic, err))
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.log.LogKafka("PUBLISH", topic, fmt.Sprintf("%s %s", outcome.TraceID, outcome.Outcome))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
