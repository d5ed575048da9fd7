package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"rewardScope/internal/model"
	"rewardScope/internal/scheduler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes estimates to a Kafka topic keyed by subject.
type KafkaPublisher struct {
	writer messageWriter
	Topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, Topic: topic, logger: logger}
}

// Publish sends one estimate.
func (p *KafkaPublisher) Publish(ctx context.Context, est model.YieldEstimate) error {
	value, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("marshal estimate: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(est.Subject),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Forward publishes every settled update of feed until ctx is done. Loading placeholders are skipped.
func (p *KafkaPublisher) Forward(ctx context.Context, feed *scheduler.Feed) {
	updates, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case est, ok := <-updates:
			if !ok {
				return
			}
			if est.IsLoading || est.Subject == "" {
				continue
			}
			if err := p.Publish(ctx, est); err != nil && ctx.Err() == nil {
				p.logger.Warn("publish estimate failed",
					zap.String("subject", est.Subject),
					zap.String("topic", p.Topic),
					zap.Error(err),
				)
			}
		}
	}
}

// Close closes the underlying Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
