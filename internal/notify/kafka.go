package notify

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"tickbars/internal/model"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each candle as a JSON message keyed by symbol, so all
// candles of a symbol land on the same partition in order.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish sends candles in a single WriteMessages call.
func (p *KafkaPublisher) Publish(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(candles))
	for _, c := range candles {
		value, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal candle: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.Symbol),
			Value: value,
			Headers: []kafka.Header{
				{Key: "message_id", Value: []byte(uuid.NewString())},
				{Key: "timeframe", Value: []byte(c.Timeframe.String())},
			},
			Time: c.BucketEnd(),
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
