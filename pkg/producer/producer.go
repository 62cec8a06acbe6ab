// Package producer publishes JSON messages to a Kafka topic.
package producer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/goldenimage/pkg/lg"
)

type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	lg     lg.Logger
}

func New(cfg Config, logger lg.Logger) *Producer {
	if logger == nil {
		logger = lg.Discard
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		lg: logger,
	}
}

// Publish marshals v and writes it under key. Messages with the same key
// land on the same partition, so one run's results stay ordered.
func (p *Producer) Publish(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		p.lg.Error("Failed to write message to Kafka", lg.String("key", key), lg.Err(err))
		return err
	}
	p.lg.Debug("message published", lg.String("key", key), lg.Int("bytes", len(value)))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
