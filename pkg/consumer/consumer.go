// Package consumer reads JSON messages of one type from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ErrUndecodable wraps payloads that are not valid JSON for T. The message
// is committed anyway so it is not redelivered forever.
var ErrUndecodable = errors.New("undecodable message")

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

type messageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Read blocks until the next message arrives or ctx is done. The key of the
// message is returned alongside the payload.
func (c *Consumer[T]) Read(ctx context.Context) (T, []byte, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, nil, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return zero, msg.Key, errors.Join(fmt.Errorf("%w: %w", ErrUndecodable, err), cerr)
		}
		return zero, msg.Key, fmt.Errorf("%w: offset %d: %w", ErrUndecodable, msg.Offset, err)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, msg.Key, err
	}

	return payload, msg.Key, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
