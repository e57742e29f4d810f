package kafka

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
)

// Consumer feeds order requests into the service loop. Offsets commit
// only after the handler returned, so a crashed invocation is
// redelivered rather than lost.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, topic, group string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
	}
}

// Run fetches messages until the context ends. Handler errors are the
// handler's problem; only broker errors stop the loop.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, key, value []byte)) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		handle(ctx, msg.Key, msg.Value)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
