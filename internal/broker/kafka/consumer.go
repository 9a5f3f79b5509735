package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one record. A non-nil error stops consumption with the record
// uncommitted, so it is redelivered after restart.
type Handler func(ctx context.Context, key, value []byte) error

// Consumer reads inbound order events. New groups start at the tail: history is
// covered by the sweeps and backfill, not by replaying the topic.
type Consumer struct {
	r     messageReader
	topic string

	fetched    atomic.Int64
	committed  atomic.Int64
	lastOffset atomic.Int64
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		MaxWait:           time.Second,
		StartOffset:       kafka.LastOffset,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	c := newConsumerWithReader(kafka.NewReader(cfg))
	c.topic = topic
	return c
}

func newConsumerWithReader(r messageReader) *Consumer {
	c := &Consumer{r: r}
	c.lastOffset.Store(-1)
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

type ConsumerStats struct {
	Topic      string `json:"topic,omitempty"`
	Fetched    int64  `json:"fetched"`
	Committed  int64  `json:"committed"`
	LastOffset int64  `json:"lastOffset"`
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Topic:      c.topic,
		Fetched:    c.fetched.Load(),
		Committed:  c.committed.Load(),
		LastOffset: c.lastOffset.Load(),
	}
}

// Consume runs until ctx is done (returns nil) or fetch, handler or commit fails.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch order event")
		}
		c.fetched.Add(1)

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			return errors.Wrapf(err, "handle order event at offset %d", msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit order event")
		}
		c.committed.Add(1)
		c.lastOffset.Store(msg.Offset)
	}
}
