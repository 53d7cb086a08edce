// Package ingest feeds outage lifecycle events from Kafka into the outage
// service. Messages carry the same JSON body as POST /api/outages/events and
// are keyed by outage id, so events for one outage arrive in order.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/shaharia-lab/outagewatch/internal/service"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Applier applies one lifecycle event.
type Applier interface {
	ApplyEvent(ctx context.Context, ev service.OutageEvent) (*storage.Outage, error)
}

// ReaderConfig selects the topic and consumer group.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader returns a consumer-group reader. Offsets are committed explicitly
// by the Consumer after each message is applied.
func NewReader(cfg ReaderConfig, logger *slog.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error("kafka reader", "detail", fmt.Sprintf(msg, args...))
		}),
	})
}

// Consumer reads events until its context is cancelled.
type Consumer struct {
	reader    MessageReader
	applier   Applier
	logger    *slog.Logger
	retryBase time.Duration
	retryMax  time.Duration
}

// NewConsumer creates a Consumer. Events the service cannot take right now
// (queue full, store unavailable) are retried with exponential backoff
// starting at retryBase; the offset is not committed until they succeed.
func NewConsumer(reader MessageReader, applier Applier, retryBase time.Duration, logger *slog.Logger) *Consumer {
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Consumer{
		reader:    reader,
		applier:   applier,
		logger:    logger,
		retryBase: retryBase,
		retryMax:  time.Minute,
	}
}

// Run consumes messages until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader", "error", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching kafka message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation stops handling; the message stays uncommitted.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)

	var ev service.OutageEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Warn("skipping malformed outage event", "error", err)
		return nil
	}
	if ev.Outage != nil {
		log = log.With("outage_id", ev.Outage.ID, "event", ev.Event)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = c.retryMax

	_, err := backoff.Retry(ctx, func() (*storage.Outage, error) {
		o, err := c.applier.ApplyEvent(ctx, ev)
		if err != nil && !service.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return o, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("outage event deferred", "error", err, "retry_in", next)
		}),
	)
	switch {
	case err == nil:
		log.Debug("outage event applied")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}

	var verr *service.ValidationError
	if errors.As(err, &verr) {
		log.Warn("skipping invalid outage event", "error", err)
	} else {
		log.Error("outage event failed", "error", err)
	}
	return nil
}
