package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shaharia-lab/outagewatch/internal/service"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer that hashes keys to partitions, keeping events
// of one outage on one partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Publisher writes lifecycle events to the outage topic.
type Publisher struct {
	w MessageWriter
}

// NewPublisher wraps w.
func NewPublisher(w MessageWriter) *Publisher {
	return &Publisher{w: w}
}

// Publish sends events keyed by outage id.
func (p *Publisher) Publish(ctx context.Context, events ...service.OutageEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		if ev.Outage == nil || ev.Outage.ID == "" {
			return errors.New("outage event without outage id")
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding %s event for outage %s: %w", ev.Event, ev.Outage.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Outage.ID),
			Value: body,
			Headers: []kafka.Header{
				{Key: "event", Value: []byte(ev.Event)},
			},
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing outage events: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.w.Close()
}
