package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// DispatchMetrics records engine activity as otel instruments.
type DispatchMetrics struct {
	triggers     metric.Int64Counter
	admitted     metric.Int64Counter
	finished     metric.Int64Counter
	sendDuration metric.Float64Histogram
	depth        atomic.Int64
}

// NewDispatchMetrics creates the engine instruments on meter.
func NewDispatchMetrics(meter metric.Meter) (*DispatchMetrics, error) {
	m := &DispatchMetrics{}
	var err error

	if m.triggers, err = meter.Int64Counter("outagewatch.triggers",
		metric.WithDescription("Triggers handled, by notification kind and outcome.")); err != nil {
		return nil, fmt.Errorf("creating triggers counter: %w", err)
	}
	if m.admitted, err = meter.Int64Counter("outagewatch.tasks.admitted",
		metric.WithDescription("Admission attempts, by channel, kind and result.")); err != nil {
		return nil, fmt.Errorf("creating admitted counter: %w", err)
	}
	if m.finished, err = meter.Int64Counter("outagewatch.tasks.finished",
		metric.WithDescription("Tasks reaching a final state, by channel, kind and state.")); err != nil {
		return nil, fmt.Errorf("creating finished counter: %w", err)
	}
	if m.sendDuration, err = meter.Float64Histogram("outagewatch.send.duration",
		metric.WithDescription("Provider send latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return nil, fmt.Errorf("creating send duration histogram: %w", err)
	}
	if _, err = meter.Int64ObservableGauge("outagewatch.queue.depth",
		metric.WithDescription("Tasks waiting in lanes."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.depth.Load())
			return nil
		})); err != nil {
		return nil, fmt.Errorf("creating queue depth gauge: %w", err)
	}
	return m, nil
}

// TriggerHandled counts one trigger.
func (m *DispatchMetrics) TriggerHandled(kind storage.NotificationKind, outcome string) {
	m.triggers.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// TaskAdmitted counts one admission attempt.
func (m *DispatchMetrics) TaskAdmitted(ch storage.ChannelType, kind storage.NotificationKind, result storage.AdmitResult) {
	m.admitted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", string(ch)),
		attribute.String("kind", string(kind)),
		attribute.String("result", string(result)),
	))
}

// TaskFinished counts one task reaching state.
func (m *DispatchMetrics) TaskFinished(ch storage.ChannelType, kind storage.NotificationKind, state string) {
	m.finished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", string(ch)),
		attribute.String("kind", string(kind)),
		attribute.String("state", state),
	))
}

// SendAttempt records the latency of one provider call.
func (m *DispatchMetrics) SendAttempt(ch storage.ChannelType, result string, d time.Duration) {
	m.sendDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("channel", string(ch)),
		attribute.String("result", result),
	))
}

// QueueDepth stores the latest lane backlog for the gauge.
func (m *DispatchMetrics) QueueDepth(n int) {
	m.depth.Store(int64(n))
}
