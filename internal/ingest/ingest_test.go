package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/outagewatch/internal/ingest"
	"github.com/shaharia-lab/outagewatch/internal/service"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// stubApplier returns scripted errors in order, then succeeds.
type stubApplier struct {
	mu     sync.Mutex
	errs   []error
	events []service.OutageEvent
}

func (a *stubApplier) ApplyEvent(_ context.Context, ev service.OutageEvent) (*storage.Outage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return ev.Outage, nil
}

func (a *stubApplier) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func eventMessage(t *testing.T, offset int64, kind service.EventType, id string) kafka.Message {
	t.Helper()
	body, err := json.Marshal(service.OutageEvent{
		Event:  kind,
		Outage: &storage.Outage{ID: id, Type: storage.OutageWater, Status: storage.OutageScheduled},
	})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(id), Value: body}
}

func runConsumer(t *testing.T, c *ingest.Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestConsumer_AppliesAndCommits(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		eventMessage(t, 1, service.EventCreated, "o-1"),
		{Offset: 2, Value: []byte("{not json")},
		eventMessage(t, 3, service.EventCancelled, "o-1"),
	}}
	applier := &stubApplier{errs: []error{nil, &service.ValidationError{Field: "start_time", Message: "required"}}}

	cancel, done := runConsumer(t, ingest.NewConsumer(reader, applier, time.Millisecond, discard))

	require.Eventually(t, func() bool { return len(reader.Committed()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Malformed and invalid messages are committed so they never block the partition.
	assert.Equal(t, []int64{1, 2, 3}, reader.Committed())
	assert.Equal(t, 2, applier.Calls())
	assert.Equal(t, service.EventCreated, applier.events[0].Event)
	assert.True(t, reader.closed)
}

func TestConsumer_RetriesUnavailable(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{eventMessage(t, 7, service.EventUpdated, "o-2")}}
	busy := &service.UnavailableError{Err: errors.New("queue full")}
	applier := &stubApplier{errs: []error{busy, busy}}

	cancel, done := runConsumer(t, ingest.NewConsumer(reader, applier, time.Millisecond, discard))

	require.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, applier.Calls())
}

func TestConsumer_CancelDuringRetryLeavesOffset(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{eventMessage(t, 9, service.EventUpdated, "o-3")}}
	busy := &service.UnavailableError{Err: errors.New("store down")}
	applier := &stubApplier{errs: []error{busy, busy, busy, busy, busy, busy, busy, busy}}

	cancel, done := runConsumer(t, ingest.NewConsumer(reader, applier, 20*time.Millisecond, discard))

	require.Eventually(t, func() bool { return applier.Calls() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, reader.Committed())
}

func TestConsumer_FetchError(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker gone")}
	c := ingest.NewConsumer(reader, &stubApplier{}, time.Millisecond, discard)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
	assert.True(t, reader.closed)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisher_RoundTripsThroughConsumer(t *testing.T) {
	w := &fakeWriter{}
	pub := ingest.NewPublisher(w)

	ev := service.OutageEvent{
		Event:  service.EventCreated,
		Outage: &storage.Outage{ID: "o-9", Type: storage.OutageElectricity, Reason: "Line work"},
	}
	require.NoError(t, pub.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("o-9"), w.msgs[0].Key)
	assert.Equal(t, "event", w.msgs[0].Headers[0].Key)

	reader := &fakeReader{queue: w.msgs}
	applier := &stubApplier{}
	cancel, done := runConsumer(t, ingest.NewConsumer(reader, applier, time.Millisecond, discard))
	require.Eventually(t, func() bool { return applier.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "Line work", applier.events[0].Outage.Reason)
}

func TestPublisher_RejectsMissingOutage(t *testing.T) {
	pub := ingest.NewPublisher(&fakeWriter{})
	err := pub.Publish(context.Background(), service.OutageEvent{Event: service.EventCreated})
	assert.Error(t, err)
}
