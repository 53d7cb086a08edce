package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/dispatch"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// EventType names an outage lifecycle event.
type EventType string

// Lifecycle events accepted from the outage-management side.
const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventCancelled EventType = "cancelled"
	EventRestored  EventType = "restored"
)

// OutageEvent is the payload shared by the HTTP endpoint and the Kafka topic.
type OutageEvent struct {
	Event  EventType       `json:"event"`
	Outage *storage.Outage `json:"outage"`
}

// OutageEngine receives lifecycle events.
type OutageEngine interface {
	OnOutageCreated(ctx context.Context, o *storage.Outage) error
	OnOutageUpdated(ctx context.Context, o *storage.Outage) error
	OnOutageCancelled(ctx context.Context, o *storage.Outage) error
	OnOutageRestored(ctx context.Context, o *storage.Outage) error
}

// OutageStore is the part of the directory the service writes.
type OutageStore interface {
	GetOutage(ctx context.Context, id string) (*storage.Outage, error)
	UpsertOutage(ctx context.Context, o *storage.Outage) error
	UpsertArea(ctx context.Context, a *storage.Area) error
}

// OutageService applies outage lifecycle events.
type OutageService interface {
	// ApplyEvent records the outage in the directory and hands the event to the
	// dispatch engine. It returns the outage as stored.
	ApplyEvent(ctx context.Context, ev OutageEvent) (*storage.Outage, error)
}

type outageServiceImpl struct {
	store  OutageStore
	engine OutageEngine
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewOutageService creates a new OutageService.
func NewOutageService(store OutageStore, engine OutageEngine, clock clockwork.Clock, logger *slog.Logger) OutageService {
	return &outageServiceImpl{store: store, engine: engine, clock: clock, logger: logger}
}

func (s *outageServiceImpl) ApplyEvent(ctx context.Context, ev OutageEvent) (*storage.Outage, error) {
	if ev.Outage == nil {
		return nil, &ValidationError{Field: "outage", Message: "is required"}
	}
	o := ev.Outage
	now := s.clock.Now().UTC()

	switch ev.Event {
	case EventCreated, EventUpdated:
	case EventCancelled:
		o.Status = storage.OutageCancelled
	case EventRestored:
		o.Status = storage.OutageCompleted
		if o.ActualEndTime == nil {
			o.ActualEndTime = &now
		}
	default:
		return nil, &ValidationError{Field: "event", Message: fmt.Sprintf("unknown event %q", ev.Event)}
	}
	if o.Area != nil && o.AreaID == "" {
		o.AreaID = o.Area.ID
	}
	if err := o.Validate(); err != nil {
		return nil, &ValidationError{Field: "outage", Message: err.Error()}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}

	if err := s.record(ctx, o); err != nil {
		return nil, err
	}

	var err error
	switch ev.Event {
	case EventCreated:
		err = s.engine.OnOutageCreated(ctx, o)
	case EventUpdated:
		err = s.engine.OnOutageUpdated(ctx, o)
	case EventCancelled:
		err = s.engine.OnOutageCancelled(ctx, o)
	case EventRestored:
		err = s.engine.OnOutageRestored(ctx, o)
	}
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrClosed) {
			return nil, &UnavailableError{Err: err, RetryAfter: RetryAfterQueueFull}
		}
		return nil, fmt.Errorf("submitting %s event for outage %q: %w", ev.Event, o.ID, err)
	}

	s.logger.Info("outage event accepted", "outage_id", o.ID, "event", ev.Event,
		"status", o.Status, "version", o.EffectiveVersion())
	return o, nil
}

// record upserts the outage unless the directory already holds a newer version.
func (s *outageServiceImpl) record(ctx context.Context, o *storage.Outage) error {
	if o.Area != nil {
		if err := s.store.UpsertArea(ctx, o.Area); err != nil {
			return storeError(err)
		}
	}

	existing, err := s.store.GetOutage(ctx, o.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return storeError(err)
	case existing.EffectiveVersion() > o.EffectiveVersion():
		s.logger.Debug("keeping newer outage in directory", "outage_id", o.ID,
			"stored_version", existing.EffectiveVersion(), "event_version", o.EffectiveVersion())
		return nil
	}

	if err := s.store.UpsertOutage(ctx, o); err != nil {
		return storeError(err)
	}
	return nil
}

func storeError(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return &UnavailableError{Err: err, RetryAfter: RetryAfterStoreDown}
	}
	return err
}
