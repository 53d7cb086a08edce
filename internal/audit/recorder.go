// Package audit records what happened to notifications, asynchronously.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/eventbus"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Actions written by the engine.
const (
	ActionSent      = "notification.sent"
	ActionFailed    = "notification.failed"
	ActionDelivered = "notification.delivered"
)

// Actor identifies who caused an entry.
type Actor struct {
	Kind string
	ID   string
}

// Common actors.
var (
	ActorDispatcher = Actor{Kind: "system", ID: "dispatcher"}
	ActorScheduler  = Actor{Kind: "system", ID: "scheduler"}
)

// Entry is one thing worth remembering.
type Entry struct {
	Action     string
	EntityType string
	EntityID   string
	Actor      Actor
	Detail     map[string]string
}

// Recorder writes entries in the background. Record never blocks and never
// fails the caller; entries that do not fit the buffer are dropped with a
// warning.
type Recorder struct {
	bus    *eventbus.Bus[storage.AuditEntry]
	store  storage.AuditStore
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewRecorder starts a recorder with the given number of writer goroutines.
func NewRecorder(store storage.AuditStore, clock clockwork.Clock, workers, buffer int, logger *slog.Logger) *Recorder {
	r := &Recorder{
		bus:    eventbus.New[storage.AuditEntry]("audit", workers, buffer, logger),
		store:  store,
		clock:  clock,
		logger: logger,
	}
	r.bus.Subscribe(r.write)
	return r
}

// Record queues an entry.
func (r *Recorder) Record(_ context.Context, e Entry) {
	entry := storage.AuditEntry{
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorKind:  e.Actor.Kind,
		ActorID:    e.Actor.ID,
		CreatedAt:  r.clock.Now(),
	}
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			entry.Detail = string(b)
		}
	}
	if err := r.bus.Publish(entry); err != nil {
		if errors.Is(err, eventbus.ErrFull) {
			r.logger.Warn("audit buffer full, dropping entry", "action", e.Action, "entity_id", e.EntityID)
		}
	}
}

func (r *Recorder) write(e storage.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.WriteAuditEntry(ctx, e); err != nil {
		r.logger.Error("failed to write audit entry", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

// Pending returns the number of entries not yet written.
func (r *Recorder) Pending() int64 {
	return r.bus.Pending()
}

// Close flushes queued entries.
func (r *Recorder) Close() {
	r.bus.Close()
}
