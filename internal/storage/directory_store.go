package storage

import (
	"context"
	"time"
)

// DirectoryStore gives read access to outages, areas and users, plus the
// upserts used by seeding and event ingest.
type DirectoryStore interface {
	// GetOutage returns an outage with its area resolved, or ErrNotFound.
	GetOutage(ctx context.Context, id string) (*Outage, error)
	// UpsertOutage inserts or replaces an outage.
	UpsertOutage(ctx context.Context, o *Outage) error
	// ListUpcomingOutages returns SCHEDULED outages starting in (from, to],
	// with areas resolved, ordered by start time.
	ListUpcomingOutages(ctx context.Context, from, to time.Time) ([]*Outage, error)
	// GetArea returns an area or ErrNotFound.
	GetArea(ctx context.Context, id string) (*Area, error)
	// UpsertArea inserts or replaces an area.
	UpsertArea(ctx context.Context, a *Area) error
	// GetUser returns a user with preferences, or ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)
	// UpsertUser inserts or replaces a user and all of its preferences.
	UpsertUser(ctx context.Context, u *User) error
	// ListActiveUsersByArea returns active users assigned to the area.
	ListActiveUsersByArea(ctx context.Context, areaID string) ([]*User, error)
}

// AuditEntry is one persisted audit record.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ActorKind  string    `json:"actor_kind"`
	ActorID    string    `json:"actor_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditStore persists audit entries.
type AuditStore interface {
	// WriteAuditEntry appends an entry.
	WriteAuditEntry(ctx context.Context, e AuditEntry) error
	// ListAuditEntries returns the most recent entries, up to limit.
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
}
