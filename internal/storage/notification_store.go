package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps failures of the backing store itself (I/O, locked
// database, closed connection). Callers treat it as fatal for the current batch.
var ErrUnavailable = errors.New("store unavailable")

// ErrInvalidTransition is returned when a status change is not allowed from
// the record's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// NotificationKind is the outage lifecycle transition a notification reports.
type NotificationKind string

// Notification kinds.
const (
	KindCreated   NotificationKind = "CREATED"
	KindUpdated   NotificationKind = "UPDATED"
	KindAdvance   NotificationKind = "ADVANCE"
	KindCancelled NotificationKind = "CANCELLED"
	KindRestored  NotificationKind = "RESTORED"
)

// Valid reports whether k is a known kind.
func (k NotificationKind) Valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindAdvance, KindCancelled, KindRestored:
		return true
	}
	return false
}

// NotificationStatus is the delivery state of a notification record.
type NotificationStatus string

// Notification record statuses.
const (
	StatusPending   NotificationStatus = "PENDING"
	StatusSent      NotificationStatus = "SENT"
	StatusFailed    NotificationStatus = "FAILED"
	StatusDelivered NotificationStatus = "DELIVERED"
)

// Valid reports whether s is a known status.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusDelivered:
		return true
	}
	return false
}

// Terminal reports whether no further delivery attempt may follow.
func (s NotificationStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusDelivered
}

// TaskKey identifies one logical notification: one outage transition, one
// user, one channel.
type TaskKey struct {
	OutageID string           `json:"outage_id"`
	UserID   string           `json:"user_id"`
	Channel  ChannelType      `json:"channel"`
	Kind     NotificationKind `json:"kind"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.OutageID, k.UserID, k.Channel, k.Kind)
}

// DedupVersion returns the outage version a key is deduplicated under.
// UPDATED notifications are sent once per outage version; every other kind is
// sent once per outage.
func DedupVersion(kind NotificationKind, outageVersion int64) int64 {
	if kind == KindUpdated {
		return outageVersion
	}
	return 0
}

// Notification is the persisted record of one logical notification.
type Notification struct {
	ID                string             `json:"id"`
	Key               TaskKey            `json:"key"`
	OutageVersion     int64              `json:"outage_version"`
	Status            NotificationStatus `json:"status"`
	Subject           string             `json:"subject"`
	Body              string             `json:"body"`
	Locale            string             `json:"locale"`
	Address           string             `json:"address"`
	ProviderMessageID string             `json:"provider_message_id"`
	RetryCount        int                `json:"retry_count"`
	MaxAttempts       int                `json:"max_attempts"`
	LastError         string             `json:"last_error"`
	NextAttemptAt     *time.Time         `json:"next_attempt_at,omitempty"`
	LeaseUntil        *time.Time         `json:"lease_until,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time         `json:"delivered_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// AdmitResult is the outcome of an admission attempt.
type AdmitResult string

// Admission outcomes.
const (
	// Admitted means a new PENDING record was created.
	Admitted AdmitResult = "admitted"
	// Reclaimed means a stale PENDING record whose lease expired was claimed again.
	Reclaimed AdmitResult = "reclaimed"
	// Duplicate means the key is already delivered, finalized or in flight.
	Duplicate AdmitResult = "duplicate"
)

// AdmitRequest describes a task asking for admission.
type AdmitRequest struct {
	Key           TaskKey
	OutageVersion int64
	MaxAttempts   int
	Now           time.Time
	LeaseUntil    time.Time
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	OutageID string
	UserID   string
	Status   NotificationStatus
	Limit    int
}

// NotificationStore persists notification records. Every mutating method is
// atomic with respect to concurrent callers.
type NotificationStore interface {
	// Admit atomically checks the dedup invariant for the key and either creates
	// a PENDING record, reclaims a stale one, or reports a duplicate.
	Admit(ctx context.Context, req AdmitRequest) (*Notification, AdmitResult, error)
	// GetNotification returns a record by id or ErrNotFound.
	GetNotification(ctx context.Context, id string) (*Notification, error)
	// FindByProviderMessageID returns the record carrying the provider message id.
	FindByProviderMessageID(ctx context.Context, channel ChannelType, providerMessageID string) (*Notification, error)
	// SaveContent stores the rendered snapshot on a PENDING record.
	SaveContent(ctx context.Context, id, subject, body, locale, address string) error
	// RenewLease extends the lease of a PENDING record. It fails with
	// ErrInvalidTransition once the record left PENDING.
	RenewLease(ctx context.Context, id string, leaseUntil, at time.Time) error
	// MarkSent moves PENDING → SENT.
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error
	// MarkDelivered moves SENT → DELIVERED.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed moves PENDING → FAILED.
	MarkFailed(ctx context.Context, id, lastError string, at time.Time) error
	// RecordRetry increments the retry count of a PENDING record and schedules
	// the next attempt. It returns the new retry count.
	RecordRetry(ctx context.Context, id, lastError string, nextAttempt, leaseUntil, at time.Time) (int, error)
	// ListNotifications returns records newest first.
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error)
	// ListStalePending returns PENDING records whose lease expired before now.
	ListStalePending(ctx context.Context, now time.Time, limit int) ([]Notification, error)
}
