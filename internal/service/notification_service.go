package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaharia-lab/outagewatch/internal/audit"
	"github.com/shaharia-lab/outagewatch/internal/channel"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// NotificationReader lists and loads notification records.
type NotificationReader interface {
	Get(ctx context.Context, id string) (*storage.Notification, error)
	List(ctx context.Context, filter storage.NotificationFilter) ([]storage.Notification, error)
}

// DeliveryConfirmer records delivery confirmations.
type DeliveryConfirmer interface {
	Confirm(ctx context.Context, c channel.Confirmation, actor audit.Actor) (*storage.Notification, error)
	ConfirmNotification(ctx context.Context, id string, actor audit.Actor) (*storage.Notification, error)
}

// NotificationService exposes notification records and delivery confirmation
// to operators and provider webhooks.
type NotificationService interface {
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter storage.NotificationFilter) ([]storage.Notification, error)
	// Get returns one record.
	Get(ctx context.Context, id string) (*storage.Notification, error)
	// ConfirmDelivered marks a SENT record DELIVERED on an operator's word.
	ConfirmDelivered(ctx context.Context, id, operator string) (*storage.Notification, error)
	// ConfirmReceipt marks the record carrying a provider message id DELIVERED.
	ConfirmReceipt(ctx context.Context, ch storage.ChannelType, providerMessageID string) (*storage.Notification, error)
	// ListAudit returns the most recent audit entries.
	ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

type notificationServiceImpl struct {
	reader    NotificationReader
	confirmer DeliveryConfirmer
	audit     storage.AuditStore
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(reader NotificationReader, confirmer DeliveryConfirmer, auditStore storage.AuditStore) NotificationService {
	return &notificationServiceImpl{reader: reader, confirmer: confirmer, audit: auditStore}
}

func (s *notificationServiceImpl) List(ctx context.Context, filter storage.NotificationFilter) ([]storage.Notification, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	out, err := s.reader.List(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return out, nil
}

func (s *notificationServiceImpl) Get(ctx context.Context, id string) (*storage.Notification, error) {
	n, err := s.reader.Get(ctx, id)
	if err != nil {
		return nil, notificationError(err, id)
	}
	return n, nil
}

func (s *notificationServiceImpl) ConfirmDelivered(ctx context.Context, id, operator string) (*storage.Notification, error) {
	if operator == "" {
		operator = "api"
	}
	n, err := s.confirmer.ConfirmNotification(ctx, id, audit.Actor{Kind: "operator", ID: operator})
	if err != nil {
		return nil, notificationError(err, id)
	}
	return n, nil
}

func (s *notificationServiceImpl) ConfirmReceipt(ctx context.Context, ch storage.ChannelType, providerMessageID string) (*storage.Notification, error) {
	if !ch.Valid() {
		return nil, &ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", ch)}
	}
	if providerMessageID == "" {
		return nil, &ValidationError{Field: "provider_message_id", Message: "is required"}
	}
	n, err := s.confirmer.Confirm(ctx, channel.Confirmation{Channel: ch, ProviderMessageID: providerMessageID},
		audit.Actor{Kind: "provider", ID: string(ch)})
	if err != nil {
		return nil, notificationError(err, providerMessageID)
	}
	return n, nil
}

func (s *notificationServiceImpl) ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	out, err := s.audit.ListAuditEntries(ctx, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return out, nil
}

func notificationError(err error, id string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &NotFoundError{Resource: "notification", ID: id}
	case errors.Is(err, storage.ErrInvalidTransition):
		return &ConflictError{Resource: "notification", ID: id, Reason: "not sent yet or already failed"}
	}
	return storeError(err)
}
