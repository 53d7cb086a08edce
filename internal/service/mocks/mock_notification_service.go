package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// MockNotificationService is a mock implementation of service.NotificationService.
type MockNotificationService struct {
	mock.Mock
}

//nolint:revive
func (m *MockNotificationService) List(ctx context.Context, filter storage.NotificationFilter) ([]storage.Notification, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationService) Get(ctx context.Context, id string) (*storage.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationService) ConfirmDelivered(ctx context.Context, id, operator string) (*storage.Notification, error) {
	args := m.Called(ctx, id, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationService) ConfirmReceipt(ctx context.Context, ch storage.ChannelType, providerMessageID string) (*storage.Notification, error) {
	args := m.Called(ctx, ch, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationService) ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.AuditEntry), args.Error(1)
}
