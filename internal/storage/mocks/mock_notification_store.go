package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// MockNotificationStore is a mock implementation of storage.NotificationStore.
type MockNotificationStore struct {
	mock.Mock
}

//nolint:revive
func (m *MockNotificationStore) Admit(ctx context.Context, req storage.AdmitRequest) (*storage.Notification, storage.AdmitResult, error) {
	args := m.Called(ctx, req)
	var n *storage.Notification
	if v := args.Get(0); v != nil {
		n = v.(*storage.Notification)
	}
	return n, args.Get(1).(storage.AdmitResult), args.Error(2)
}

//nolint:revive
func (m *MockNotificationStore) GetNotification(ctx context.Context, id string) (*storage.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationStore) FindByProviderMessageID(ctx context.Context, channel storage.ChannelType, providerMessageID string) (*storage.Notification, error) {
	args := m.Called(ctx, channel, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationStore) SaveContent(ctx context.Context, id, subject, body, locale, address string) error {
	args := m.Called(ctx, id, subject, body, locale, address)
	return args.Error(0)
}

//nolint:revive
func (m *MockNotificationStore) RenewLease(ctx context.Context, id string, leaseUntil, at time.Time) error {
	args := m.Called(ctx, id, leaseUntil, at)
	return args.Error(0)
}

//nolint:revive
func (m *MockNotificationStore) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	args := m.Called(ctx, id, providerMessageID, at)
	return args.Error(0)
}

//nolint:revive
func (m *MockNotificationStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

//nolint:revive
func (m *MockNotificationStore) MarkFailed(ctx context.Context, id, lastError string, at time.Time) error {
	args := m.Called(ctx, id, lastError, at)
	return args.Error(0)
}

//nolint:revive
func (m *MockNotificationStore) RecordRetry(ctx context.Context, id, lastError string, nextAttempt, leaseUntil, at time.Time) (int, error) {
	args := m.Called(ctx, id, lastError, nextAttempt, leaseUntil, at)
	return args.Int(0), args.Error(1)
}

//nolint:revive
func (m *MockNotificationStore) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]storage.Notification, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Notification), args.Error(1)
}

//nolint:revive
func (m *MockNotificationStore) ListStalePending(ctx context.Context, now time.Time, limit int) ([]storage.Notification, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]storage.Notification), args.Error(1)
}
