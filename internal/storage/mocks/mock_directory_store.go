package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// MockDirectoryStore is a mock implementation of storage.DirectoryStore.
type MockDirectoryStore struct {
	mock.Mock
}

//nolint:revive
func (m *MockDirectoryStore) GetOutage(ctx context.Context, id string) (*storage.Outage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Outage), args.Error(1)
}

//nolint:revive
func (m *MockDirectoryStore) UpsertOutage(ctx context.Context, o *storage.Outage) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

//nolint:revive
func (m *MockDirectoryStore) ListUpcomingOutages(ctx context.Context, from, to time.Time) ([]*storage.Outage, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*storage.Outage), args.Error(1)
}

//nolint:revive
func (m *MockDirectoryStore) GetArea(ctx context.Context, id string) (*storage.Area, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Area), args.Error(1)
}

//nolint:revive
func (m *MockDirectoryStore) UpsertArea(ctx context.Context, a *storage.Area) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

//nolint:revive
func (m *MockDirectoryStore) GetUser(ctx context.Context, id string) (*storage.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.User), args.Error(1)
}

//nolint:revive
func (m *MockDirectoryStore) UpsertUser(ctx context.Context, u *storage.User) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

//nolint:revive
func (m *MockDirectoryStore) ListActiveUsersByArea(ctx context.Context, areaID string) ([]*storage.User, error) {
	args := m.Called(ctx, areaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*storage.User), args.Error(1)
}
