package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/shaharia-lab/outagewatch/internal/service"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// MockOutageService is a mock implementation of service.OutageService.
type MockOutageService struct {
	mock.Mock
}

//nolint:revive
func (m *MockOutageService) ApplyEvent(ctx context.Context, ev service.OutageEvent) (*storage.Outage, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Outage), args.Error(1)
}
