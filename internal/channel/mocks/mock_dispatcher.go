package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/shaharia-lab/outagewatch/internal/channel"
	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// MockDispatcher is a mock implementation of channel.Dispatcher.
type MockDispatcher struct {
	mock.Mock
}

//nolint:revive
func (m *MockDispatcher) Channel() storage.ChannelType {
	args := m.Called()
	return args.Get(0).(storage.ChannelType)
}

//nolint:revive
func (m *MockDispatcher) Send(ctx context.Context, address string, content render.Content) channel.Outcome {
	args := m.Called(ctx, address, content)
	return args.Get(0).(channel.Outcome)
}
