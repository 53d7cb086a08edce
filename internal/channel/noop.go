package channel

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Noop logs instead of sending. It stands in for channels that have no
// provider configured in development.
type Noop struct {
	channel storage.ChannelType
	logger  *slog.Logger
}

// NewNoop returns a logging dispatcher for ch.
func NewNoop(ch storage.ChannelType, logger *slog.Logger) *Noop {
	return &Noop{channel: ch, logger: logger}
}

// Channel implements Dispatcher.
func (n *Noop) Channel() storage.ChannelType { return n.channel }

// Send implements Dispatcher.
func (n *Noop) Send(_ context.Context, address string, content render.Content) Outcome {
	id := "noop-" + uuid.NewString()
	n.logger.Info("notification not sent, channel has no provider",
		"channel", n.channel,
		"address", address,
		"subject", content.Subject,
		"provider_message_id", id,
	)
	return Accept(id)
}
