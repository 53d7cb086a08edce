// Package channel delivers rendered notifications through external providers.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Result classifies a send attempt.
type Result int

const (
	// Accepted means the provider took the message.
	Accepted Result = iota + 1
	// Rejected means the provider refused it for good: bad address, blocked
	// recipient, malformed payload. Retrying cannot help.
	Rejected
	// Failed means the attempt did not go through for a reason that may clear
	// up: timeout, rate limit, provider outage.
	Failed
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is what a Dispatcher reports for one Send.
type Outcome struct {
	Result            Result
	ProviderMessageID string
	Err               error
}

// Dispatcher delivers content to one address over one channel.
type Dispatcher interface {
	Channel() storage.ChannelType
	Send(ctx context.Context, address string, content render.Content) Outcome
}

// Confirmation is a provider's statement that a message reached the recipient.
type Confirmation struct {
	Channel           storage.ChannelType
	ProviderMessageID string
}

// DeliveryConfirmer is implemented by dispatchers whose provider reports
// delivery. The handler is called for every receipt.
type DeliveryConfirmer interface {
	OnDelivered(handler func(ctx context.Context, c Confirmation))
}

// DispatchError wraps a provider error with its classification.
type DispatchError struct {
	Channel   storage.ChannelType
	Permanent bool
	Err       error
}

func (e *DispatchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s dispatch (%s): %v", e.Channel, kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Accept builds an Accepted outcome.
func Accept(providerMessageID string) Outcome {
	return Outcome{Result: Accepted, ProviderMessageID: providerMessageID}
}

// Reject builds a Rejected outcome.
func Reject(ch storage.ChannelType, err error) Outcome {
	return Outcome{Result: Rejected, Err: &DispatchError{Channel: ch, Permanent: true, Err: err}}
}

// Fail builds a Failed outcome.
func Fail(ch storage.ChannelType, err error) Outcome {
	return Outcome{Result: Failed, Err: &DispatchError{Channel: ch, Err: err}}
}

// ErrNoDispatcher is returned by Registry.Get for an unregistered channel.
var ErrNoDispatcher = errors.New("no dispatcher for channel")

// Registry maps each channel to its dispatcher.
type Registry struct {
	dispatchers map[storage.ChannelType]Dispatcher
}

// NewRegistry builds a registry. A later dispatcher for the same channel
// replaces an earlier one.
func NewRegistry(dispatchers ...Dispatcher) *Registry {
	r := &Registry{dispatchers: make(map[storage.ChannelType]Dispatcher, len(dispatchers))}
	for _, d := range dispatchers {
		r.dispatchers[d.Channel()] = d
	}
	return r
}

// Get returns the dispatcher for ch.
func (r *Registry) Get(ch storage.ChannelType) (Dispatcher, error) {
	d, ok := r.dispatchers[ch]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoDispatcher, ch)
	}
	return d, nil
}

// Channels returns the registered channels in storage.AllChannels order.
func (r *Registry) Channels() []storage.ChannelType {
	out := make([]storage.ChannelType, 0, len(r.dispatchers))
	for _, ch := range storage.AllChannels {
		if _, ok := r.dispatchers[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Confirmers returns the registered dispatchers that report delivery.
func (r *Registry) Confirmers() []DeliveryConfirmer {
	var out []DeliveryConfirmer
	for _, ch := range storage.AllChannels {
		if c, ok := r.dispatchers[ch].(DeliveryConfirmer); ok {
			out = append(out, c)
		}
	}
	return out
}
