package dispatch

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// ChannelLimit bounds the load put on one provider.
type ChannelLimit struct {
	// MaxInFlight caps concurrent sends. Zero means the worker count.
	MaxInFlight int64
	// RatePerSecond caps send starts. Zero disables rate limiting.
	RatePerSecond float64
	Burst         int
}

type channelGate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func newChannelGates(limits map[storage.ChannelType]ChannelLimit, workers int) map[storage.ChannelType]*channelGate {
	gates := make(map[storage.ChannelType]*channelGate, len(storage.AllChannels))
	for _, ch := range storage.AllChannels {
		l := limits[ch]
		n := l.MaxInFlight
		if n <= 0 {
			n = int64(workers)
		}
		g := &channelGate{sem: semaphore.NewWeighted(n)}
		if l.RatePerSecond > 0 {
			burst := l.Burst
			if burst <= 0 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(l.RatePerSecond), burst)
		}
		gates[ch] = g
	}
	return gates
}

// acquire waits for a send slot. The returned release must be called once
// the send finished.
func (g *channelGate) acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.sem.Release(1)
			return nil, err
		}
	}
	return func() { g.sem.Release(1) }, nil
}
