// Package eventbus provides an in-memory, asynchronous bus. Values are
// dispatched through a buffered channel and processed by a worker pool.
package eventbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultWorkers    = 3
	defaultBufferSize = 100
)

// ErrFull is returned by Publish when the buffer has no room.
var ErrFull = errors.New("eventbus: buffer full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: closed")

// Handler processes one value.
type Handler[T any] func(T)

// Bus delivers every published value to every subscribed handler.
type Bus[T any] struct {
	name     string
	ch       chan T
	handlers []Handler[T]
	mu       sync.RWMutex
	wg       sync.WaitGroup
	workers  int
	logger   *slog.Logger

	closeMu sync.RWMutex
	closed  bool
	pending atomic.Int64
}

// New creates a bus and starts its workers. Non-positive workers or buffer
// fall back to 3 workers and 100 slots.
func New[T any](name string, workers, buffer int, logger *slog.Logger) *Bus[T] {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	b := &Bus[T]{
		name:    name,
		ch:      make(chan T, buffer),
		workers: workers,
		logger:  logger,
	}
	b.startWorkers()
	return b
}

func (b *Bus[T]) startWorkers() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for v := range b.ch {
				b.dispatch(v)
				b.pending.Add(-1)
			}
		}()
	}
}

// dispatch calls every handler with panic recovery so one bad handler cannot
// take down the worker or starve the others.
func (b *Bus[T]) dispatch(v T) {
	b.mu.RLock()
	handlers := make([]Handler[T], len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("eventbus handler panicked", "bus", b.name, "panic", r)
				}
			}()
			h(v)
		}()
	}
}

// Publish enqueues v without blocking.
func (b *Bus[T]) Publish(v T) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.pending.Add(1)
	select {
	case b.ch <- v:
		return nil
	default:
		b.pending.Add(-1)
		return ErrFull
	}
}

// Subscribe adds a handler. Call it before the first Publish.
func (b *Bus[T]) Subscribe(h Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Pending returns the number of values queued or being handled.
func (b *Bus[T]) Pending() int64 {
	return b.pending.Load()
}

// Close stops accepting values and waits for queued ones to be handled.
// It is safe to call more than once.
func (b *Bus[T]) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.closeMu.Unlock()
	b.wg.Wait()
}
