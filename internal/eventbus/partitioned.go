package eventbus

import (
	"fmt"
	"hash/fnv"
	"log/slog"
)

// Partitioned spreads values over single-worker buses chosen by key. Values
// that share a key land on the same bus, so they are handled one at a time
// in publish order.
type Partitioned[T any] struct {
	key   func(T) string
	parts []*Bus[T]
}

// NewPartitioned creates partitions buses of one worker each. The buffer is
// split evenly between them.
func NewPartitioned[T any](name string, partitions, buffer int, key func(T) string, logger *slog.Logger) *Partitioned[T] {
	if partitions <= 0 {
		partitions = defaultWorkers
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	per := (buffer + partitions - 1) / partitions
	p := &Partitioned[T]{key: key, parts: make([]*Bus[T], partitions)}
	for i := range p.parts {
		p.parts[i] = New[T](fmt.Sprintf("%s-%d", name, i), 1, per, logger)
	}
	return p
}

func (p *Partitioned[T]) partition(v T) *Bus[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.key(v)))
	return p.parts[h.Sum32()%uint32(len(p.parts))]
}

// Subscribe adds h to every partition. Call it before the first Publish.
func (p *Partitioned[T]) Subscribe(h Handler[T]) {
	for _, b := range p.parts {
		b.Subscribe(h)
	}
}

// Publish enqueues v on its key's partition without blocking. ErrFull means
// that partition has no room, even if others do.
func (p *Partitioned[T]) Publish(v T) error {
	return p.partition(v).Publish(v)
}

// Pending returns the number of values queued or being handled across all
// partitions.
func (p *Partitioned[T]) Pending() int64 {
	var n int64
	for _, b := range p.parts {
		n += b.Pending()
	}
	return n
}

// Close closes every partition and waits for their queued values.
func (p *Partitioned[T]) Close() {
	for _, b := range p.parts {
		b.Close()
	}
}
