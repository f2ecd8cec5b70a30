// Package sink implements an unbounded, ordered queue that lets
// many sessions publish output chunks to a single consumer.
package sink

import (
	"context"
	"sync"
)

// Chunk is a piece of decoded command output attributed to a host.
type Chunk struct {
	Host string
	Text string
}

// Sink is a multi-producer, single-consumer queue. Publishing never
// blocks on the consumer. The zero value is not usable, use New.
type Sink struct {
	mu     sync.Mutex
	items  []Chunk
	closed bool
	notify chan struct{}
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{
		notify: make(chan struct{}, 1),
	}
}

// Publish appends a chunk. Publishing to a closed sink is a no-op.
func (s *Sink) Publish(chunk Chunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, chunk)
	s.mu.Unlock()

	s.wake()
}

// Close marks the end of the stream. Chunks already published can
// still be consumed.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wake()
}

func (s *Sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a chunk is available. It returns false once the
// sink is closed and empty, or if the context is done.
func (s *Sink) Next(ctx context.Context) (Chunk, bool) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			chunk := s.items[0]
			s.items[0] = Chunk{}
			s.items = s.items[1:]
			s.mu.Unlock()
			return chunk, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Chunk{}, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Chunk{}, false
		}
	}
}

// Drain removes and returns all chunks that are currently queued.
func (s *Sink) Drain() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.items
	s.items = nil
	return items
}

// Len returns the number of queued chunks.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}
