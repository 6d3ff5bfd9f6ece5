package hooks

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the subscriber buffer used when none is given.
const DefaultBufferSize = 256

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(event Event)
}

// Stream fans events out to subscribers. Publishing never blocks: an event
// that does not fit a subscriber's buffer is dropped for that subscriber
// and counted. A nil *Stream discards everything.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
	sent    atomic.Int64
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unsubscribes and closes the channel.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers event to every subscriber with room for it.
func (s *Stream) Publish(event Event) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- event:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were dropped on full buffers.
func (s *Stream) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Delivered returns how many deliveries succeeded.
func (s *Stream) Delivered() int64 {
	if s == nil {
		return 0
	}
	return s.sent.Load()
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close closes every subscriber channel. Later publishes are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
