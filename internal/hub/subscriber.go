package hub

import (
	"context"
	"sync"
)

// Subscriber is one reader's view of the hub. A Subscriber must be read from a
// single goroutine; Close may be called from any goroutine.
type Subscriber struct {
	hub *Hub

	mu     sync.Mutex
	ring   [][]byte
	head   int
	size   int
	lagged uint64
	closed bool

	// notify holds a token while frames are buffered.
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// push is called by the hub with h.mu held.
func (s *Subscriber) push(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	capacity := len(s.ring)
	if s.size == capacity {
		// Overwrite the oldest frame.
		s.ring[s.head] = frame
		s.head = (s.head + 1) % capacity
		s.lagged++
	} else {
		s.ring[(s.head+s.size)%capacity] = frame
		s.size++
	}
	s.mu.Unlock()

	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever frames may be available. After receiving from
// Ready, call TryNext; Ready is re-armed while frames remain buffered.
func (s *Subscriber) Ready() <-chan struct{} { return s.notify }

// Done is closed once the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// TryNext pops the oldest buffered frame without blocking. lagged is the
// number of frames overwritten since the previous successful read.
func (s *Subscriber) TryNext() (frame []byte, lagged uint64, ok bool) {
	s.mu.Lock()
	if s.size == 0 {
		s.mu.Unlock()
		return nil, 0, false
	}
	frame = s.ring[s.head]
	s.ring[s.head] = nil
	s.head = (s.head + 1) % len(s.ring)
	s.size--
	lagged = s.lagged
	s.lagged = 0
	remaining := s.size
	s.mu.Unlock()

	if remaining > 0 {
		s.signal()
	}
	return frame, lagged, true
}

// Next blocks until a frame is available, ctx is done or the subscriber is
// closed. Buffered frames are not returned after Close.
func (s *Subscriber) Next(ctx context.Context) ([]byte, uint64, error) {
	for {
		select {
		case <-s.done:
			return nil, 0, ErrSubscriberClosed
		default:
		}
		if frame, lagged, ok := s.TryNext(); ok {
			return frame, lagged, nil
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-s.done:
			return nil, 0, ErrSubscriberClosed
		case <-s.notify:
		}
	}
}

// Len reports how many frames are buffered.
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close detaches the subscriber from the hub and releases its backlog. It is
// safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
	s.markClosed()
}

func (s *Subscriber) markClosed() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for i := range s.ring {
			s.ring[i] = nil
		}
		s.size = 0
		s.mu.Unlock()
		close(s.done)
	})
}
