// Package hub implements the frame broadcast hub: a single publish point that
// fans opaque binary frames out to any number of independent subscribers.
//
// Delivery is lossy. Each subscriber owns a fixed-capacity ring buffer; when a
// subscriber falls behind, its oldest buffered frames are overwritten and the
// gap is reported on its next read. A slow subscriber never blocks Publish and
// is never disconnected for lagging.
package hub

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber backlog used when New is given a
// non-positive capacity.
const DefaultCapacity = 100

var (
	ErrSubscriberClosed = errors.New("hub: subscriber closed")
	ErrClosed           = errors.New("hub: closed")
)

type Hub struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	latest []byte
	closed bool

	published atomic.Uint64
}

func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[*Subscriber]struct{}),
	}
}

func (h *Hub) Capacity() int { return h.capacity }

// Publish delivers frame to every current subscriber and records it as the
// latest frame. It never blocks and never fails; with no subscribers the frame
// is only retained as the latest. It returns the number of subscribers the
// frame was delivered to, and accepted=false when the hub is closed and the
// frame was dropped without being counted.
//
// Frames are shared between subscribers, so callers must not modify frame
// after publishing it.
func (h *Hub) Publish(frame []byte) (delivered int, accepted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, false
	}

	h.latest = frame
	h.published.Add(1)
	for sub := range h.subs {
		sub.push(frame)
	}
	return len(h.subs), true
}

// Subscribe returns a handle that yields every frame published after the call.
// The caller must Close it when done.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		hub:    h,
		ring:   make([][]byte, h.capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.markClosed()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Latest returns the most recently published frame, if any.
func (h *Hub) Latest() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.latest != nil
}

// Published is the total number of frames published since creation.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close detaches and closes every subscriber. Later publishes are dropped and
// later subscribers are returned already closed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for sub := range subs {
		sub.markClosed()
	}
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}
