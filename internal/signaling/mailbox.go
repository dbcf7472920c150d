package signaling

import (
	"fmt"
	"sync"
)

// Direction names one of the two mailbox queues.
type Direction int

const (
	MobileToDesktop Direction = iota
	DesktopToMobile
)

func (d Direction) String() string {
	switch d {
	case MobileToDesktop:
		return "mobile->desktop"
	case DesktopToMobile:
		return "desktop->mobile"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Role is one of the two fixed signaling participants.
type Role string

const (
	RoleMobile  Role = "mobile"
	RoleDesktop Role = "desktop"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleMobile, RoleDesktop:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("invalid role %q (expected mobile or desktop)", raw)
	}
}

// Outbound is the queue the role sends into.
func (r Role) Outbound() Direction {
	if r == RoleDesktop {
		return DesktopToMobile
	}
	return MobileToDesktop
}

// Inbound is the queue the role drains.
func (r Role) Inbound() Direction {
	if r == RoleDesktop {
		return MobileToDesktop
	}
	return DesktopToMobile
}

// Mailbox holds two independent FIFO queues of signaling messages, one per
// direction. All methods are safe for concurrent use and never fail.
//
// Queues are unbounded: a producer that keeps sending while its consumer never
// polls grows memory without limit.
type Mailbox struct {
	queues [2]messageQueue
}

type messageQueue struct {
	mu   sync.Mutex
	msgs []Message
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

func (m *Mailbox) queue(dir Direction) *messageQueue {
	if dir != MobileToDesktop && dir != DesktopToMobile {
		panic(fmt.Sprintf("signaling: invalid mailbox direction %d", int(dir)))
	}
	return &m.queues[dir]
}

// Push appends msg to dir's queue and returns the number of messages now
// pending in that direction.
func (m *Mailbox) Push(dir Direction, msg Message) int {
	q := m.queue(dir)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return len(q.msgs)
}

// DrainAll atomically removes and returns every message queued for dir in
// arrival order. It returns an empty, non-nil slice when nothing is queued.
func (m *Mailbox) DrainAll(dir Direction) []Message {
	q := m.queue(dir)
	q.mu.Lock()
	msgs := q.msgs
	q.msgs = nil
	q.mu.Unlock()

	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// Len reports how many messages are pending for dir.
func (m *Mailbox) Len(dir Direction) int {
	q := m.queue(dir)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
