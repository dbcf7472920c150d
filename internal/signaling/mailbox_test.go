package signaling

import (
	"fmt"
	"sync"
	"testing"
)

func TestMailboxFIFOWithInterleavedDrains(t *testing.T) {
	m := NewMailbox()

	m.Push(MobileToDesktop, Offer("1"))
	m.Push(MobileToDesktop, Offer("2"))
	got := m.DrainAll(MobileToDesktop)
	assertSDPs(t, got, "1", "2")

	m.Push(MobileToDesktop, Offer("3"))
	if n := m.Push(MobileToDesktop, Offer("4")); n != 2 {
		t.Fatalf("Push pending=%d, want 2", n)
	}
	got = m.DrainAll(MobileToDesktop)
	assertSDPs(t, got, "3", "4")

	if n := m.Len(MobileToDesktop); n != 0 {
		t.Fatalf("Len after drain=%d, want 0", n)
	}
}

func TestMailboxDirectionsAreIndependent(t *testing.T) {
	m := NewMailbox()

	m.Push(MobileToDesktop, Offer("m"))
	m.Push(DesktopToMobile, Answer("d"))

	assertSDPs(t, m.DrainAll(DesktopToMobile), "d")
	if n := m.Len(MobileToDesktop); n != 1 {
		t.Fatalf("MobileToDesktop Len=%d, want 1", n)
	}
	assertSDPs(t, m.DrainAll(MobileToDesktop), "m")
}

func TestMailboxDrainEmptyTwice(t *testing.T) {
	m := NewMailbox()
	for i := 0; i < 2; i++ {
		got := m.DrainAll(DesktopToMobile)
		if got == nil {
			t.Fatalf("drain %d returned nil, want empty slice", i)
		}
		if len(got) != 0 {
			t.Fatalf("drain %d returned %d messages, want 0", i, len(got))
		}
	}
}

func TestMailboxInvalidDirectionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for invalid direction")
		}
	}()
	NewMailbox().Push(Direction(7), Offer("x"))
}

func TestMailboxConcurrentPushAndDrain(t *testing.T) {
	const (
		producers   = 4
		perProducer = 250
	)
	m := NewMailbox()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Push(MobileToDesktop, Offer(fmt.Sprintf("%d/%d", p, i)))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var drained []Message
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		drained = append(drained, m.DrainAll(MobileToDesktop)...)
	}

	if len(drained) != producers*perProducer {
		t.Fatalf("drained %d messages, want %d", len(drained), producers*perProducer)
	}

	// Every message exactly once, and per-producer order preserved.
	next := make([]int, producers)
	for _, msg := range drained {
		var p, i int
		if _, err := fmt.Sscanf(msg.SDP, "%d/%d", &p, &i); err != nil {
			t.Fatalf("unexpected sdp %q", msg.SDP)
		}
		if i != next[p] {
			t.Fatalf("producer %d: got message %d, want %d", p, i, next[p])
		}
		next[p]++
	}
}

func TestRoleDirections(t *testing.T) {
	if RoleMobile.Outbound() != MobileToDesktop || RoleMobile.Inbound() != DesktopToMobile {
		t.Fatalf("mobile directions wrong")
	}
	if RoleDesktop.Outbound() != DesktopToMobile || RoleDesktop.Inbound() != MobileToDesktop {
		t.Fatalf("desktop directions wrong")
	}
	if _, err := ParseRole("tablet"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if r, err := ParseRole("desktop"); err != nil || r != RoleDesktop {
		t.Fatalf("ParseRole(desktop)=(%q,%v)", r, err)
	}
}

func assertSDPs(t *testing.T, got []Message, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].SDP != want[i] {
			t.Fatalf("message %d sdp=%q, want %q", i, got[i].SDP, want[i])
		}
	}
}
