package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/pycam/pycam-relay/internal/signaling"
)

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func TestOffererAndAnswererConnectThroughMailbox(t *testing.T) {
	relay := httptest.NewServer(signaling.NewServer(signaling.Config{}).Handler())
	t.Cleanup(relay.Close)

	netA, netB := newVNetPair(t)
	apiA, err := NewAPI(APIOptions{Net: netA})
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := NewAPI(APIOptions{Net: netB})
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	offerer, err := NewOfferer(Config{
		Client:       signaling.NewClient(relay.URL, signaling.RoleMobile),
		API:          apiA,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	answerer, err := NewAnswerer(Config{
		Client:       signaling.NewClient(relay.URL, signaling.RoleDesktop),
		API:          apiB,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	received := make(chan []byte, 1)
	answerer.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case received <- msg.Data:
			default:
			}
		})
	})
	opened := make(chan struct{})
	offerer.DataChannel().OnOpen(func() { close(opened) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- answerer.Run(ctx) }()
	go func() { errCh <- offerer.Run(ctx) }()

	for name, p := range map[string]*Peer{"offerer": offerer.Peer, "answerer": answerer.Peer} {
		select {
		case <-p.Connected():
		case err := <-errCh:
			t.Fatalf("Run returned before %s connected: %v", name, err)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s to connect", name)
		}
	}

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for data channel to open")
	}
	if err := offerer.DataChannel().Send([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if !bytes.Equal(got, []byte{0x01, 0x02}) {
			t.Fatalf("received %x, want 0102", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for data channel message")
	}

	cancel()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
}

func TestCandidatesAreBufferedUntilRemoteDescription(t *testing.T) {
	answerer, err := NewAnswerer(Config{
		Client: signaling.NewClient("http://127.0.0.1:1", signaling.RoleDesktop),
	})
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	if err := answerer.handleMessage(signaling.ICECandidate(candidate)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if n := answerer.pendingCandidates(); n != 1 {
		t.Fatalf("pending=%d, want 1", n)
	}

	// End-of-candidates markers are not buffered.
	if err := answerer.handleMessage(signaling.ICECandidate(json.RawMessage(`null`))); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if n := answerer.pendingCandidates(); n != 1 {
		t.Fatalf("pending=%d, want 1", n)
	}

	// An answer is not valid for the desktop role and must not flush.
	if err := answerer.handleMessage(signaling.Answer("v=0")); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if n := answerer.pendingCandidates(); n != 1 {
		t.Fatalf("pending=%d after unexpected answer, want 1", n)
	}
}

func TestRoleMismatchIsRejected(t *testing.T) {
	if _, err := NewAnswerer(Config{Client: signaling.NewClient("http://x", signaling.RoleMobile)}); err == nil {
		t.Fatalf("expected error for mobile client on answerer")
	}
	if _, err := NewOfferer(Config{Client: signaling.NewClient("http://x", signaling.RoleDesktop)}); err == nil {
		t.Fatalf("expected error for desktop client on offerer")
	}
	if _, err := NewOfferer(Config{}); err == nil {
		t.Fatalf("expected error without a signaling client")
	}
}

func TestLoggerFactoryBridgesToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace}))

	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Tracef("gathering %d", 3)
	l.Infof("state %s", "checking")
	l.Warn("slow")
	l.Errorf("failed: %v", "boom")

	out := buf.String()
	for _, want := range []string{
		"pion_scope=ice",
		`msg="gathering 3"`,
		`msg="state checking"`,
		"level=WARN msg=slow",
		`level=ERROR msg="failed: boom"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLoggerFactoryRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l := NewLoggerFactory(logger).NewLogger("dtls")
	l.Trace("hidden")
	l.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected no output below info, got %q", buf.String())
	}
}

func TestICEServers(t *testing.T) {
	if got := ICEServers(nil); got != nil {
		t.Fatalf("ICEServers(nil)=%v, want nil", got)
	}
	got := ICEServers([]string{"stun:a:3478", "stun:b:3478"})
	if len(got) != 1 || len(got[0].URLs) != 2 {
		t.Fatalf("ICEServers=%+v", got)
	}
}
