package metrics

import "sync"

// Event counter names.
const (
	SignalingMessagesQueued   = "signaling_messages_queued"
	SignalingMessagesDrained  = "signaling_messages_drained"
	SignalingMessagesRejected = "signaling_messages_rejected"

	FramesPublished    = "frames_published"
	FramesIngestedHTTP = "frames_ingested_http"
	FramesIngestedWS   = "frames_ingested_ws"
	FramesSentWS       = "frames_sent_ws"
	FramesLagged       = "frames_lagged"

	WSSessionsOpened    = "ws_sessions_opened"
	WSSessionsClosed    = "ws_sessions_closed"
	WSKeepaliveAcks     = "ws_keepalive_acks"
	StreamViewersOpened = "stream_viewers_opened"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can be
// constructed without wiring a registry in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
