package stream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pycam/pycam-relay/internal/hub"
	"github.com/pycam/pycam-relay/internal/metrics"
)

// controlQueueSize bounds the control conduit. Keepalive acknowledgements that
// do not fit are dropped; the peer's next ping gets a fresh one.
const controlQueueSize = 16

const stopRetryInterval = 50 * time.Millisecond

// errSessionStopped is returned by a path that ended because the session was
// stopped from outside (server shutdown).
var errSessionStopped = errors.New("stream: session stopped")

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sessionConfig struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// controlFrame is a protocol-control message the receive path asks the send
// path to emit.
type controlFrame struct {
	messageType int
	data        []byte
}

// Session owns one upgraded /ws connection. Its receive path and send path run
// concurrently; the send path is the only writer while the session is active.
// When either path ends the other is cancelled, and once both have returned a
// best-effort close frame is written.
type Session struct {
	id      string
	conn    *websocket.Conn
	hub     *hub.Hub
	sub     *hub.Subscriber
	cfg     sessionConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	control chan controlFrame
	state   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// deadlineMu serializes read-deadline updates so that stop always wins
	// over a concurrent keepalive extension.
	deadlineMu sync.Mutex
	stopped    bool

	done chan struct{}
}

func newSession(conn *websocket.Conn, h *hub.Hub, cfg sessionConfig, logger *slog.Logger, m *metrics.Metrics) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		hub:     h,
		cfg:     cfg,
		metrics: m,
		control: make(chan controlFrame, controlQueueSize),
		done:    make(chan struct{}),
	}
	s.log = logger.With("session_id", s.id)
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// run drives the session until both paths have ended. It returns the error
// that ended the first path.
func (s *Session) run(parent context.Context) error {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.cancel()

	s.sub = s.hub.Subscribe()
	s.installHandlers()
	s.extendReadDeadline()
	s.setState(StateActive)
	s.metrics.Inc(metrics.WSSessionsOpened)
	s.log.Info("ws_session_opened", "remote_addr", s.conn.RemoteAddr().String())

	errCh := make(chan error, 2)
	go func() { errCh <- s.receiveLoop() }()
	go func() { errCh <- s.sendLoop() }()

	first := <-errCh
	s.setState(StateClosing)
	s.stop()
	s.awaitPath(errCh)

	s.sub.Close()
	code, reason := closeCodeFor(first)
	s.writeClose(code, reason)
	_ = s.conn.Close()

	s.setState(StateClosed)
	close(s.done)
	s.metrics.Inc(metrics.WSSessionsClosed)
	s.log.Info("ws_session_closed", "close_code", code, "reason", describeEnd(first))
	return first
}

// stop cancels both paths. Both are unblocked by expiring the socket deadlines
// rather than closing it: the receive path's read returns at once, and a send
// path stuck writing to a peer that stopped reading returns instead of waiting
// out WriteTimeout. writeClose sets a fresh deadline for the close frame.
func (s *Session) stop() {
	s.cancel()

	s.deadlineMu.Lock()
	s.stopped = true
	s.deadlineMu.Unlock()
	s.expireDeadlines()
}

func (s *Session) expireDeadlines() {
	now := time.Now()
	s.deadlineMu.Lock()
	_ = s.conn.SetReadDeadline(now)
	s.deadlineMu.Unlock()
	// The websocket-level write deadline is only applied at the start of the
	// next write, so a write already in progress needs the socket's.
	_ = s.conn.NetConn().SetWriteDeadline(now)
}

// awaitPath waits for the path still running after stop. A send path that
// re-armed its write deadline between the cancel and the expiry is released
// by expiring the deadlines again.
func (s *Session) awaitPath(errCh <-chan error) {
	retry := time.NewTicker(stopRetryInterval)
	defer retry.Stop()
	for {
		select {
		case <-errCh:
			return
		case <-retry.C:
			s.expireDeadlines()
		}
	}
}

func (s *Session) extendReadDeadline() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.stopped {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
}

func (s *Session) installHandlers() {
	// Keepalive pings are answered by the send path.
	s.conn.SetPingHandler(func(appData string) error {
		s.extendReadDeadline()
		select {
		case s.control <- controlFrame{messageType: websocket.PongMessage, data: []byte(appData)}:
		default:
			s.log.Debug("ws_keepalive_ack_dropped")
		}
		return nil
	})
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	// The default close handler replies inline from the reader. The reply is
	// sent by run once both paths have ended instead.
	s.conn.SetCloseHandler(func(int, string) error { return nil })
}

func (s *Session) receiveLoop() error {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return errSessionStopped
			}
			return err
		}
		s.extendReadDeadline()

		if msgType != websocket.BinaryMessage {
			continue
		}
		if _, accepted := s.hub.Publish(msg); accepted {
			s.metrics.Inc(metrics.FramesIngestedWS)
			s.metrics.Inc(metrics.FramesPublished)
		}
	}
}

// sendLoop waits on whichever source is ready first: a frame from the
// subscriber, a queued control frame or the keepalive ticker. When several are
// ready at once Go's select picks one at random, so neither frames nor control
// traffic have priority over the other.
func (s *Session) sendLoop() error {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return errSessionStopped
		case <-s.sub.Done():
			return hub.ErrSubscriberClosed
		case <-s.sub.Ready():
			frame, lagged, ok := s.sub.TryNext()
			if !ok {
				continue
			}
			if lagged > 0 {
				s.metrics.Add(metrics.FramesLagged, lagged)
				s.log.Debug("ws_subscriber_lagged", "skipped", lagged)
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if s.ctx.Err() != nil {
					return errSessionStopped
				}
				return err
			}
			s.metrics.Inc(metrics.FramesSentWS)
		case ctrl := <-s.control:
			if err := s.conn.WriteControl(ctrl.messageType, ctrl.data, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return err
			}
			if ctrl.messageType == websocket.PongMessage {
				s.metrics.Inc(metrics.WSKeepaliveAcks)
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeClose(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.cfg.WriteTimeout))
}

func closeCodeFor(err error) (int, string) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		if closeErr.Code == websocket.CloseNoStatusReceived || closeErr.Code == websocket.CloseAbnormalClosure {
			return websocket.CloseNormalClosure, ""
		}
		return closeErr.Code, ""
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "frame too large"
	case errors.Is(err, errSessionStopped), errors.Is(err, hub.ErrSubscriberClosed):
		return websocket.CloseGoingAway, "server shutting down"
	case isTimeout(err):
		return websocket.CloseGoingAway, "idle timeout"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

func describeEnd(err error) string {
	var closeErr *websocket.CloseError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &closeErr):
		return "peer_closed"
	case errors.Is(err, errSessionStopped), errors.Is(err, hub.ErrSubscriberClosed):
		return "stopped"
	case isTimeout(err):
		return "idle_timeout"
	default:
		return err.Error()
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
