// Package stream serves the frame broadcast surface of the relay: frame ingest
// over HTTP, duplex /ws sessions, the MJPEG viewer and the stream health endpoint.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pycam/pycam-relay/internal/hub"
	"github.com/pycam/pycam-relay/internal/metrics"
)

const (
	defaultMaxFrameBytes = 8 << 20
	defaultPingInterval  = 20 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultStreamFPS     = 30
)

// Config wires together the runtime dependencies for the stream service.
type Config struct {
	// Hub is shared by every handler. If nil, NewServer allocates one with
	// the default backlog.
	Hub     *hub.Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxFrameBytes caps POST /frame bodies and inbound /ws messages.
	MaxFrameBytes int64

	PingInterval time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// StreamFPS is how often /stream repeats the latest frame while no newer
	// frame arrives.
	StreamFPS int
}

// Server exposes the hub.
//
// Endpoints:
//   - POST /frame  : publish the raw request body as one frame
//   - GET  /ws     : duplex session; receives every published frame, may publish
//   - GET  /stream : multipart/x-mixed-replace MJPEG viewer
//   - GET  /health : frame counters
type Server struct {
	hub     *hub.Hub
	log     *slog.Logger
	metrics *metrics.Metrics

	maxFrameBytes int64
	sessionCfg    sessionConfig
	frameInterval time.Duration

	upgrader websocket.Upgrader

	// ctx is cancelled by Shutdown so long-lived handlers return.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	viewers atomic.Int64
}

func NewServer(cfg Config) *Server {
	h := cfg.Hub
	if h == nil {
		h = hub.New(hub.DefaultCapacity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	sessionCfg := sessionConfig{
		PingInterval: cfg.PingInterval,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if sessionCfg.PingInterval <= 0 {
		sessionCfg.PingInterval = defaultPingInterval
	}
	if sessionCfg.IdleTimeout <= 0 {
		sessionCfg.IdleTimeout = defaultIdleTimeout
	}
	if sessionCfg.WriteTimeout <= 0 {
		sessionCfg.WriteTimeout = defaultWriteTimeout
	}
	fps := cfg.StreamFPS
	if fps <= 0 {
		fps = defaultStreamFPS
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:           h,
		log:           logger,
		metrics:       cfg.Metrics,
		maxFrameBytes: maxFrameBytes,
		sessionCfg:    sessionCfg,
		frameInterval: time.Second / time.Duration(fps),
		ctx:           ctx,
		cancel:        cancel,
		sessions:      make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Cross-origin policy is enforced by the HTTP middleware before the
		// upgrade is attempted.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func (s *Server) Hub() *hub.Hub { return s.hub }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /frame", s.handleFrame)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveSessions reports the number of /ws sessions that have not yet closed.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ErrShuttingDown is reported by Ready once Shutdown has begun.
var ErrShuttingDown = errors.New("stream server shutting down")

// Ready returns ErrShuttingDown once Shutdown has been called, or when the hub
// no longer accepts frames.
func (s *Server) Ready() error {
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}
	if s.hub.Closed() {
		return hub.ErrClosed
	}
	return nil
}

// ActiveViewers reports the number of connected /stream viewers.
func (s *Server) ActiveViewers() int {
	return int(s.viewers.Load())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.log.Debug("ws_upgrade_failed", "err", err)
		return
	}
	conn.SetReadLimit(s.maxFrameBytes)

	sess := newSession(conn, s.hub, s.sessionCfg, s.log, s.metrics)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(s.sessionCfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		s.wg.Done()
	}()

	_ = sess.run(s.ctx)
}

// Shutdown stops every /ws session and /stream viewer, then waits for the
// sessions to send their close frames or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
