package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pycam/pycam-relay/internal/httpserver"
	"github.com/pycam/pycam-relay/internal/metrics"
)

const defaultMaxMessageBytes = 64 * 1024

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Mailbox is shared by every handler. If nil, NewServer allocates one.
	Mailbox *Mailbox
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes caps a single send request body.
	MaxMessageBytes int64
}

// Server exposes the mailbox to the two roles.
//
// Endpoints:
//   - POST /mobile/send     : queue a message for the desktop
//   - GET  /mobile/receive  : drain messages queued by the desktop
//   - POST /desktop/send    : queue a message for the mobile device
//   - GET  /desktop/receive : drain messages queued by the mobile device
type Server struct {
	mailbox         *Mailbox
	log             *slog.Logger
	metrics         *metrics.Metrics
	maxMessageBytes int64
}

func NewServer(cfg Config) *Server {
	mailbox := cfg.Mailbox
	if mailbox == nil {
		mailbox = NewMailbox()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Server{
		mailbox:         mailbox,
		log:             logger,
		metrics:         cfg.Metrics,
		maxMessageBytes: maxBytes,
	}
}

func (s *Server) Mailbox() *Mailbox { return s.mailbox }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	for _, role := range []Role{RoleMobile, RoleDesktop} {
		mux.HandleFunc("POST /"+string(role)+"/send", s.handleSend(role))
		mux.HandleFunc("GET /"+string(role)+"/receive", s.handleReceive(role))
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleSend(role Role) http.HandlerFunc {
	dir := role.Outbound()
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
		if err != nil {
			s.metrics.Inc(metrics.SignalingMessagesRejected)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpserver.WriteJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "signaling message too large")
				return
			}
			httpserver.WriteJSONError(w, http.StatusBadRequest, "bad_message", "failed to read request body")
			return
		}

		msg, err := ParseMessage(body)
		if err != nil {
			s.metrics.Inc(metrics.SignalingMessagesRejected)
			s.log.Debug("signaling_message_rejected", "role", role, "err", err)
			httpserver.WriteJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
			return
		}

		pending := s.mailbox.Push(dir, msg)
		s.metrics.Inc(metrics.SignalingMessagesQueued)
		s.log.Debug("signaling_message_queued",
			"role", role,
			"direction", dir,
			"type", msg.Type,
			"pending", pending,
		)
		httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleReceive(role Role) http.HandlerFunc {
	dir := role.Inbound()
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := s.mailbox.DrainAll(dir)
		if len(msgs) > 0 {
			s.metrics.Add(metrics.SignalingMessagesDrained, uint64(len(msgs)))
			s.log.Debug("signaling_messages_drained", "role", role, "direction", dir, "count", len(msgs))
		}
		httpserver.WriteJSON(w, http.StatusOK, msgs)
	}
}
