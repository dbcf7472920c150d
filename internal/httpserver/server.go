// Package httpserver hosts the relay's HTTP surfaces on one listener: the
// operational endpoints, the middleware chain and the JSON error envelope
// shared by every handler.
package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pycam/pycam-relay/internal/config"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// ReadinessCheck returns nil while the surface it guards can accept work.
type ReadinessCheck func() error

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	serving   atomic.Bool
	startedAt time.Time

	checksMu sync.Mutex
	checks   map[string]ReadinessCheck

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		checks: make(map[string]ReadinessCheck),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", s.handleVersion)

	s.srv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: chain(s.mux,
			recoverMiddleware(s.log),
			requestIDMiddleware(),
			requestLoggerMiddleware(s.log),
			corsMiddleware(cfg.AllowedOrigins),
		),
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /ws and /stream are long-lived.
	}
	return s
}

// Mux is where the relay surfaces register their routes. Routes must be
// registered before Serve.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler is the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// AddReadinessCheck makes /readyz report not-ready while check fails.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checksMu.Lock()
	s.checks[name] = check
	s.checksMu.Unlock()
}

func (s *Server) Serve(l net.Listener) error {
	s.startedAt = time.Now()
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String(), "relay_mode", s.cfg.RelayMode)
	return s.srv.Serve(l)
}

// Shutdown flips /readyz to not-ready, then stops the listener and waits for
// in-flight requests. Hijacked /ws connections are not tracked here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type readinessResponse struct {
	Ready     bool              `json:"ready"`
	RelayMode config.RelayMode  `json:"relayMode"`
	Failing   map[string]string `json:"failing,omitempty"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{RelayMode: s.cfg.RelayMode}
	failing := map[string]string{}
	if !s.serving.Load() {
		failing["listener"] = "not serving"
	}

	s.checksMu.Lock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.checksMu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		s.checksMu.Lock()
		check := s.checks[name]
		s.checksMu.Unlock()
		if err := check(); err != nil {
			failing[name] = err.Error()
		}
	}

	status := http.StatusOK
	resp.Ready = len(failing) == 0
	if !resp.Ready {
		resp.Failing = failing
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

type versionResponse struct {
	BuildInfo
	GoVersion     string           `json:"goVersion"`
	RelayMode     config.RelayMode `json:"relayMode"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	var uptime int64
	if s.serving.Load() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	WriteJSON(w, http.StatusOK, versionResponse{
		BuildInfo:     s.build,
		GoVersion:     runtime.Version(),
		RelayMode:     s.cfg.RelayMode,
		UptimeSeconds: uptime,
	})
}

type Middleware func(http.Handler) http.Handler

// chain applies middlewares so the first one listed runs outermost.
func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("http_handler_panic", "path", r.URL.Path, "recover", rec, "stack", string(debug.Stack()))
				WriteJSONError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					id = hex.EncodeToString(buf[:])
				}
			}
			if id != "" {
				r.Header.Set("X-Request-ID", id)
				w.Header().Set("X-Request-ID", id)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseRecorder captures the status and size of a response for the request
// log. It stays transparent to the handlers below it: Hijack is forwarded for
// the /ws upgrade, and Unwrap lets http.ResponseController reach Flush and the
// write deadline for /stream.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			logger.Debug("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message})
}
