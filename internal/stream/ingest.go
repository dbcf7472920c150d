package stream

import (
	"errors"
	"io"
	"net/http"

	"github.com/pycam/pycam-relay/internal/httpserver"
	"github.com/pycam/pycam-relay/internal/metrics"
)

// handleFrame publishes the raw request body as a single frame. Publishing is
// best-effort, so any body that fits within the size cap is acknowledged.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxFrameBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpserver.WriteJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "frame too large")
			return
		}
		httpserver.WriteJSONError(w, http.StatusBadRequest, "bad_message", "failed to read request body")
		return
	}

	delivered, accepted := s.hub.Publish(frame)
	if accepted {
		s.metrics.Inc(metrics.FramesIngestedHTTP)
		s.metrics.Inc(metrics.FramesPublished)
	}
	s.log.Debug("frame_ingested", "bytes", len(frame), "subscribers", delivered, "accepted", accepted)

	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
