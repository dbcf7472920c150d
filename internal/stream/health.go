package stream

import (
	"net/http"

	"github.com/pycam/pycam-relay/internal/httpserver"
)

type healthResponse struct {
	Status         string `json:"status"`
	FramesReceived uint64 `json:"framesReceived"`
	HasFrame       bool   `json:"hasFrame"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, hasFrame := s.hub.Latest()
	httpserver.WriteJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		FramesReceived: s.hub.Published(),
		HasFrame:       hasFrame,
	})
}
