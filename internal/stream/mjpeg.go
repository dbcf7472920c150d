package stream

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pycam/pycam-relay/internal/metrics"
)

const mjpegBoundary = "frame"

// handleStream serves the hub as a multipart/x-mixed-replace MJPEG stream.
// The latest frame is written immediately and then repeated once per frame
// interval until a newer one arrives.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	sub := s.hub.Subscribe()
	defer sub.Close()

	s.viewers.Add(1)
	defer s.viewers.Add(-1)
	s.metrics.Inc(metrics.StreamViewersOpened)
	s.log.Info("stream_viewer_opened", "remote_addr", r.RemoteAddr)
	defer s.log.Info("stream_viewer_closed", "remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	write := func(frame []byte) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(s.sessionCfg.WriteTimeout))
		if err := writeMJPEGPart(w, frame); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	last, ok := s.hub.Latest()
	if ok && !write(last) {
		return
	}

	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case <-sub.Done():
			return
		case <-sub.Ready():
			frame, lagged, ok := sub.TryNext()
			if !ok {
				continue
			}
			if lagged > 0 {
				s.metrics.Add(metrics.FramesLagged, lagged)
			}
			last = frame
			if !write(frame) {
				return
			}
			ticker.Reset(s.frameInterval)
		case <-ticker.C:
			if last == nil {
				continue
			}
			if !write(last) {
				return
			}
		}
	}
}

func writeMJPEGPart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
