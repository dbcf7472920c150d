package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pycam/pycam-relay/internal/config"
	"github.com/pycam/pycam-relay/internal/hub"
	"github.com/pycam/pycam-relay/internal/httpserver"
	"github.com/pycam/pycam-relay/internal/metrics"
	"github.com/pycam/pycam-relay/internal/signaling"
	"github.com/pycam/pycam-relay/internal/stream"
)

// relay composes the surfaces selected by the relay mode onto one
// httpserver.Server. The mailbox and hub are created once here and shared by
// every handler.
type relay struct {
	srv     *httpserver.Server
	metrics *metrics.Metrics

	signaling *signaling.Server
	stream    *stream.Server
}

func newRelay(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) *relay {
	r := &relay{
		srv:     httpserver.New(cfg, logger, build),
		metrics: metrics.New(),
	}

	var gauges []metrics.Gauge

	if cfg.RelayMode.Signaling() {
		r.signaling = signaling.NewServer(signaling.Config{
			Mailbox:         signaling.NewMailbox(),
			Logger:          logger,
			Metrics:         r.metrics,
			MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		})
		r.signaling.RegisterRoutes(r.srv.Mux())

		mailbox := r.signaling.Mailbox()
		gauges = append(gauges,
			metrics.Gauge{
				Name:  "pycam_relay_signaling_pending_to_desktop",
				Help:  "Signaling messages queued by the mobile role and not yet drained.",
				Value: func() float64 { return float64(mailbox.Len(signaling.MobileToDesktop)) },
			},
			metrics.Gauge{
				Name:  "pycam_relay_signaling_pending_to_mobile",
				Help:  "Signaling messages queued by the desktop role and not yet drained.",
				Value: func() float64 { return float64(mailbox.Len(signaling.DesktopToMobile)) },
			},
		)
	}

	if cfg.RelayMode.Stream() {
		r.stream = stream.NewServer(stream.Config{
			Hub:           hub.New(hub.DefaultCapacity),
			Logger:        logger,
			Metrics:       r.metrics,
			MaxFrameBytes: cfg.MaxFrameBytes,
			PingInterval:  cfg.WSPingInterval,
			IdleTimeout:   cfg.WSIdleTimeout,
			WriteTimeout:  cfg.WSWriteTimeout,
			StreamFPS:     cfg.StreamFPS,
		})
		r.stream.RegisterRoutes(r.srv.Mux())
		r.srv.AddReadinessCheck("stream", r.stream.Ready)

		st := r.stream
		gauges = append(gauges,
			metrics.Gauge{
				Name:  "pycam_relay_ws_sessions_active",
				Help:  "Open /ws sessions.",
				Value: func() float64 { return float64(st.ActiveSessions()) },
			},
			metrics.Gauge{
				Name:  "pycam_relay_stream_viewers_active",
				Help:  "Open /stream viewers.",
				Value: func() float64 { return float64(st.ActiveViewers()) },
			},
			metrics.Gauge{
				Name:  "pycam_relay_hub_subscribers",
				Help:  "Current frame hub subscribers.",
				Value: func() float64 { return float64(st.Hub().SubscriberCount()) },
			},
		)
	}

	r.srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(r.metrics, gauges...))
	return r
}

// shutdown stops accepting requests, then ends the long-lived stream
// connections, which http.Server.Shutdown does not wait for or close.
func (r *relay) shutdown(ctx context.Context) error {
	var errs []error
	if r.stream != nil {
		// Viewers and sessions must end before the HTTP server can go idle.
		if err := r.stream.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
