// pycam-receiver is a headless WebRTC peer that negotiates through a
// pycam-relay signaling mailbox. As the desktop role it answers the phone's
// offer and reports incoming tracks and data; as the mobile role it offers a
// data channel, which is useful for exercising a relay without a phone.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/pycam/pycam-relay/internal/config"
	"github.com/pycam/pycam-relay/internal/peer"
	"github.com/pycam/pycam-relay/internal/signaling"
)

func main() {
	cfg, err := config.LoadReceiver(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	role, err := signaling.ParseRole(cfg.Role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, role, logger); err != nil {
		pterm.Error.Printfln("receiver stopped: %v", err)
		os.Exit(1)
	}
	pterm.Info.Println("receiver closed")
}

func run(ctx context.Context, cfg config.ReceiverConfig, role signaling.Role, logger *slog.Logger) error {
	api, err := peer.NewAPI(peer.APIOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("build webrtc api: %w", err)
	}

	pcfg := peer.Config{
		Client:       signaling.NewClient(cfg.ServerURL, role),
		API:          api,
		ICEServers:   peer.ICEServers(cfg.STUNURLs),
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	}

	var (
		p       *peer.Peer
		runPeer func(context.Context) error
	)
	switch role {
	case signaling.RoleDesktop:
		a, err := peer.NewAnswerer(pcfg)
		if err != nil {
			return err
		}
		p, runPeer = a.Peer, a.Run
	case signaling.RoleMobile:
		o, err := peer.NewOfferer(pcfg)
		if err != nil {
			return err
		}
		dc := o.DataChannel()
		watchDataChannel(dc, func() {
			if err := dc.SendText("hello from pycam-receiver"); err != nil {
				pterm.Warning.Printfln("data channel send failed: %v", err)
			}
		})
		p, runPeer = o.Peer, o.Run
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.OnDataChannel(func(dc *webrtc.DataChannel) { watchDataChannel(dc, nil) })
	p.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go readTrack(ctx, track)
	})
	p.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			pterm.Success.Printfln("peer connected (%s)", role)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			pterm.Warning.Printfln("peer connection %s", state)
			cancel()
		default:
			pterm.Info.Printfln("peer connection %s", state)
		}
	})

	pterm.Info.Printfln("signaling via %s as %s", cfg.ServerURL, role)

	errCh := make(chan error, 1)
	go func() { errCh <- runPeer(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// Run returns once its poll loop observes ctx.
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			return nil
		}
	}
}

func watchDataChannel(dc *webrtc.DataChannel, onOpen func()) {
	var received atomic.Uint64
	dc.OnOpen(func() {
		pterm.Success.Printfln("data channel %q open", dc.Label())
		if onOpen != nil {
			onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		n := received.Add(1)
		if msg.IsString {
			pterm.Info.Printfln("data channel %q message #%d: %s", dc.Label(), n, msg.Data)
			return
		}
		pterm.Info.Printfln("data channel %q message #%d: %d bytes", dc.Label(), n, len(msg.Data))
	})
	dc.OnClose(func() {
		pterm.Warning.Printfln("data channel %q closed after %d messages", dc.Label(), received.Load())
	})
}

// readTrack drains a remote track and reports its throughput every second.
func readTrack(ctx context.Context, track *webrtc.TrackRemote) {
	pterm.Success.Printfln("receiving %s track (ssrc %d)", track.Codec().MimeType, track.SSRC())

	var rate atomic.Uint64
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rate.Swap(0); n > 0 {
					pterm.Info.Printfln("%s: %d B/s", track.Codec().MimeType, n)
				}
			}
		}
	}()

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			pterm.Warning.Printfln("%s track ended: %v", track.Codec().MimeType, err)
			return
		}
		rate.Add(uint64(n))
	}
}
