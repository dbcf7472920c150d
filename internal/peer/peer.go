package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pycam/pycam-relay/internal/signaling"
)

type Config struct {
	// Client talks to the relay mailbox. Its Role decides whether the peer
	// offers (mobile) or answers (desktop).
	Client *signaling.Client

	// API builds the PeerConnection. Defaults to NewAPI with Logger.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Logger       *slog.Logger
	PollInterval time.Duration
}

// Peer is the role-independent half of Answerer and Offerer.
type Peer struct {
	role   signaling.Role
	client *signaling.Client
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	onState   func(webrtc.PeerConnectionState)

	connected     chan struct{}
	connectedOnce sync.Once
	closeOnce     sync.Once
}

func newPeer(cfg Config, want signaling.Role) (*Peer, error) {
	if cfg.Client == nil {
		return nil, errors.New("peer: signaling client is required")
	}
	if cfg.Client.Role != want {
		return nil, fmt.Errorf("peer: signaling client role is %q, want %q", cfg.Client.Role, want)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = NewAPI(APIOptions{Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = signaling.DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		role:         want,
		client:       cfg.Client,
		pc:           pc,
		log:          logger.With("role", string(want)),
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
		connected:    make(chan struct{}),
	}

	pc.OnICECandidate(p.forwardCandidate)
	pc.OnConnectionStateChange(p.handleStateChange)
	return p, nil
}

// PeerConnection exposes the underlying pion connection.
func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// OnDataChannel registers fn for data channels opened by the remote peer.
func (p *Peer) OnDataChannel(fn func(*webrtc.DataChannel)) { p.pc.OnDataChannel(fn) }

// OnTrack registers fn for media tracks sent by the remote peer.
func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { p.pc.OnTrack(fn) }

// OnConnectionStateChange registers fn for connection state transitions.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Connected is closed once the peer connection first reaches the connected
// state.
func (p *Peer) Connected() <-chan struct{} { return p.connected }

// Close stops polling and closes the peer connection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.pc.Close()
	})
	return err
}

func (p *Peer) handleStateChange(state webrtc.PeerConnectionState) {
	p.log.Info("peer_connection_state", "state", state.String())
	if state == webrtc.PeerConnectionStateConnected {
		p.connectedOnce.Do(func() { close(p.connected) })
	}

	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *Peer) forwardCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	msg, err := signaling.CandidateFromPion(c.ToJSON())
	if err != nil {
		p.log.Warn("ice_candidate_encode_failed", "err", err)
		return
	}
	if err := p.client.Send(p.ctx, msg); err != nil && p.ctx.Err() == nil {
		p.log.Warn("ice_candidate_send_failed", "err", err)
	}
}

// poll drains the mailbox until ctx or the peer is done.
func (p *Peer) poll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := p.client.Poll(ctx, p.pollInterval, p.handleMessage, func(err error) {
		p.log.Warn("signaling_poll_failed", "err", err)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleMessage applies one inbound signaling message. Per-message failures
// are logged and skipped so a single bad candidate does not end the session.
func (p *Peer) handleMessage(msg signaling.Message) error {
	var err error
	switch msg.Type {
	case signaling.MessageTypeOffer:
		if p.role != signaling.RoleDesktop {
			p.log.Warn("signaling_unexpected_message", "type", msg.Type)
			return nil
		}
		err = p.acceptOffer(msg)
	case signaling.MessageTypeAnswer:
		if p.role != signaling.RoleMobile {
			p.log.Warn("signaling_unexpected_message", "type", msg.Type)
			return nil
		}
		err = p.setRemoteDescription(msg)
	case signaling.MessageTypeICECandidate:
		err = p.addCandidate(msg)
	}
	if err != nil {
		p.log.Warn("signaling_message_failed", "type", msg.Type, "err", err)
	}
	return nil
}

func (p *Peer) acceptOffer(msg signaling.Message) error {
	if err := p.setRemoteDescription(msg); err != nil {
		return err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	out, err := signaling.SessionDescriptionFromPion(answer)
	if err != nil {
		return err
	}
	if err := p.client.Send(p.ctx, out); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	p.log.Info("signaling_answer_sent")
	return nil
}

// setRemoteDescription applies an offer or answer and then flushes candidates
// that arrived before it.
func (p *Peer) setRemoteDescription(msg signaling.Message) error {
	desc, err := msg.ToPionSessionDescription()
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", msg.Type, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn("ice_candidate_add_failed", "err", err)
		}
	}
	return nil
}

func (p *Peer) addCandidate(msg signaling.Message) error {
	init, err := msg.ToPionCandidate()
	if err != nil {
		return err
	}
	// An empty candidate marks the end of the remote peer's gathering.
	if init.Candidate == "" {
		return nil
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) pendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
