package peer

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/pycam/pycam-relay/internal/signaling"
)

// Answerer is the desktop role: it waits for the mobile device's offer and
// replies with an answer.
type Answerer struct {
	*Peer
}

func NewAnswerer(cfg Config) (*Answerer, error) {
	p, err := newPeer(cfg, signaling.RoleDesktop)
	if err != nil {
		return nil, err
	}
	return &Answerer{Peer: p}, nil
}

// Run polls the mailbox until ctx is done or the answerer is closed.
func (a *Answerer) Run(ctx context.Context) error {
	a.log.Info("signaling_waiting_for_offer", "poll_interval", a.pollInterval.String())
	return a.poll(ctx)
}

// Offerer is the mobile role: it opens a data channel, sends an offer and
// applies the desktop's answer.
type Offerer struct {
	*Peer
	dc *webrtc.DataChannel
}

func NewOfferer(cfg Config) (*Offerer, error) {
	p, err := newPeer(cfg, signaling.RoleMobile)
	if err != nil {
		return nil, err
	}
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &Offerer{Peer: p, dc: dc}, nil
}

// DataChannel is the channel negotiated by the offer.
func (o *Offerer) DataChannel() *webrtc.DataChannel { return o.dc }

// Run sends the offer and then polls for the answer and remote candidates
// until ctx is done or the offerer is closed.
func (o *Offerer) Run(ctx context.Context) error {
	offer, err := o.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := o.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	msg, err := signaling.SessionDescriptionFromPion(offer)
	if err != nil {
		return err
	}
	if err := o.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	o.log.Info("signaling_offer_sent")
	return o.poll(ctx)
}
