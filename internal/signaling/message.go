package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
)

// ErrMalformedMessage is returned when a payload is not one of the three
// signaling message shapes.
var ErrMalformedMessage = errors.New("signaling: malformed message")

// Message is a tagged union of the handshake payloads relayed between roles:
//
//	{"type":"offer","sdp":"<text>"}
//	{"type":"answer","sdp":"<text>"}
//	{"type":"ice-candidate","candidate":<any JSON value>}
//
// SDP is only meaningful for offers and answers; Candidate only for ICE
// candidates. The relay treats both as opaque.
type Message struct {
	Type      MessageType
	SDP       string
	Candidate json.RawMessage
}

func Offer(sdp string) Message  { return Message{Type: MessageTypeOffer, SDP: sdp} }
func Answer(sdp string) Message { return Message{Type: MessageTypeAnswer, SDP: sdp} }

// ICECandidate wraps an already-encoded candidate value.
func ICECandidate(candidate json.RawMessage) Message {
	return Message{Type: MessageTypeICECandidate, Candidate: candidate}
}

type sdpWire struct {
	Type MessageType `json:"type"`
	SDP  string      `json:"sdp"`
}

type candidateWire struct {
	Type      MessageType     `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		return json.Marshal(sdpWire{Type: m.Type, SDP: m.SDP})
	case MessageTypeICECandidate:
		candidate := m.Candidate
		if len(candidate) == 0 {
			candidate = json.RawMessage("null")
		}
		return json.Marshal(candidateWire{Type: m.Type, Candidate: candidate})
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrMalformedMessage, m.Type)
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      *string         `json:"type"`
		SDP       *string         `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw.Type == nil {
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch t := MessageType(*raw.Type); t {
	case MessageTypeOffer, MessageTypeAnswer:
		if raw.SDP == nil {
			return fmt.Errorf("%w: %s message missing sdp", ErrMalformedMessage, t)
		}
		*m = Message{Type: t, SDP: *raw.SDP}
	case MessageTypeICECandidate:
		if raw.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate message missing candidate", ErrMalformedMessage)
		}
		*m = Message{Type: t, Candidate: append(json.RawMessage(nil), raw.Candidate...)}
	default:
		return fmt.Errorf("%w: unsupported message type %q", ErrMalformedMessage, t)
	}
	return nil
}

// ParseMessage decodes exactly one message from data. Unknown fields are
// ignored; trailing data is not.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformedMessage)
	}
	return msg, nil
}

// SessionDescriptionFromPion converts a local description produced by pion
// into an offer or answer message.
func SessionDescriptionFromPion(desc webrtc.SessionDescription) (Message, error) {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return Offer(desc.SDP), nil
	case webrtc.SDPTypeAnswer:
		return Answer(desc.SDP), nil
	default:
		return Message{}, fmt.Errorf("unsupported sdp type %q", desc.Type.String())
	}
}

func (m Message) ToPionSessionDescription() (webrtc.SessionDescription, error) {
	switch m.Type {
	case MessageTypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}, nil
	case MessageTypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("message type %q is not a session description", m.Type)
	}
}

func CandidateFromPion(init webrtc.ICECandidateInit) (Message, error) {
	b, err := json.Marshal(init)
	if err != nil {
		return Message{}, fmt.Errorf("encode ice candidate: %w", err)
	}
	return ICECandidate(b), nil
}

func (m Message) ToPionCandidate() (webrtc.ICECandidateInit, error) {
	if m.Type != MessageTypeICECandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("message type %q is not an ice candidate", m.Type)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Candidate, &init); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	return init, nil
}
