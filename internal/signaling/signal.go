// Package signaling decodes webrtc-signal messages relayed by the server.
// No peer connection is built here; a decoded Signal is handed to a Sink.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the signal type chosen by the sending peer.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

var ErrInvalidSignal = errors.New("signaling: invalid signal")

// Signal is one decoded webrtc-signal. Exactly one of Description and
// Candidate is set.
type Signal struct {
	Kind      Kind
	SessionID string
	From      string
	To        string

	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}

// Sink receives decoded signals. It runs on the connection's read goroutine.
type Sink interface {
	HandleSignal(sig Signal)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Signal)

func (f SinkFunc) HandleSignal(sig Signal) { f(sig) }

type fields struct {
	SignalType string          `json:"signalType"`
	SessionID  string          `json:"sessionId"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Data       json.RawMessage `json:"data"`
}

// wire accepts the flat form, where the signal kind sits in signalType beside
// the message type, and the nested {signal: {type, ...}} form.
type wire struct {
	fields
	Signal *struct {
		Type string `json:"type"`
		fields
	} `json:"signal"`
}

// Decode parses the body of a webrtc-signal message.
func Decode(raw []byte) (Signal, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}

	f := w.fields
	kind := f.SignalType
	if w.Signal != nil {
		f = w.Signal.fields
		kind = w.Signal.Type
		if w.Signal.SignalType != "" {
			kind = w.Signal.SignalType
		}
		if f.From == "" {
			f.From = w.From
		}
	}
	if len(f.Data) == 0 {
		return Signal{}, fmt.Errorf("%w: %q has no data", ErrInvalidSignal, kind)
	}

	sig := Signal{Kind: Kind(kind), SessionID: f.SessionID, From: f.From, To: f.To}

	switch sig.Kind {
	case KindOffer, KindAnswer:
		desc, err := decodeDescription(sig.Kind, f.Data)
		if err != nil {
			return Signal{}, err
		}
		sig.Description = desc
	case KindICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(f.Data, &cand); err != nil {
			return Signal{}, fmt.Errorf("decode ice candidate: %w", err)
		}
		if cand.Candidate == "" {
			return Signal{}, fmt.Errorf("%w: empty ice candidate", ErrInvalidSignal)
		}
		sig.Candidate = &cand
	default:
		return Signal{}, fmt.Errorf("%w: unknown signal type %q", ErrInvalidSignal, kind)
	}
	return sig, nil
}

// decodeDescription accepts either {type, sdp} or a bare SDP string.
func decodeDescription(kind Kind, data json.RawMessage) (*webrtc.SessionDescription, error) {
	sdpType := webrtc.SDPTypeOffer
	if kind == KindAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}

	var sdp string
	if err := json.Unmarshal(data, &sdp); err == nil {
		if sdp == "" {
			return nil, fmt.Errorf("%w: empty sdp", ErrInvalidSignal)
		}
		return &webrtc.SessionDescription{Type: sdpType, SDP: sdp}, nil
	}

	var body struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode session description: %w", err)
	}
	if body.SDP == "" {
		return nil, fmt.Errorf("%w: empty sdp", ErrInvalidSignal)
	}
	return &webrtc.SessionDescription{Type: sdpType, SDP: body.SDP}, nil
}
