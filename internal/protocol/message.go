// Package protocol defines the JSON control messages exchanged with the relay
// server and the binary frame payload. Text WebSocket frames carry JSON with
// a "type" discriminator; binary frames carry one encoded image each with no
// envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type constants.
const (
	// Outbound
	TypeAuthenticate  = "authenticate"
	TypeCreateSession = "create-session"

	// Inbound
	TypeAuthSuccess      = "auth-success"
	TypeSessionCreated   = "session-created"
	TypeControllerJoined = "controller-joined"
	TypeControlEvent     = "control-event"
	TypeWebRTCSignal     = "webrtc-signal"
	TypeQualityChange    = "quality-change"
	TypeSessionEnded     = "session-ended"
	TypePeerDisconnected = "peer-disconnected"
	TypeError            = "error"
	TypePong             = "pong"
)

// RoleGuest is the only role this agent authenticates as.
const RoleGuest = "guest"

// MaxMessageSize bounds inbound text messages.
const MaxMessageSize = 512 * 1024

var (
	ErrMissingType  = errors.New("protocol: message has no type")
	ErrMissingField = errors.New("protocol: missing required field")
	ErrInvalidEvent = errors.New("protocol: invalid control event")
)

// DeviceInfo is sent once with every authenticate message.
type DeviceInfo struct {
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	OSVersion    string `json:"androidVersion"`
	APILevel     int    `json:"sdkVersion"`
}

// Authenticate opens the handshake on a fresh connection.
type Authenticate struct {
	Type       string     `json:"type"`
	Role       string     `json:"role"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// CreateSession asks the server for a session code.
type CreateSession struct {
	Type string `json:"type"`
}

// EncodeAuthenticate returns the authenticate message for info.
func EncodeAuthenticate(info DeviceInfo) ([]byte, error) {
	return json.Marshal(Authenticate{Type: TypeAuthenticate, Role: RoleGuest, DeviceInfo: info})
}

// EncodeCreateSession returns the create-session message.
func EncodeCreateSession() ([]byte, error) {
	return json.Marshal(CreateSession{Type: TypeCreateSession})
}

// Inbound is a decoded server message. Only the fields relevant to Type are
// populated; Raw keeps the whole message for types with nested payloads.
type Inbound struct {
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	SessionCode  string `json:"sessionCode,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	ControllerID string `json:"controllerId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Quality      string `json:"quality,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeInbound parses a text frame. It fails on malformed JSON or a missing
// type; per-type field checks happen in the accessors below.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, ErrMissingType
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// AuthToken returns the token carried by auth-success.
func (m Inbound) AuthToken() (string, error) {
	if m.Token == "" {
		return "", fmt.Errorf("%s token: %w", m.Type, ErrMissingField)
	}
	return m.Token, nil
}

// Code returns the session code carried by session-created.
func (m Inbound) Code() (string, error) {
	if m.SessionCode == "" {
		return "", fmt.Errorf("%s sessionCode: %w", m.Type, ErrMissingField)
	}
	return m.SessionCode, nil
}

// Controller returns the controller id carried by controller-joined.
func (m Inbound) Controller() (string, error) {
	if m.ControllerID == "" {
		return "", fmt.Errorf("%s controllerId: %w", m.Type, ErrMissingField)
	}
	return m.ControllerID, nil
}

// QualityPreset returns the preset carried by quality-change.
func (m Inbound) QualityPreset() (string, error) {
	if m.Quality == "" {
		return "", fmt.Errorf("%s quality: %w", m.Type, ErrMissingField)
	}
	return m.Quality, nil
}

// ErrorText returns whichever of error/message the server filled in.
func (m Inbound) ErrorText() string {
	if m.Error != "" {
		return m.Error
	}
	return m.Message
}

// EncodedFrame is one compressed screen image ready for the wire.
type EncodedFrame struct {
	Data       []byte
	CapturedAt time.Time
}
