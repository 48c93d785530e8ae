package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind tags the ControlEvent variant.
type EventKind int

const (
	KindTouch EventKind = iota + 1
	KindKey
	KindScroll
)

func (k EventKind) String() string {
	switch k {
	case KindTouch:
		return "touch"
	case KindKey:
		return "key"
	case KindScroll:
		return "scroll"
	default:
		return "unknown"
	}
}

// TouchAction is one of down, up, move.
type TouchAction string

const (
	TouchDown TouchAction = "down"
	TouchUp   TouchAction = "up"
	TouchMove TouchAction = "move"
)

// KeyAction is one of down, up.
type KeyAction string

const (
	KeyDown KeyAction = "down"
	KeyUp   KeyAction = "up"
)

type Touch struct {
	Action   TouchAction `json:"action"`
	X        float32     `json:"x"`
	Y        float32     `json:"y"`
	Pressure float32     `json:"pressure,omitempty"`
}

type Key struct {
	Action    KeyAction `json:"action"`
	KeyCode   int       `json:"keyCode"`
	MetaState int       `json:"metaState,omitempty"`
}

// Scroll is positioned at (X, Y) and moves by (DeltaX, DeltaY) pixels.
type Scroll struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	DeltaX float32 `json:"deltaX"`
	DeltaY float32 `json:"deltaY"`
}

// ControlEvent is a decoded input event. Only the field matching Kind is
// meaningful. Timestamp is the local receipt time (monotonic); SentAt is the
// sender's millisecond clock when it supplied one.
type ControlEvent struct {
	Kind   EventKind
	Touch  Touch
	Key    Key
	Scroll Scroll

	Timestamp time.Time
	SentAt    int64
	From      string
}

// wireControlEvent covers both shapes seen on the wire: the flat form with
// touchData/keyData/scrollData beside the message type, and the nested
// {event: {type, data}} form relayed by the server.
type wireControlEvent struct {
	TouchData  *Touch       `json:"touchData"`
	KeyData    *Key         `json:"keyData"`
	ScrollData *Scroll      `json:"scrollData"`
	Timestamp  int64        `json:"timestamp"`
	From       string       `json:"from"`
	Event      *nestedEvent `json:"event"`
}

type nestedEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeControlEvent parses the body of a control-event message.
func DecodeControlEvent(raw []byte) (ControlEvent, error) {
	var w wireControlEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return ControlEvent{}, fmt.Errorf("decode control event: %w", err)
	}

	ev := ControlEvent{Timestamp: time.Now(), SentAt: w.Timestamp, From: w.From}

	switch {
	case w.TouchData != nil:
		ev.Kind, ev.Touch = KindTouch, *w.TouchData
	case w.KeyData != nil:
		ev.Kind, ev.Key = KindKey, *w.KeyData
	case w.ScrollData != nil:
		ev.Kind, ev.Scroll = KindScroll, *w.ScrollData
	case w.Event != nil:
		if err := decodeNested(w.Event, &ev); err != nil {
			return ControlEvent{}, err
		}
	default:
		return ControlEvent{}, fmt.Errorf("%w: no touchData, keyData or scrollData", ErrInvalidEvent)
	}

	if err := ev.validate(); err != nil {
		return ControlEvent{}, err
	}
	return ev, nil
}

func decodeNested(n *nestedEvent, ev *ControlEvent) error {
	if n.Timestamp != 0 && ev.SentAt == 0 {
		ev.SentAt = n.Timestamp
	}
	if len(n.Data) == 0 {
		return fmt.Errorf("%w: %s event has no data", ErrInvalidEvent, n.Type)
	}

	var err error
	switch n.Type {
	case "touch":
		ev.Kind = KindTouch
		err = json.Unmarshal(n.Data, &ev.Touch)
	case "key":
		ev.Kind = KindKey
		err = json.Unmarshal(n.Data, &ev.Key)
	case "scroll":
		ev.Kind = KindScroll
		err = json.Unmarshal(n.Data, &ev.Scroll)
	default:
		return fmt.Errorf("%w: unsupported event type %q", ErrInvalidEvent, n.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s data: %w", n.Type, err)
	}
	return nil
}

func (e ControlEvent) validate() error {
	switch e.Kind {
	case KindTouch:
		switch e.Touch.Action {
		case TouchDown, TouchUp, TouchMove:
		default:
			return fmt.Errorf("%w: touch action %q", ErrInvalidEvent, e.Touch.Action)
		}
	case KindKey:
		switch e.Key.Action {
		case KeyDown, KeyUp:
		default:
			return fmt.Errorf("%w: key action %q", ErrInvalidEvent, e.Key.Action)
		}
	}
	return nil
}
