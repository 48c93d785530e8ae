package websocket

import (
	"errors"

	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/notify"
	"github.com/breeze-rmm/guest-agent/internal/protocol"
	"github.com/breeze-rmm/guest-agent/internal/signaling"
)

var ErrUnknownType = errors.New("websocket: unknown message type")

// handleMessage processes one inbound text frame on the read goroutine.
// Protocol errors drop the message; they never close the connection.
func (m *Manager) handleMessage(c *conn, data []byte) {
	clog := logging.WithConn(log, c.id)

	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		m.protocolErrors.Add(1)
		clog.Warn("dropping malformed message", logging.KeyError, err)
		return
	}
	clog = clog.With(logging.KeyMessageType, msg.Type)

	if err := m.route(c, msg); err != nil {
		m.protocolErrors.Add(1)
		clog.Warn("dropping message", logging.KeyError, err)
	}
}

func (m *Manager) route(c *conn, msg protocol.Inbound) error {
	switch msg.Type {
	case protocol.TypeAuthSuccess:
		return m.onAuthSuccess(c, msg)
	case protocol.TypeSessionCreated:
		return m.onSessionCreated(c, msg)
	case protocol.TypeSessionEnded:
		return m.onSessionEnded(c)
	case protocol.TypeControllerJoined:
		id, err := msg.Controller()
		if err != nil {
			return err
		}
		logging.WithConn(log, c.id).Info("controller joined", "controllerId", id)
		if m.notifier != nil {
			m.notifier.OnControllerJoined(id)
		}
	case protocol.TypePeerDisconnected:
		logging.WithConn(log, c.id).Info("controller left", "userId", msg.UserID)
		if n, ok := m.notifier.(notify.ControllerLeftNotifier); ok {
			n.OnControllerLeft(msg.UserID)
		}
	case protocol.TypeControlEvent:
		ev, err := protocol.DecodeControlEvent(msg.Raw)
		if err != nil {
			return err
		}
		m.bus.ControlEvent.Publish(ev)
	case protocol.TypeQualityChange:
		q, err := msg.QualityPreset()
		if err != nil {
			return err
		}
		m.bus.QualityChange.Publish(q)
	case protocol.TypeWebRTCSignal:
		sig, err := signaling.Decode(msg.Raw)
		if err != nil {
			return err
		}
		if m.signals == nil {
			logging.WithConn(log, c.id).Debug("webrtc signal ignored, no peer transport", "signalType", sig.Kind)
			return nil
		}
		m.signals.HandleSignal(sig)
	case protocol.TypeError:
		logging.WithConn(log, c.id).Warn("server reported error", "message", msg.ErrorText())
	case protocol.TypePong:
	default:
		return ErrUnknownType
	}
	return nil
}

func (m *Manager) onAuthSuccess(c *conn, msg protocol.Inbound) error {
	token, err := msg.AuthToken()
	if err != nil {
		return err
	}
	if !m.advance(c, StateAuthenticating, StateAwaitingSession) {
		return errOutOfOrder(m.State())
	}
	if err := m.store.SetAuthToken(token); err != nil {
		logging.WithConn(log, c.id).Error("failed to persist auth token", logging.KeyError, err)
	}
	logging.WithConn(log, c.id).Info("authenticated")
	return m.requestSession(c)
}

func (m *Manager) onSessionCreated(c *conn, msg protocol.Inbound) error {
	code, err := msg.Code()
	if err != nil {
		return err
	}
	if !m.advance(c, StateAwaitingSession, StateActive) && !m.advance(c, StateActive, StateActive) {
		return errOutOfOrder(m.State())
	}
	if err := m.store.SetCurrentSession(code); err != nil {
		logging.WithConn(log, c.id).Error("failed to persist session code", logging.KeyError, err)
	}
	logging.WithConn(log, c.id).Info("session created", logging.KeySessionCode, code)
	if m.notifier != nil {
		m.notifier.OnSessionCode(code)
	}
	return nil
}

// onSessionEnded clears the session and asks for a new one on the same
// connection.
func (m *Manager) onSessionEnded(c *conn) error {
	if !m.advance(c, StateActive, StateAwaitingSession) {
		return errOutOfOrder(m.State())
	}
	if err := m.store.EndSession(); err != nil {
		logging.WithConn(log, c.id).Error("failed to clear session", logging.KeyError, err)
	}
	logging.WithConn(log, c.id).Info("session ended by server")
	if n, ok := m.notifier.(notify.SessionEndedNotifier); ok {
		n.OnSessionEnded()
	}
	return m.requestSession(c)
}

// requestSession sends create-session. A failed queue write means the conn
// is unusable, so it is dropped and the handshake restarts on reconnect.
func (m *Manager) requestSession(c *conn) error {
	if err := m.sendJSON(c, protocol.TypeCreateSession, protocol.EncodeCreateSession); err != nil {
		m.drop(c, err)
	}
	return nil
}

type outOfOrderError struct {
	state State
}

func (e outOfOrderError) Error() string {
	return "message not expected in state " + e.state.String()
}

func errOutOfOrder(s State) error {
	return outOfOrderError{state: s}
}
