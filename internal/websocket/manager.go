// Package websocket owns the guest's single connection to the relay server.
// Text frames carry JSON control messages, binary frames carry encoded screen
// images. The Manager runs the authenticate/create-session handshake on every
// connection and reconnects after a fixed delay whenever the socket drops.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/guest-agent/internal/eventbus"
	"github.com/breeze-rmm/guest-agent/internal/logging"
	"github.com/breeze-rmm/guest-agent/internal/notify"
	"github.com/breeze-rmm/guest-agent/internal/protocol"
	"github.com/breeze-rmm/guest-agent/internal/session"
	"github.com/breeze-rmm/guest-agent/internal/signaling"
)

var log = logging.L("websocket")

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 10 * time.Second

	DefaultReconnectDelay = 5 * time.Second
	DefaultQueueSize      = 64
	DefaultFramesInFlight = 2
)

var (
	ErrNotReady  = errors.New("websocket: connection not ready")
	ErrQueueFull = errors.New("websocket: send queue full")
	ErrStopped   = errors.New("websocket: manager stopped")
)

// Config holds connection settings. Zero durations and sizes use defaults.
type Config struct {
	ServerURL      string
	ReconnectDelay time.Duration
	DeviceInfo     protocol.DeviceInfo

	// QueueSize bounds the per-connection outbound queue.
	QueueSize int
	// FramesInFlight bounds how many binary frames may sit in the queue.
	// Frames beyond it are dropped, not queued.
	FramesInFlight int
}

// Stats counts traffic since the manager was created.
type Stats struct {
	State          State
	Connects       uint64
	Reconnects     uint64
	MessagesIn     uint64
	MessagesOut    uint64
	ProtocolErrors uint64
	FramesSent     uint64
	FramesDropped  uint64
}

// Manager is the ConnectionManager. Construct with New, then Start.
type Manager struct {
	cfg      Config
	bus      *eventbus.Bus
	store    *session.Store
	notifier notify.Notifier
	signals  signaling.Sink
	dialer   websocket.Dialer

	state atomic.Int32

	mu               sync.Mutex
	current          *conn
	reconnectTimer   *time.Timer
	reconnectPending bool
	started          bool
	stopped          bool
	ctx              context.Context
	cancel           context.CancelFunc

	connects       atomic.Uint64
	reconnects     atomic.Uint64
	messagesIn     atomic.Uint64
	messagesOut    atomic.Uint64
	protocolErrors atomic.Uint64
	framesSent     atomic.Uint64
	framesDropped  atomic.Uint64
}

// New builds a Manager. notifier and signals may be nil.
func New(cfg Config, bus *eventbus.Bus, store *session.Store, notifier notify.Notifier, signals signaling.Sink) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FramesInFlight <= 0 {
		cfg.FramesInFlight = DefaultFramesInFlight
	}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		notifier: notifier,
		signals:  signals,
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Start subscribes to the frame channel and begins connecting. It returns
// immediately; connection failures are retried in the background.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.bus.Frame.Subscribe(m.handleFrame)
	go m.connect()
}

// Stop closes the socket and cancels any pending reconnect. The manager
// cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectPending = false
	c := m.current
	m.current = nil
	cancel := m.cancel
	m.mu.Unlock()

	m.bus.Frame.Unsubscribe()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.closeGracefully()
	}
	m.setState(StateDisconnected)
	log.Info("connection manager stopped")
}

// State is safe to call from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) Stats() Stats {
	return Stats{
		State:          m.State(),
		Connects:       m.connects.Load(),
		Reconnects:     m.reconnects.Load(),
		MessagesIn:     m.messagesIn.Load(),
		MessagesOut:    m.messagesOut.Load(),
		ProtocolErrors: m.protocolErrors.Load(),
		FramesSent:     m.framesSent.Load(),
		FramesDropped:  m.framesDropped.Load(),
	}
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		log.Debug("state changed", "from", prev.String(), logging.KeyState, s.String())
	}
}

// SendFrame queues one encoded frame. Frames are only sent on an Active
// session; otherwise, or when too many frames are already queued, the frame
// is dropped and an error returned.
func (m *Manager) SendFrame(data []byte) error {
	if m.State() != StateActive {
		m.framesDropped.Add(1)
		return ErrNotReady
	}
	c, stopped := m.currentConn()
	if stopped {
		m.framesDropped.Add(1)
		return ErrStopped
	}
	if c == nil {
		m.framesDropped.Add(1)
		return ErrNotReady
	}

	if c.frames.Add(1) > int32(m.cfg.FramesInFlight) {
		c.frames.Add(-1)
		m.framesDropped.Add(1)
		return ErrQueueFull
	}
	if err := c.enqueue(outbound{messageType: websocket.BinaryMessage, data: data}); err != nil {
		c.frames.Add(-1)
		m.framesDropped.Add(1)
		return err
	}
	return nil
}

func (m *Manager) handleFrame(f protocol.EncodedFrame) {
	if err := m.SendFrame(f.Data); errors.Is(err, ErrQueueFull) {
		log.Debug("frame dropped", logging.KeyError, err)
	}
}

func (m *Manager) currentConn() (*conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.stopped
}

func (m *Manager) connect() {
	if !m.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	id := uuid.NewString()
	clog := logging.WithConn(log, id)

	wsURL, err := buildWSURL(m.cfg.ServerURL)
	if err != nil {
		clog.Error("invalid server URL", logging.KeyError, err)
		m.connectFailed()
		return
	}

	header := http.Header{}
	if token := m.store.AuthToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := m.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		clog.Warn("connection failed", "server", wsURL, logging.KeyError, err)
		m.connectFailed()
		return
	}
	ws.SetReadLimit(protocol.MaxMessageSize)

	c := newConn(id, ws, m.cfg.QueueSize)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		c.closeGracefully()
		m.setState(StateDisconnected)
		return
	}
	m.current = c
	m.setState(StateAuthenticating)
	m.mu.Unlock()

	m.connects.Add(1)
	clog.Info("connected", "server", wsURL)

	go m.writePump(c)
	go m.readPump(c)

	if err := m.sendJSON(c, protocol.TypeAuthenticate, func() ([]byte, error) {
		return protocol.EncodeAuthenticate(m.cfg.DeviceInfo)
	}); err != nil {
		m.drop(c, fmt.Errorf("send authenticate: %w", err))
	}
}

// advance moves from one state to the next on behalf of c. It fails when c
// is no longer the current conn or the state has moved on.
func (m *Manager) advance(c *conn, from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != c || m.State() != from {
		return false
	}
	m.setState(to)
	return true
}

func (m *Manager) connectFailed() {
	m.setState(StateDisconnected)
	m.scheduleReconnect()
}

// drop handles a transport close or error on c. Only the first report for a
// given conn has any effect, and only if c is still the current conn.
func (m *Manager) drop(c *conn, err error) {
	if !c.close() {
		return
	}

	m.mu.Lock()
	if m.current != c {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.setState(StateDisconnected)
	stopped := m.stopped
	m.mu.Unlock()

	clog := logging.WithConn(log, c.id)
	if err != nil {
		clog.Warn("connection lost", logging.KeyError, err)
	} else {
		clog.Info("connection closed")
	}

	if !stopped {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer unless one is already pending.
// It reports whether a timer was armed.
func (m *Manager) scheduleReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.reconnectPending {
		return false
	}
	m.reconnectPending = true
	m.reconnects.Add(1)
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, m.fireReconnect)
	log.Info("reconnect scheduled", "delay", m.cfg.ReconnectDelay)
	return true
}

func (m *Manager) fireReconnect() {
	m.mu.Lock()
	m.reconnectPending = false
	m.reconnectTimer = nil
	stopped := m.stopped
	m.mu.Unlock()

	if stopped || m.State() != StateDisconnected {
		return
	}
	m.connect()
}

func (m *Manager) readPump(c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.drop(c, fmt.Errorf("read: %w", err))
			} else {
				m.drop(c, nil)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			logging.WithConn(log, c.id).Debug("ignoring inbound binary message", "bytes", len(data))
			continue
		}
		m.messagesIn.Add(1)
		m.handleMessage(c, data)
	}
}

func (m *Manager) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(msg.messageType, msg.data)
			if msg.messageType == websocket.BinaryMessage {
				c.frames.Add(-1)
				if err == nil {
					m.framesSent.Add(1)
				} else {
					m.framesDropped.Add(1)
				}
			} else if err == nil {
				m.messagesOut.Add(1)
			}
			if err != nil {
				m.drop(c, fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.drop(c, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (m *Manager) sendJSON(c *conn, msgType string, encode func() ([]byte, error)) error {
	data, err := encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	if err := c.enqueue(outbound{messageType: websocket.TextMessage, data: data}); err != nil {
		return fmt.Errorf("queue %s: %w", msgType, err)
	}
	return nil
}

// buildWSURL maps http(s) to ws(s); ws(s) URLs pass through.
func buildWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return u.String(), nil
}
