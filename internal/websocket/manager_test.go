package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/guest-agent/internal/control"
	"github.com/breeze-rmm/guest-agent/internal/eventbus"
	"github.com/breeze-rmm/guest-agent/internal/protocol"
	"github.com/breeze-rmm/guest-agent/internal/session"
	"github.com/breeze-rmm/guest-agent/internal/signaling"
)

type testServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:   make(chan *websocket.Conn, 8),
		headers: make(chan http.Header, 8),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case ts.headers <- r.Header.Clone():
		default:
		}
		ts.conns <- ws
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-ts.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection from manager")
		return nil
	}
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text message, got type %d", mt)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("server decode %q: %v", data, err)
	}
	return msg
}

func writeJSON(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	m     *Manager
	bus   *eventbus.Bus
	store *session.Store
	kv    *session.MemoryStore
}

func newHarness(t *testing.T, serverURL string, delay time.Duration, sink signaling.Sink) *harness {
	t.Helper()
	h := &harness{bus: eventbus.New(), kv: session.NewMemoryStore()}
	h.store = session.NewStore(h.kv)
	h.m = New(Config{
		ServerURL:      serverURL,
		ReconnectDelay: delay,
		DeviceInfo:     protocol.DeviceInfo{Model: "Pixel 8", Manufacturer: "Google", OSVersion: "14", APILevel: 34},
	}, h.bus, h.store, nil, sink)
	t.Cleanup(h.m.Stop)
	return h
}

// handshake drives a fresh server conn to Active with the given code.
func (h *harness) handshake(t *testing.T, ws *websocket.Conn, token, code string) {
	t.Helper()
	if msg := readJSON(t, ws); msg["type"] != protocol.TypeAuthenticate {
		t.Fatalf("first message = %v, want authenticate", msg)
	}
	writeJSON(t, ws, `{"type":"auth-success","token":"`+token+`"}`)
	if msg := readJSON(t, ws); msg["type"] != protocol.TypeCreateSession {
		t.Fatalf("second message = %v, want create-session", msg)
	}
	writeJSON(t, ws, `{"type":"session-created","sessionCode":"`+code+`"}`)
	waitFor(t, "active state", func() bool { return h.m.State() == StateActive })
}

func TestAuthenticateMessageShape(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	msg := readJSON(t, ws)
	if msg["type"] != "authenticate" || msg["role"] != "guest" {
		t.Fatalf("unexpected authenticate %v", msg)
	}
	info, ok := msg["deviceInfo"].(map[string]any)
	if !ok {
		t.Fatalf("deviceInfo missing: %v", msg)
	}
	if info["model"] != "Pixel 8" || info["manufacturer"] != "Google" || info["androidVersion"] != "14" || info["sdkVersion"] != float64(34) {
		t.Fatalf("unexpected deviceInfo %v", info)
	}
	if h.m.State() != StateAuthenticating {
		t.Fatalf("state = %s, want authenticating", h.m.State())
	}
}

func TestSessionSurvivesTransportDrop(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	h.handshake(t, ws, "T1", "482913")

	if got := h.store.AuthToken(); got != "T1" {
		t.Fatalf("auth token = %q, want T1", got)
	}
	if got := h.store.CurrentSessionCode(); got != "482913" {
		t.Fatalf("session code = %q", got)
	}
	if !h.store.IsActive() {
		t.Fatal("session should be active")
	}

	ws.Close()
	waitFor(t, "disconnect", func() bool { return h.m.State() == StateDisconnected })

	if got := h.store.CurrentSessionCode(); got != "482913" {
		t.Fatalf("session code after drop = %q, want 482913", got)
	}
	if h.m.Stats().Reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", h.m.Stats().Reconnects)
	}
}

func TestCreateSessionWaitsForAuthSuccess(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	readJSON(t, ws)

	// Neither of these may trigger create-session or move the state.
	writeJSON(t, ws, `{"type":"pong"}`)
	writeJSON(t, ws, `{"type":"no-such-type","x":1}`)
	writeJSON(t, ws, `{"type":"session-created","sessionCode":"999999"}`)
	waitFor(t, "messages read", func() bool { return h.m.Stats().MessagesIn == 3 })

	time.Sleep(50 * time.Millisecond)
	if out := h.m.Stats().MessagesOut; out != 1 {
		t.Fatalf("messages out = %d before auth-success, want 1", out)
	}
	if h.m.State() != StateAuthenticating {
		t.Fatalf("state = %s, want authenticating", h.m.State())
	}
	if h.store.IsActive() {
		t.Fatal("out-of-order session-created must not activate the session")
	}
	if h.m.Stats().ProtocolErrors != 2 {
		t.Fatalf("protocol errors = %d, want 2", h.m.Stats().ProtocolErrors)
	}

	writeJSON(t, ws, `{"type":"auth-success","token":"T2"}`)
	if msg := readJSON(t, ws); msg["type"] != "create-session" {
		t.Fatalf("got %v, want create-session", msg)
	}
	waitFor(t, "awaiting session", func() bool { return h.m.State() == StateAwaitingSession })
}

func TestMalformedMessageDoesNotCloseConnection(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	readJSON(t, ws)
	writeJSON(t, ws, `{not json`)
	writeJSON(t, ws, `{"token":"no type"}`)
	writeJSON(t, ws, `{"type":"auth-success"}`)
	waitFor(t, "errors counted", func() bool { return h.m.Stats().ProtocolErrors == 3 })

	if h.m.State() != StateAuthenticating {
		t.Fatalf("state = %s, want authenticating", h.m.State())
	}
	writeJSON(t, ws, `{"type":"auth-success","token":"ok"}`)
	if msg := readJSON(t, ws); msg["type"] != "create-session" {
		t.Fatalf("got %v, want create-session", msg)
	}
}

type tapRecorder struct {
	mu   sync.Mutex
	taps [][2]float32
}

func (r *tapRecorder) Tap(x, y float32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, [2]float32{x, y})
	return true
}

func (r *tapRecorder) PerformGlobalAction(control.GlobalAction) bool { return true }

func (r *tapRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.taps)
}

func TestControlEventReachesInjector(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	inj := &tapRecorder{}
	control.NewDispatcher(inj).Attach(h.bus)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	h.handshake(t, ws, "T1", "123456")

	writeJSON(t, ws, `{"type":"control-event","touchData":{"action":"down","x":100,"y":200}}`)
	waitFor(t, "tap", func() bool { return inj.count() == 1 })

	time.Sleep(20 * time.Millisecond)
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if len(inj.taps) != 1 || inj.taps[0] != [2]float32{100, 200} {
		t.Fatalf("taps = %v, want exactly one at (100,200)", inj.taps)
	}
}

func TestQualityChangeAndSignalRouting(t *testing.T) {
	ts := newTestServer(t)
	var signals atomic.Int32
	sink := signaling.SinkFunc(func(sig signaling.Signal) {
		if sig.Kind == signaling.KindOffer {
			signals.Add(1)
		}
	})
	h := newHarness(t, ts.wsURL(), time.Hour, sink)

	quality := make(chan string, 1)
	h.bus.QualityChange.Subscribe(func(q string) { quality <- q })
	h.m.Start(context.Background())

	ws := ts.accept(t)
	h.handshake(t, ws, "T1", "123456")

	writeJSON(t, ws, `{"type":"quality-change","quality":"low"}`)
	select {
	case q := <-quality:
		if q != "low" {
			t.Fatalf("quality = %q", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("quality change not published")
	}

	writeJSON(t, ws, `{"type":"webrtc-signal","signalType":"offer","from":"ctl","data":{"sdp":"v=0"}}`)
	waitFor(t, "signal", func() bool { return signals.Load() == 1 })
}

func TestFramesOnlyWhileActive(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)

	if err := h.m.SendFrame([]byte{1}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("SendFrame before start = %v, want ErrNotReady", err)
	}

	h.m.Start(context.Background())
	ws := ts.accept(t)
	readJSON(t, ws)

	if h.bus.Frame.Publish(protocol.EncodedFrame{Data: []byte{2}}); h.m.Stats().FramesDropped != 2 {
		t.Fatalf("frames dropped = %d, want 2", h.m.Stats().FramesDropped)
	}

	writeJSON(t, ws, `{"type":"auth-success","token":"T1"}`)
	readJSON(t, ws)
	writeJSON(t, ws, `{"type":"session-created","sessionCode":"111111"}`)
	waitFor(t, "active", func() bool { return h.m.State() == StateActive })

	frame := []byte{0xff, 0xd8, 0xff, 0xe0}
	h.bus.Frame.Publish(protocol.EncodedFrame{Data: frame, CapturedAt: time.Now()})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || string(data) != string(frame) {
		t.Fatalf("got type %d data %x, want binary %x", mt, data, frame)
	}
	waitFor(t, "frame counted", func() bool { return h.m.Stats().FramesSent == 1 })
}

func TestSessionEndedRequestsNewSession(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	h.handshake(t, ws, "T1", "222222")

	writeJSON(t, ws, `{"type":"session-ended"}`)
	if msg := readJSON(t, ws); msg["type"] != "create-session" {
		t.Fatalf("got %v, want create-session", msg)
	}
	if h.store.IsActive() || h.store.CurrentSessionCode() != "" {
		t.Fatalf("session not cleared: %v", h.store.Snapshot())
	}
	if h.store.AuthToken() != "T1" {
		t.Fatal("session-ended must keep the auth token")
	}
	if h.m.State() != StateAwaitingSession {
		t.Fatalf("state = %s", h.m.State())
	}

	writeJSON(t, ws, `{"type":"session-created","sessionCode":"333333"}`)
	waitFor(t, "new session", func() bool { return h.store.CurrentSessionCode() == "333333" })
}

func TestReconnectCarriesStoredToken(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), 20*time.Millisecond, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	if hdr := <-ts.headers; hdr.Get("Authorization") != "" {
		t.Fatalf("first dial sent Authorization %q", hdr.Get("Authorization"))
	}
	h.handshake(t, ws, "T9", "444444")
	ws.Close()

	ws2 := ts.accept(t)
	if hdr := <-ts.headers; hdr.Get("Authorization") != "Bearer T9" {
		t.Fatalf("reconnect Authorization = %q", hdr.Get("Authorization"))
	}
	if msg := readJSON(t, ws2); msg["type"] != "authenticate" {
		t.Fatalf("reconnect should re-authenticate, got %v", msg)
	}
	if h.m.Stats().Connects != 2 {
		t.Fatalf("connects = %d, want 2", h.m.Stats().Connects)
	}
}

func TestScheduleReconnectIsDeduplicated(t *testing.T) {
	h := newHarness(t, "ws://127.0.0.1:1/unused", time.Hour, nil)

	var armed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.m.scheduleReconnect() {
				armed.Add(1)
			}
		}()
	}
	wg.Wait()

	if armed.Load() != 1 || h.m.Stats().Reconnects != 1 {
		t.Fatalf("armed = %d reconnects = %d, want 1", armed.Load(), h.m.Stats().Reconnects)
	}

	h.m.Stop()
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.m.reconnectTimer != nil || h.m.reconnectPending {
		t.Fatal("Stop should cancel the pending reconnect")
	}
}

func TestRepeatedDropsScheduleOneReconnect(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, ts.wsURL(), time.Hour, nil)
	h.m.Start(context.Background())

	ws := ts.accept(t)
	readJSON(t, ws)
	c, _ := h.m.currentConn()
	if c == nil {
		t.Fatal("no current conn")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.m.drop(c, errors.New("boom"))
		}()
	}
	wg.Wait()
	ws.Close()
	waitFor(t, "disconnect", func() bool { return h.m.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)

	if got := h.m.Stats().Reconnects; got != 1 {
		t.Fatalf("reconnects = %d, want 1", got)
	}
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	ts := newTestServer(t)
	url := ts.wsURL()
	ts.Close()

	h := newHarness(t, url, time.Hour, nil)
	h.m.Start(context.Background())

	waitFor(t, "reconnect scheduled", func() bool { return h.m.Stats().Reconnects == 1 })
	if h.m.State() != StateDisconnected {
		t.Fatalf("state = %s", h.m.State())
	}
}

func TestBuildWSURL(t *testing.T) {
	cases := map[string]string{
		"http://relay.local:3001/android": "ws://relay.local:3001/android",
		"https://relay.example.com":       "wss://relay.example.com",
		"wss://relay.example.com/x":       "wss://relay.example.com/x",
	}
	for in, want := range cases {
		got, err := buildWSURL(in)
		if err != nil || got != want {
			t.Errorf("buildWSURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"ftp://x", "ws://", "::"} {
		if _, err := buildWSURL(bad); err == nil {
			t.Errorf("buildWSURL(%q) should fail", bad)
		}
	}
}
