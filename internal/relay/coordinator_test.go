package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/stationrelay/internal/protocol/session"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeConn is the coordinator side of one accepted socket.
type fakeConn struct {
	path string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *fakeConn) send(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(kind, data)
}

func (c *fakeConn) reply(messageType, uid string, fields map[string]any) error {
	payload := map[string]any{"uid": uid}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(map[string]any{"message_type": messageType, "payload": payload})
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, raw)
}

type receivedFrame struct {
	path string
	msg  wire.Message
}

// fakeCoordinator accepts control connections on "/" and session connections on "/<id>".
type fakeCoordinator struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	respond  func(c *fakeConn, msg wire.Message)

	reject atomic.Bool
	hits   atomic.Int64

	mu       sync.Mutex
	conns    map[string]*fakeConn
	accepts  map[string]int
	received []receivedFrame
}

func newFakeCoordinator(t *testing.T, respond func(c *fakeConn, msg wire.Message)) *fakeCoordinator {
	t.Helper()
	if respond == nil {
		respond = defaultResponder("s1")
	}
	f := &fakeCoordinator{
		t:       t,
		respond: respond,
		conns:   make(map[string]*fakeConn),
		accepts: make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.close)
	return f
}

// defaultResponder answers new_session with sessionID, update with status and ping with pong.
func defaultResponder(sessionID string) func(c *fakeConn, msg wire.Message) {
	return func(c *fakeConn, msg wire.Message) {
		switch msg.MessageType {
		case wire.TypeNewSession:
			_ = c.reply(wire.TypeSessionCreated, msg.UID, map[string]any{"session_id": sessionID})
		case wire.TypeUpdate:
			var body map[string]any
			_ = json.Unmarshal(msg.Payload, &body)
			_ = c.reply(wire.TypeStatus, msg.UID, map[string]any{"state": "ok", "knobs": body["knobs"]})
		case wire.TypePing:
			_ = c.reply(wire.TypePong, msg.UID, nil)
		}
	}
}

func (f *fakeCoordinator) serve(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.reject.Load() {
		http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{path: r.URL.Path, conn: conn}
	f.mu.Lock()
	f.conns[fc.path] = fc
	f.accepts[fc.path]++
	f.mu.Unlock()

	go func() {
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			msg, err := wire.Decode(data)
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, receivedFrame{path: fc.path, msg: msg})
			f.mu.Unlock()
			f.respond(fc, msg)
		}
	}()
}

func (f *fakeCoordinator) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeCoordinator) conn(path string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[path]
}

func (f *fakeCoordinator) acceptCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts[path]
}

func (f *fakeCoordinator) receivedCount(messageType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.received {
		if r.msg.MessageType == messageType {
			n++
		}
	}
	return n
}

func (f *fakeCoordinator) totalReceived() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeCoordinator) lastReceived(messageType string) (receivedFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.received) - 1; i >= 0; i-- {
		if f.received[i].msg.MessageType == messageType {
			return f.received[i], true
		}
	}
	return receivedFrame{}, false
}

// drop abruptly closes the latest socket accepted on path.
func (f *fakeCoordinator) drop(path string) {
	if c := f.conn(path); c != nil {
		_ = c.conn.Close()
	}
}

// waitConn blocks until path has been accepted at least n times.
func (f *fakeCoordinator) waitConn(path string, n int) *fakeConn {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.acceptCount(path) >= n
	}, 2*time.Second, 5*time.Millisecond, "no connection #%d on %s", n, path)
	return f.conn(path)
}

func (f *fakeCoordinator) close() {
	f.srv.CloseClientConnections()
	f.srv.Close()
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.CallTimeout = 2 * time.Second
	cfg.PingInterval = time.Hour
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     50 * time.Millisecond,
	}
	return cfg
}

func newTestDialer(t *testing.T, f *fakeCoordinator, cfg session.Config) *WSDialer {
	t.Helper()
	d, err := NewWSDialer(f.url(), cfg)
	require.NoError(t, err)
	return d
}
