package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// wsReply is the union of every reply shape.
type wsReply struct {
	Type     string                   `json:"type"`
	SensorID string                   `json:"sensor_id"`
	Error    string                   `json:"error"`
	Data     map[string]sensor.Sample `json:"data"`
}

// dialWS starts an httptest server for srv and opens a connection.
func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip sends msg and reads one reply.
func roundTrip(t *testing.T, conn *websocket.Conn, msg string) wsReply {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var reply wsReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("decoding reply %q: %v", data, err)
	}
	return reply
}

// ─── WebSocket Protocol Tests ──────────────────────────────────────

func TestWebSocket_SubscribeAndPoll(t *testing.T) {
	srv, mgr := testServer(t)
	gps := registerStub(t, mgr, "gps1", 10)
	gps.push(t, "gps1", 0, `{"nmea":"first"}`)
	gps.push(t, "gps1", 1, `{"nmea":"second"}`)

	conn := dialWS(t, srv)

	reply := roundTrip(t, conn, `{"action":"subscribe","sensor_id":"gps1"}`)
	if reply.Type != WSTypeSubscribed || reply.SensorID != "gps1" {
		t.Errorf("subscribe gps1 = %+v", reply)
	}

	reply = roundTrip(t, conn, `{"action":"subscribe","sensor_id":"missing1"}`)
	if reply.Type != WSTypeError || reply.Error != "unknown sensor missing1" {
		t.Errorf("subscribe missing1 = %+v", reply)
	}

	reply = roundTrip(t, conn, `{"action":"poll"}`)
	if reply.Type != WSTypePollResult {
		t.Fatalf("poll type = %q", reply.Type)
	}
	if len(reply.Data) != 1 {
		t.Fatalf("poll data = %v, want only gps1", reply.Data)
	}
	got, ok := reply.Data["gps1"]
	if !ok || got.Sequence != 1 || string(got.Payload) != `{"nmea":"second"}` {
		t.Errorf("poll gps1 = %+v", got)
	}
}

func TestWebSocket_PollOmitsEmptySensors(t *testing.T) {
	srv, mgr := testServer(t)
	registerStub(t, mgr, "imu", 4)
	conn := dialWS(t, srv)

	roundTrip(t, conn, `{"action":"subscribe","sensor_id":"imu"}`)
	reply := roundTrip(t, conn, `{"action":"poll"}`)
	if reply.Type != WSTypePollResult || reply.Data == nil || len(reply.Data) != 0 {
		t.Errorf("poll = %+v, want empty data object", reply)
	}
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	srv, mgr := testServer(t)
	a := registerStub(t, mgr, "gps", 4)
	a.push(t, "gps", 0, `{}`)
	conn := dialWS(t, srv)

	roundTrip(t, conn, `{"action":"subscribe","sensor_id":"gps"}`)
	reply := roundTrip(t, conn, `{"action":"unsubscribe","sensor_id":"gps"}`)
	if reply.Type != WSTypeUnsubscribed || reply.SensorID != "gps" {
		t.Errorf("unsubscribe = %+v", reply)
	}
	reply = roundTrip(t, conn, `{"action":"poll"}`)
	if len(reply.Data) != 0 {
		t.Errorf("poll after unsubscribe = %v", reply.Data)
	}
}

func TestWebSocket_ProtocolErrors(t *testing.T) {
	srv, _ := testServer(t)
	conn := dialWS(t, srv)

	tests := []struct {
		name      string
		msg       string
		wantType  string
		wantError string
	}{
		{name: "ping", msg: `{"action":"ping"}`, wantType: WSTypePong},
		{name: "unknown action", msg: `{"action":"dance"}`, wantType: WSTypeError, wantError: "unknown action"},
		{name: "missing action", msg: `{}`, wantType: WSTypeError, wantError: "unknown action"},
		{name: "invalid json", msg: `{not json`, wantType: WSTypeError, wantError: "invalid message: "},
		{name: "subscribe without id", msg: `{"action":"subscribe"}`, wantType: WSTypeError, wantError: "unknown sensor "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, conn, tt.msg)
			if reply.Type != tt.wantType {
				t.Errorf("type = %q, want %q", reply.Type, tt.wantType)
			}
			if !strings.HasPrefix(reply.Error, tt.wantError) {
				t.Errorf("error = %q, want prefix %q", reply.Error, tt.wantError)
			}
		})
	}
}

func TestWebSocket_SubscriptionsArePerConnection(t *testing.T) {
	srv, mgr := testServer(t)
	a := registerStub(t, mgr, "gps", 4)
	a.push(t, "gps", 0, `{}`)

	first := dialWS(t, srv)
	second := dialWS(t, srv)

	roundTrip(t, first, `{"action":"subscribe","sensor_id":"gps"}`)
	if reply := roundTrip(t, second, `{"action":"poll"}`); len(reply.Data) != 0 {
		t.Errorf("second connection sees first connection's subscription: %v", reply.Data)
	}
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	srv, _ := testServer(t)
	conn := dialWS(t, srv)
	roundTrip(t, conn, `{"action":"ping"}`)

	if n := srv.hub.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.hub.ClientCount(); n != 0 {
		t.Errorf("ClientCount() after disconnect = %d, want 0", n)
	}
}

// ─── Hub Tests ─────────────────────────────────────────────────────

// countingWSMetrics records hub metric calls.
type countingWSMetrics struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	sent         int
	dropped      int
}

func (m *countingWSMetrics) ClientConnected()       { m.mu.Lock(); m.connected++; m.mu.Unlock() }
func (m *countingWSMetrics) ClientDisconnected()    { m.mu.Lock(); m.disconnected++; m.mu.Unlock() }
func (m *countingWSMetrics) MessageReceived(string) {}
func (m *countingWSMetrics) MessageSent(string)     { m.mu.Lock(); m.sent++; m.mu.Unlock() }
func (m *countingWSMetrics) MessageDropped()        { m.mu.Lock(); m.dropped++; m.mu.Unlock() }

// A backed-up client is disconnected rather than left without a reply.
func TestHub_StuckClientDisconnected(t *testing.T) {
	metrics := &countingWSMetrics{}
	hub := NewHub(config.WebSocketConfig{}, testLogger(), metrics)
	client := &WSClient{
		id:            "stuck",
		hub:           hub,
		send:          make(chan []byte, 2),
		subscriptions: make(map[string]struct{}),
		sendTimeout:   20 * time.Millisecond,
	}
	hub.Register(client)

	// Nobody drains the queue.
	for i := 0; i < 5; i++ {
		client.reply(WSReply{Type: WSTypePong})
	}

	metrics.mu.Lock()
	sent, dropped := metrics.sent, metrics.dropped
	metrics.mu.Unlock()
	if sent != 2 || dropped != 1 {
		t.Errorf("sent=%d dropped=%d, want 2 and 1", sent, dropped)
	}
	if !client.dead.Load() {
		t.Error("client should be marked disconnected after the send timeout")
	}

	hub.Unregister(client)
	hub.Unregister(client)
	// Sending after disconnect must not panic.
	client.reply(WSReply{Type: WSTypePong})

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.connected != 1 || metrics.disconnected != 1 {
		t.Errorf("connected=%d disconnected=%d, want 1 and 1", metrics.connected, metrics.disconnected)
	}
}

// A full queue that drains slowly delays replies but never loses one.
func TestHub_SlowClientGetsEveryReply(t *testing.T) {
	metrics := &countingWSMetrics{}
	hub := NewHub(config.WebSocketConfig{}, testLogger(), metrics)
	client := &WSClient{
		id:            "slow",
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: make(map[string]struct{}),
		sendTimeout:   2 * time.Second,
	}
	hub.Register(client)
	defer hub.Unregister(client)

	received := make(chan int)
	go func() {
		n := 0
		for n < 5 {
			<-client.send
			n++
			time.Sleep(5 * time.Millisecond)
		}
		received <- n
	}()

	for i := 0; i < 5; i++ {
		client.reply(WSReply{Type: WSTypePong})
	}

	select {
	case n := <-received:
		if n != 5 {
			t.Errorf("received %d replies, want 5", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replies were not delivered")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.sent != 5 || metrics.dropped != 0 {
		t.Errorf("sent=%d dropped=%d, want 5 and 0", metrics.sent, metrics.dropped)
	}
}

// A client whose write pump has exited stops queueing immediately.
func TestHub_ClosedWritePumpStopsReplies(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger(), nil)
	client := &WSClient{
		id:            "gone",
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: make(map[string]struct{}),
		done:          make(chan struct{}),
		sendTimeout:   time.Hour,
	}
	client.send <- []byte("{}")
	close(client.done)

	start := time.Now()
	if client.enqueue([]byte("{}")) {
		t.Error("enqueue() = true after the write pump exited")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("enqueue() blocked for %v", elapsed)
	}
}

func TestHub_Defaults(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger(), nil)
	if hub.cfg.Path != "/ws" || hub.cfg.MaxMessageSize <= 0 || hub.cfg.PingInterval <= 0 {
		t.Errorf("defaults = %+v", hub.cfg)
	}
}
