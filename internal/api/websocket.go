package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/infrastructure/logging"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// Streaming protocol actions and reply types.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPoll        = "poll"
	ActionPing        = "ping"

	WSTypeSubscribed   = "subscribed"
	WSTypeUnsubscribed = "unsubscribed"
	WSTypePollResult   = "poll-result"
	WSTypePong         = "pong"
	WSTypeError        = "error"

	// wsSendBufferSize is the per-client outbound message queue length.
	// A full queue blocks the client's read loop until the write pump
	// catches up or the send timeout disconnects the client.
	wsSendBufferSize = 64
)

// WSRequest is a client message.
type WSRequest struct {
	Action   string `json:"action"`
	SensorID string `json:"sensor_id,omitempty"`
}

// WSReply is a server reply other than a poll result.
type WSReply struct {
	Type     string `json:"type"`
	SensorID string `json:"sensor_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WSPollResult carries the latest sample of each subscribed sensor that
// has data.
type WSPollResult struct {
	Type string                   `json:"type"`
	Data map[string]sensor.Sample `json:"data"`
}

// WSMetrics receives connection and message counts.
type WSMetrics interface {
	ClientConnected()
	ClientDisconnected()
	MessageReceived(msgType string)
	MessageSent(msgType string)
	MessageDropped()
}

type noopWSMetrics struct{}

func (noopWSMetrics) ClientConnected()       {}
func (noopWSMetrics) ClientDisconnected()    {}
func (noopWSMetrics) MessageReceived(string) {}
func (noopWSMetrics) MessageSent(string)     {}
func (noopWSMetrics) MessageDropped()        {}

// Hub tracks WebSocket connections.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	metrics WSMetrics
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connection and its subscription set.
type WSClient struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex

	// done is closed when the write pump exits.
	done chan struct{}
	// sendTimeout bounds how long a reply waits for queue space.
	// Zero uses the hub's pong timeout.
	sendTimeout time.Duration
	dead        atomic.Bool
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	return cfg
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, metrics WSMetrics) *Hub {
	if metrics == nil {
		metrics = noopWSMetrics{}
	}
	return &Hub{
		cfg:     withWSDefaults(cfg),
		logger:  logger,
		metrics: metrics,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.ClientConnected()
	h.logger.Debug("websocket client connected", "connection_id", client.id, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
		h.metrics.ClientDisconnected()
	}
	h.logger.Debug("websocket client disconnected", "connection_id", client.id, "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
		h.metrics.ClientDisconnected()
	}
}

// handleWebSocket upgrades the connection and starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:            uuid.NewString(),
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		done:          make(chan struct{}),
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump(s.sensors)
}

// readPump reads and answers client messages until the connection closes.
func (c *WSClient) readPump(store SensorStore) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "connection_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "connection_id", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(store, message)
	}
}

// writePump drains the send queue and keeps the connection alive with
// protocol-level pings.
func (c *WSClient) writePump() {
	pingInterval := time.Duration(c.hub.cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	writeWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one client message. Every message gets exactly
// one reply.
func (c *WSClient) handleMessage(store SensorStore, data []byte) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.hub.metrics.MessageReceived("invalid")
		c.reply(WSReply{Type: WSTypeError, Error: "invalid message: " + err.Error()})
		return
	}
	c.hub.metrics.MessageReceived(req.Action)

	switch req.Action {
	case ActionSubscribe:
		if req.SensorID == "" || !store.Has(req.SensorID) {
			c.reply(WSReply{Type: WSTypeError, Error: "unknown sensor " + req.SensorID})
			return
		}
		c.mu.Lock()
		c.subscriptions[req.SensorID] = struct{}{}
		c.mu.Unlock()
		c.reply(WSReply{Type: WSTypeSubscribed, SensorID: req.SensorID})

	case ActionUnsubscribe:
		c.mu.Lock()
		delete(c.subscriptions, req.SensorID)
		c.mu.Unlock()
		c.reply(WSReply{Type: WSTypeUnsubscribed, SensorID: req.SensorID})

	case ActionPoll:
		c.reply(WSPollResult{Type: WSTypePollResult, Data: store.LatestMany(c.subscribed())})

	case ActionPing:
		c.reply(WSReply{Type: WSTypePong})

	default:
		c.reply(WSReply{Type: WSTypeError, Error: "unknown action"})
	}
}

// subscribed returns a copy of the subscription set.
func (c *WSClient) subscribed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// reply encodes v and queues it for the write pump.
func (c *WSClient) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("encoding websocket reply", "connection_id", c.id, "error", err)
		return
	}
	msgType := WSTypePollResult
	if r, ok := v.(WSReply); ok {
		msgType = r.Type
	}
	if c.enqueue(data) {
		c.hub.metrics.MessageSent(msgType)
	}
}

// enqueue hands data to the write pump, waiting while the queue is full.
// A client whose queue stays full for the send timeout is disconnected, so
// a request is answered or the connection ends. It reports false once the
// client is gone.
func (c *WSClient) enqueue(data []byte) (sent bool) {
	if c.dead.Load() {
		return false
	}
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
	}

	timeout := c.sendTimeout
	if timeout <= 0 {
		timeout = time.Duration(c.hub.cfg.PongTimeout) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.dead.Store(true)
		c.hub.metrics.MessageDropped()
		c.hub.logger.Warn("websocket client too slow, disconnecting", "connection_id", c.id)
		if c.conn != nil {
			c.conn.Close()
		}
		return false
	}
}
