package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/nmfleet/internal/infrastructure/config"
	"github.com/nerrad567/nmfleet/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event channels clients can subscribe to. ChannelAll expands to every
// channel at subscribe time.
const (
	ChannelDeviceUpdated  = "device.updated"
	ChannelDeviceOffline  = "device.offline"
	ChannelConfigReceived = "config.received"
	ChannelPushSent       = "push.sent"
	ChannelAll            = "*"
)

var fleetChannels = []string{
	ChannelDeviceUpdated,
	ChannelDeviceOffline,
	ChannelConfigReceived,
	ChannelPushSent,
}

var errNoChannels = errors.New("payload.channels must list at least one channel")

// WSMessage is a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound client message. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// splitChannels sorts requested names into known channels and the rest.
func splitChannels(names []string) (accepted, rejected []string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case name == ChannelAll:
			accepted = append(accepted, fleetChannels...)
		case slices.Contains(fleetChannels, name):
			accepted = append(accepted, name)
		default:
			rejected = append(rejected, name)
		}
	}
	slices.Sort(accepted)
	return slices.Compact(accepted), rejected
}

// Hub fans registry, discovery and push events out to WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	snapshot func() any

	dropped atomic.Uint64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// SetSnapshot sets the function whose result is sent to clients when they
// subscribe to device.updated.
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// unregister removes a client. Only the caller that actually removes it
// closes the send channel, so shutdown and readPump cannot double-close.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(c.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast sends an event to every client subscribed to channel. Messages
// for a client whose buffer is full are dropped and counted.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var sent, dropped int
	for _, c := range targets {
		if !c.wants(channel) {
			continue
		}
		if c.offer(data) {
			sent++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		h.dropped.Add(uint64(dropped)) //nolint:gosec // dropped is a non-negative count
		h.logger.Warn("slow websocket clients skipped", "channel", channel, "dropped", dropped)
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many event messages were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) snapshotFunc() func() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}

// closeAll disconnects every client and closes its send channel so the
// writePump goroutines exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// wsClient is one connected operator UI.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	readWait  time.Duration
	writeWait time.Duration
	pingEvery time.Duration

	mu       sync.RWMutex
	channels map[string]struct{}
}

func newWSClient(h *Hub, conn *websocket.Conn) *wsClient {
	ping := time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong := time.Duration(h.cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return &wsClient{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, wsSendBufferSize),
		readWait:  ping + pong,
		writeWait: pong,
		pingEvery: ping,
		channels:  make(map[string]struct{}),
	}
}

// handleWebSocket upgrades the connection. The optional "channels" query
// parameter subscribes the client up front, e.g.
// /api/v1/ws?channels=device.updated,push.sent. Unknown names are ignored.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	accepted, rejected := splitChannels(strings.Split(r.URL.Query().Get("channels"), ","))
	if len(rejected) > 0 {
		s.logger.Debug("ignoring unknown websocket channels", "channels", rejected)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	c.subscribe(accepted)
	s.hub.register(c)
	if slices.Contains(accepted, ChannelDeviceUpdated) {
		c.sendSnapshot()
	}

	go c.writePump()
	go c.readPump(int64(s.wsCfg.MaxMessageSize))
}

func (c *wsClient) readPump(limit int64) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any message keeps the link alive.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(c.readWait))
		c.handle(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle processes one inbound client message.
func (c *wsClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		names, err := decodeChannels(req.Payload)
		if err != nil {
			c.sendError(req.ID, err.Error())
			return
		}
		accepted, rejected := splitChannels(names)
		added := c.subscribe(accepted)
		c.hub.logger.Debug("websocket client subscribed", "channels", accepted, "rejected", rejected)
		c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{
			"subscribed": accepted,
			"rejected":   rejected,
		}})
		if slices.Contains(added, ChannelDeviceUpdated) {
			c.sendSnapshot()
		}
	case WSTypeUnsubscribe:
		names, err := decodeChannels(req.Payload)
		if err != nil {
			c.sendError(req.ID, err.Error())
			return
		}
		accepted, _ := splitChannels(names)
		c.unsubscribe(accepted)
		c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{
			"unsubscribed": accepted,
		}})
	case WSTypePing:
		c.reply(WSMessage{Type: WSTypePong, ID: req.ID})
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

func decodeChannels(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errNoChannels
	}
	var p WSSubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.New("invalid subscription payload")
	}
	if len(p.Channels) == 0 {
		return nil, errNoChannels
	}
	return p.Channels, nil
}

// subscribe adds channels and returns the ones that were not already held.
func (c *wsClient) subscribe(channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var added []string
	for _, ch := range channels {
		if _, ok := c.channels[ch]; !ok {
			c.channels[ch] = struct{}{}
			added = append(added, ch)
		}
	}
	return added
}

func (c *wsClient) unsubscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
}

func (c *wsClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// offer queues data without blocking. It reports false when the buffer is
// full or the client already disconnected.
func (c *wsClient) offer(data []byte) (queued bool) {
	defer func() {
		if recover() != nil {
			queued = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendSnapshot sends the current fleet so a fresh subscriber does not wait
// for the next beacon to draw the device list.
func (c *wsClient) sendSnapshot() {
	fn := c.hub.snapshotFunc()
	if fn == nil {
		return
	}
	c.reply(WSMessage{Type: WSTypeSnapshot, EventType: ChannelDeviceUpdated, Payload: fn()})
}

func (c *wsClient) reply(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.offer(data)
}

func (c *wsClient) sendError(id, message string) {
	c.reply(WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": message}})
}
