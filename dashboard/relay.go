package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

// Relay message types
const (
	relayTypeIdentify      = "identify"
	relayTypeSubscribe     = "subscribe"
	relayTypeUnsubscribe   = "unsubscribe"
	relayTypeReady         = "ready"
	relayTypeSubscribed    = "subscribed"
	relayTypeUnsubscribed  = "unsubscribed"
	relayTypeMessageCreate = "message_create"
	relayTypeState         = "state"
	relayTypeError         = "error"

	relayWriteWait = 10 * time.Second
)

var errRelayClosed = errors.New("relay closed")

// relayRequest is a message sent by the browser
type relayRequest struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// relayEvent is a message sent to the browser
type relayEvent struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id,omitempty"`
	State     string          `json:"state,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// RelayHub forwards gateway events to browser websocket clients. Each
// client identifies with a bot token, then subscribes to the channels
// it's displaying. Clients with the same token share a Gateway.
type RelayHub struct {
	manager  *GatewayManager
	config   RelayConfig
	upgrader websocket.Upgrader
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*relayClient
	closed  bool
}

func NewRelayHub(
	manager *GatewayManager,
	cfg RelayConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *RelayHub {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultRelaySendBuffer
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultRelayPongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultRelayMaxMessageSize
	}
	return &RelayHub{
		manager: manager,
		config:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are enforced by the CORS middleware
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clock:   clk,
		logger:  logger.With(loggerNameKey, "relay"),
		clients: map[string]*relayClient{},
	}
}

// ServeWS upgrades the request to a websocket and serves the client
// until it disconnects
func (h *RelayHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", tint.Err(err))
		return
	}

	client := &relayClient{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
		done:   make(chan struct{}),
		subs:   map[string]func(){},
		logger: h.logger,
	}
	client.logger = h.logger.With("client_id", client.id)

	if err = h.register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(relayWriteWait),
		)
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump(r.Context())
}

func (h *RelayHub) register(c *relayClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errRelayClosed
	}
	h.clients[c.id] = c
	c.logger.Debug("client connected")
	return nil
}

func (h *RelayHub) unregister(c *relayClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

// Len returns the number of connected clients
func (h *RelayHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. New connections are refused.
func (h *RelayHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*relayClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

type relayClient struct {
	id     string
	hub    *RelayHub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once

	// set once the gateway has failed, until it reconnects
	recovering atomic.Bool

	// only accessed from readPump
	gateway  *Gateway
	release  func()
	stateOff func()
	subs     map[string]func()
}

// close stops the write pump, which closes the connection and ends
// the read pump
func (c *relayClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues msg for the write pump. Clients that can't keep up
// are disconnected rather than blocking the gateway.
func (c *relayClient) enqueue(event relayEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("error encoding relay event", tint.Err(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, disconnecting client")
		c.close()
	}
}

func (c *relayClient) sendError(msg string) {
	c.enqueue(relayEvent{Type: relayTypeError, Error: msg})
}

func (c *relayClient) readPump(ctx context.Context) {
	defer func() {
		for channelID, unsubscribe := range c.subs {
			unsubscribe()
			delete(c.subs, channelID)
		}
		if c.stateOff != nil {
			c.stateOff()
		}
		if c.release != nil {
			c.release()
		}
		c.hub.unregister(c)
		// the write pump flushes queued messages, then closes the connection
		c.close()
		c.logger.Debug("client disconnected")
	}()

	pongWait := c.hub.config.PongWait
	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(
		func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		},
	)

	for {
		var req relayRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Warn("websocket read error", tint.Err(err))
			}
			return
		}
		if !c.handle(ctx, req) {
			return
		}
	}
}

// handle processes a single request, returning false if the client
// should be disconnected
func (c *relayClient) handle(ctx context.Context, req relayRequest) bool {
	if c.gateway == nil && req.Type != relayTypeIdentify {
		c.sendError("identify first")
		return true
	}

	switch req.Type {
	case relayTypeIdentify:
		if c.gateway != nil {
			c.sendError("already identified")
			return true
		}
		gw, release, err := c.hub.manager.Acquire(ctx, req.Token)
		if err != nil {
			c.logger.Warn("identify failed", tint.Err(err))
			c.sendError(err.Error())
			return false
		}
		c.gateway = gw
		c.release = release
		c.logger.Debug("client identified", "token", gw.Fingerprint())
		c.enqueue(relayEvent{Type: relayTypeReady, State: gw.State().String()})
		c.stateOff = gw.OnStateChange(c.gatewayStateChanged)
	case relayTypeSubscribe:
		if req.ChannelID == "" {
			c.sendError("channel_id is required")
			return true
		}
		if _, ok := c.subs[req.ChannelID]; !ok {
			c.subs[req.ChannelID] = c.gateway.On(
				EventMessageCreate,
				req.ChannelID,
				func(e GatewayEvent) {
					c.enqueue(
						relayEvent{
							Type:      relayTypeMessageCreate,
							ChannelID: e.ChannelID,
							Data:      e.Data,
						},
					)
				},
			)
		}
		c.enqueue(relayEvent{Type: relayTypeSubscribed, ChannelID: req.ChannelID})
	case relayTypeUnsubscribe:
		if unsubscribe, ok := c.subs[req.ChannelID]; ok {
			unsubscribe()
			delete(c.subs, req.ChannelID)
		}
		c.enqueue(relayEvent{Type: relayTypeUnsubscribed, ChannelID: req.ChannelID})
	default:
		c.sendError("unknown message type: " + req.Type)
	}
	return true
}

// gatewayStateChanged tells the client when its gateway gives up, and
// when it comes back after that. Called with the gateway's lock held.
func (c *relayClient) gatewayStateChanged(_, to GatewayState) {
	switch to {
	case GatewayFailed:
		c.recovering.Store(true)
		c.enqueue(
			relayEvent{
				Type:  relayTypeState,
				State: to.String(),
				Error: "gateway connection failed, live updates stopped",
			},
		)
	case GatewayConnected:
		if c.recovering.Swap(false) {
			c.enqueue(relayEvent{Type: relayTypeState, State: to.String()})
		}
	}
}

func (c *relayClient) writePump() {
	pingPeriod := (c.hub.config.PongWait * 9) / 10
	ticker := c.hub.clock.Ticker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(relayWriteWait),
			)
			return
		}
	}
}

// flush writes whatever is still queued, so an error sent just before
// disconnecting reaches the client
func (c *relayClient) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
