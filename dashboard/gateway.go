package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// DefaultGatewayIntents is GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT (33281)
	DefaultGatewayIntents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	gatewayClientOS     = "browser"
	gatewayClientDevice = "nextjs-client"

	gatewayWriteTimeout     = 10 * time.Second
	gatewayHandshakeTimeout = 15 * time.Second

	// EventMessageCreate is the dispatch name for new messages
	EventMessageCreate = "MESSAGE_CREATE"

	// EventAny matches every dispatch when passed to Gateway.On
	EventAny = "*"
)

// Gateway opcodes used by the client
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

var (
	ErrGatewayClosed = errors.New("gateway client closed")

	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("gateway session invalidated")
)

// GatewayState is the lifecycle state of a Gateway connection
type GatewayState int32

const (
	GatewayDisconnected GatewayState = iota
	GatewayConnecting
	GatewayAwaitingHello
	GatewayIdentifying
	GatewayConnected
	GatewayClosing
	GatewayErroring
	GatewayReconnecting

	// GatewayFailed is terminal: reconnect attempts were exhausted, or
	// discord closed the connection with a code that retrying can't fix.
	GatewayFailed
)

func (s GatewayState) String() string {
	switch s {
	case GatewayDisconnected:
		return "disconnected"
	case GatewayConnecting:
		return "connecting"
	case GatewayAwaitingHello:
		return "awaiting_hello"
	case GatewayIdentifying:
		return "identifying"
	case GatewayConnected:
		return "connected"
	case GatewayClosing:
		return "closing"
	case GatewayErroring:
		return "erroring"
	case GatewayReconnecting:
		return "reconnecting"
	case GatewayFailed:
		return "failed"
	default:
		return fmt.Sprintf("GatewayState(%d)", int32(s))
	}
}

func (s GatewayState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// terminalCloseCodes are gateway close codes for which reconnecting
// can never succeed.
// See: https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-close-event-codes
var terminalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

// gatewayFrame is an inbound gateway payload. S and T are only set
// on dispatches.
type gatewayFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

type gatewayPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type gatewayHello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type gatewayIdentify struct {
	Token      string                       `json:"token"`
	Intents    discordgo.Intent             `json:"intents"`
	Properties discordgo.IdentifyProperties `json:"properties"`
}

// GatewayEvent is a dispatch delivered to listeners. Message is set
// for MESSAGE_CREATE events.
type GatewayEvent struct {
	Type      string             `json:"type"`
	Sequence  int64              `json:"sequence"`
	ChannelID string             `json:"channel_id,omitempty"`
	Data      json.RawMessage    `json:"data"`
	Message   *discordgo.Message `json:"-"`
}

// Listener receives gateway events. Listeners are called synchronously
// from the gateway's read loop, so they should return quickly.
type Listener func(GatewayEvent)

// StateListener is called on every state transition. It runs with the
// gateway's lock held, so it must not block or call back into the
// Gateway.
type StateListener func(from, to GatewayState)

type stateListenerEntry struct {
	id uint64
	fn StateListener
}

type listenerEntry struct {
	id        uint64
	event     string
	channelID string
	fn        Listener
}

// GatewayStats is a point-in-time snapshot of a Gateway
type GatewayStats struct {
	State             GatewayState  `json:"state"`
	Sequence          *int64        `json:"sequence"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ReconnectAttempt  int           `json:"reconnect_attempt"`
	Reconnects        int64         `json:"reconnects"`
	DroppedFrames     int64         `json:"dropped_frames"`
	Dispatches        int64         `json:"dispatches"`
	LastHeartbeatAck  time.Time     `json:"last_heartbeat_ack,omitempty"`
}

// GatewayOption configures a Gateway
type GatewayOption func(g *Gateway)

func WithGatewayURL(url string) GatewayOption {
	return func(g *Gateway) {
		g.url = url
	}
}

func WithGatewayClock(clk clock.Clock) GatewayOption {
	return func(g *Gateway) {
		g.clock = clk
	}
}

func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithGatewayDialer(dialer *websocket.Dialer) GatewayOption {
	return func(g *Gateway) {
		g.dialer = dialer
	}
}

func WithGatewayIntents(intents discordgo.Intent) GatewayOption {
	return func(g *Gateway) {
		g.intents = intents
	}
}

func WithReconnectPolicy(base time.Duration, maxAttempts int) GatewayOption {
	return func(g *Gateway) {
		g.policy = NewReconnectPolicy(base, maxAttempts)
	}
}

// Gateway is a client for discord's realtime event stream. It owns at
// most one websocket at a time, performs the hello/identify/heartbeat
// handshake, and reconnects with exponential backoff when the
// connection drops.
type Gateway struct {
	token       string
	fingerprint string
	url         string
	intents     discordgo.Intent
	dialer      *websocket.Dialer
	clock       clock.Clock
	logger      *slog.Logger
	policy      *ReconnectPolicy

	mu                sync.Mutex
	state             GatewayState
	conn              *websocket.Conn
	gen               uint64
	sequence          *int64
	heartbeatInterval time.Duration
	heartbeatTicker   *clock.Ticker
	heartbeatDone     chan struct{}
	reconnectTimer    *clock.Timer
	lastHeartbeatAck  time.Time
	closed            bool
	runCtx            context.Context
	runCancel         context.CancelFunc

	// gorilla/websocket supports one concurrent writer
	writeMu sync.Mutex

	listenersMu    sync.RWMutex
	listeners      []listenerEntry
	stateListeners []stateListenerEntry
	nextListenerID uint64

	reconnects    atomic.Int64
	droppedFrames atomic.Int64
	dispatches    atomic.Int64
}

func NewGateway(token string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		token:       token,
		fingerprint: tokenFingerprint(token),
		url:         DefaultGatewayURL,
		intents:     DefaultGatewayIntents,
		state:       GatewayDisconnected,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.dialer == nil {
		g.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: gatewayHandshakeTimeout,
		}
	}
	if g.policy == nil {
		g.policy = NewReconnectPolicy(
			DefaultReconnectBaseDelay,
			DefaultReconnectMaxAttempts,
		)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With(
		loggerNameKey, "gateway",
		"token", g.fingerprint,
	)
	return g
}

func (g *Gateway) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", g.fingerprint),
		slog.String("state", g.State().String()),
	)
}

// Connect opens the gateway connection. Without a token, it logs and
// returns ErrMissingCredential without attempting a connection. Transport
// failures are not returned: they are logged, and a reconnect is
// scheduled. Calling Connect on an already-running Gateway is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.token == "" {
		g.logger.WarnContext(ctx, "no bot token available, not connecting")
		return ErrMissingCredential
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	if g.state != GatewayDisconnected && g.state != GatewayFailed {
		g.mu.Unlock()
		return nil
	}
	if g.runCtx == nil {
		g.runCtx, g.runCancel = context.WithCancel(
			context.WithoutCancel(ctx),
		)
	}
	runCtx := g.runCtx
	g.policy.Reset()
	g.setStateLocked(GatewayConnecting)
	g.mu.Unlock()

	g.open(runCtx)
	return nil
}

// open dials the gateway and starts the read loop for the new socket
func (g *Gateway) open(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.setStateLocked(GatewayConnecting)
	g.mu.Unlock()

	g.logger.DebugContext(ctx, "dialing gateway", "url", g.url)
	dialCtx, cancel := context.WithTimeout(ctx, gatewayHandshakeTimeout)
	conn, resp, err := g.dialer.DialContext(dialCtx, g.url, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		if g.closed {
			return
		}
		g.logger.WarnContext(
			ctx,
			"gateway connection failed",
			tint.Err(&UpstreamUnavailableError{Op: "gateway dial", Err: err}),
		)
		g.setStateLocked(GatewayErroring)
		g.scheduleReconnectLocked()
		return
	}
	if g.closed {
		_ = conn.Close()
		return
	}

	g.gen++
	gen := g.gen
	g.conn = conn
	g.sequence = nil
	g.heartbeatInterval = 0
	g.policy.Reset()
	g.setStateLocked(GatewayAwaitingHello)
	g.logger.InfoContext(ctx, "gateway socket opened")

	go g.readLoop(ctx, conn, gen)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, g.logger), rc)
			g.connectionLost(ctx, gen, fmt.Errorf("read loop panic: %v", rc))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.connectionLost(ctx, gen, err)
			return
		}
		if err = g.handleFrame(ctx, conn, gen, data); err != nil {
			g.connectionLost(ctx, gen, err)
			return
		}
	}
}

// handleFrame processes a single inbound frame. A non-nil error means
// the connection should be dropped and re-established.
func (g *Gateway) handleFrame(
	ctx context.Context,
	conn *websocket.Conn,
	gen uint64,
	data []byte,
) error {
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		g.dropFrame(ctx, &ProtocolError{Op: -1, Err: err})
		return nil
	}

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return nil
	}
	if frame.S != nil {
		seq := *frame.S
		g.sequence = &seq
	}
	g.mu.Unlock()

	switch frame.Op {
	case opHello:
		var hello gatewayHello
		if err := json.Unmarshal(frame.D, &hello); err != nil {
			g.dropFrame(ctx, &ProtocolError{Op: frame.Op, Err: err})
			return nil
		}
		if hello.HeartbeatInterval <= 0 {
			g.dropFrame(
				ctx,
				&ProtocolError{
					Op:  frame.Op,
					Err: fmt.Errorf("invalid heartbeat_interval: %d", hello.HeartbeatInterval),
				},
			)
			return nil
		}
		return g.identify(
			ctx,
			conn,
			gen,
			time.Duration(hello.HeartbeatInterval)*time.Millisecond,
		)
	case opHeartbeat:
		g.sendHeartbeat(ctx, conn, gen)
	case opHeartbeatAck:
		g.mu.Lock()
		g.lastHeartbeatAck = g.clock.Now()
		g.mu.Unlock()
	case opDispatch:
		g.dispatch(ctx, frame)
	case opReconnect:
		return errReconnectRequested
	case opInvalidSession:
		return errInvalidSession
	default:
		g.logger.DebugContext(ctx, "ignoring gateway opcode", "op", frame.Op)
	}
	return nil
}

// identify starts the heartbeat at the server-provided interval and
// sends the identify payload.
func (g *Gateway) identify(
	ctx context.Context,
	conn *websocket.Conn,
	gen uint64,
	interval time.Duration,
) error {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return nil
	}
	if g.state != GatewayAwaitingHello {
		g.mu.Unlock()
		g.dropFrame(
			ctx,
			&ProtocolError{Op: opHello, Err: fmt.Errorf("unexpected hello in state %s", g.State())},
		)
		return nil
	}
	g.heartbeatInterval = interval
	g.setStateLocked(GatewayIdentifying)
	g.startHeartbeatLocked(ctx, conn, gen, interval)
	g.mu.Unlock()

	g.logger.DebugContext(ctx, "received hello", "heartbeat_interval", interval)

	err := g.write(
		conn, gatewayPayload{
			Op: opIdentify,
			D: gatewayIdentify{
				Token:   g.token,
				Intents: g.intents,
				Properties: discordgo.IdentifyProperties{
					OS:      gatewayClientOS,
					Browser: gatewayClientDevice,
					Device:  gatewayClientDevice,
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}

	g.mu.Lock()
	if gen == g.gen && g.state == GatewayIdentifying {
		g.setStateLocked(GatewayConnected)
	}
	g.mu.Unlock()
	g.logger.InfoContext(ctx, "gateway identified")
	return nil
}

func (g *Gateway) startHeartbeatLocked(
	ctx context.Context,
	conn *websocket.Conn,
	gen uint64,
	interval time.Duration,
) {
	g.stopHeartbeatLocked()

	ticker := g.clock.Ticker(interval)
	done := make(chan struct{})
	g.heartbeatTicker = ticker
	g.heartbeatDone = done

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !g.sendHeartbeat(ctx, conn, gen) {
					return
				}
			}
		}
	}()
}

func (g *Gateway) stopHeartbeatLocked() {
	if g.heartbeatTicker != nil {
		g.heartbeatTicker.Stop()
		g.heartbeatTicker = nil
	}
	if g.heartbeatDone != nil {
		close(g.heartbeatDone)
		g.heartbeatDone = nil
	}
}

// sendHeartbeat writes a heartbeat carrying the last observed sequence
// number, or null if none has been seen. It returns false if the
// connection it was started for has been superseded or the write failed.
func (g *Gateway) sendHeartbeat(ctx context.Context, conn *websocket.Conn, gen uint64) bool {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return false
	}
	var seq *int64
	if g.sequence != nil {
		s := *g.sequence
		seq = &s
	}
	g.mu.Unlock()

	if err := g.write(conn, gatewayPayload{Op: opHeartbeat, D: seq}); err != nil {
		// the read loop will see the broken socket and reconnect
		g.logger.DebugContext(ctx, "heartbeat failed", tint.Err(err))
		return false
	}
	return true
}

func (g *Gateway) write(conn *websocket.Conn, payload gatewayPayload) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func (g *Gateway) dispatch(ctx context.Context, frame gatewayFrame) {
	if frame.T == nil || *frame.T == "" {
		g.dropFrame(ctx, &ProtocolError{Op: frame.Op, Err: errors.New("dispatch without event name")})
		return
	}

	event := GatewayEvent{Type: *frame.T, Data: frame.D}
	if frame.S != nil {
		event.Sequence = *frame.S
	}
	if event.Type == EventMessageCreate {
		var msg discordgo.Message
		if err := json.Unmarshal(frame.D, &msg); err != nil {
			g.dropFrame(ctx, &ProtocolError{Op: frame.Op, Err: err})
			return
		}
		event.Message = &msg
		event.ChannelID = msg.ChannelID
	}
	g.dispatches.Add(1)

	g.listenersMu.RLock()
	snapshot := make([]listenerEntry, len(g.listeners))
	copy(snapshot, g.listeners)
	g.listenersMu.RUnlock()

	for _, l := range snapshot {
		if l.event != EventAny && l.event != event.Type {
			continue
		}
		if l.channelID != "" && l.channelID != event.ChannelID {
			continue
		}
		g.callListener(ctx, l.fn, event)
	}
}

func (g *Gateway) callListener(ctx context.Context, fn Listener, event GatewayEvent) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, g.logger), rc)
		}
	}()
	fn(event)
}

func (g *Gateway) dropFrame(ctx context.Context, err *ProtocolError) {
	g.droppedFrames.Add(1)
	g.logger.WarnContext(ctx, "dropping gateway frame", tint.Err(err))
}

// connectionLost tears down the socket for generation gen and decides
// whether to reconnect. It's a no-op if gen has already been superseded.
func (g *Gateway) connectionLost(ctx context.Context, gen uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.gen || g.closed {
		return
	}
	g.gen++
	g.stopHeartbeatLocked()
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if reason, ok := terminalCloseCodes[closeErr.Code]; ok {
			g.setStateLocked(GatewayFailed)
			g.logger.ErrorContext(
				ctx,
				"gateway closed with a non-recoverable code, not reconnecting",
				"code", closeErr.Code,
				"reason", reason,
			)
			return
		}
	}

	g.setStateLocked(GatewayErroring)
	g.logger.WarnContext(ctx, "gateway connection lost", tint.Err(err))
	g.scheduleReconnectLocked()
}

func (g *Gateway) scheduleReconnectLocked() {
	delay, ok := g.policy.Next()
	if !ok {
		g.setStateLocked(GatewayFailed)
		g.logger.Error(
			"gateway reconnect attempts exhausted",
			"max_attempts", g.policy.MaxAttempts(),
		)
		return
	}

	g.setStateLocked(GatewayReconnecting)
	g.reconnects.Add(1)
	g.logger.Info(
		"scheduling gateway reconnect",
		"delay", delay,
		"attempt", g.policy.Attempt(),
	)

	ctx := g.runCtx
	if g.reconnectTimer != nil {
		g.reconnectTimer.Stop()
	}
	g.reconnectTimer = g.clock.AfterFunc(
		delay, func() {
			g.mu.Lock()
			g.reconnectTimer = nil
			closed := g.closed
			g.mu.Unlock()
			if closed {
				return
			}
			g.open(ctx)
		},
	)
}

func (g *Gateway) setStateLocked(s GatewayState) {
	if g.state == s {
		return
	}
	g.logger.Debug("gateway state changed", "from", g.state, "to", s)
	from := g.state
	g.state = s

	g.listenersMu.RLock()
	snapshot := make([]stateListenerEntry, len(g.stateListeners))
	copy(snapshot, g.stateListeners)
	g.listenersMu.RUnlock()

	for _, l := range snapshot {
		g.callStateListener(l.fn, from, s)
	}
}

func (g *Gateway) callStateListener(fn StateListener, from, to GatewayState) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(context.Background(), g.logger), rc)
		}
	}()
	fn(from, to)
}

// OnStateChange registers fn for state transitions. The returned
// function removes it.
func (g *Gateway) OnStateChange(fn StateListener) func() {
	g.listenersMu.Lock()
	g.nextListenerID++
	id := g.nextListenerID
	g.stateListeners = append(g.stateListeners, stateListenerEntry{id: id, fn: fn})
	g.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				g.listenersMu.Lock()
				defer g.listenersMu.Unlock()
				for i, l := range g.stateListeners {
					if l.id == id {
						g.stateListeners = append(g.stateListeners[:i], g.stateListeners[i+1:]...)
						return
					}
				}
			},
		)
	}
}

// Close shuts the connection down cleanly: the heartbeat and any
// pending reconnect are cancelled, a normal close frame is sent, and no
// reconnect is scheduled. A closed Gateway can't be reconnected.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.gen++
	g.stopHeartbeatLocked()
	if g.reconnectTimer != nil {
		g.reconnectTimer.Stop()
		g.reconnectTimer = nil
	}
	if g.runCancel != nil {
		g.runCancel()
	}
	conn := g.conn
	g.conn = nil
	g.setStateLocked(GatewayClosing)
	g.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(gatewayWriteTimeout),
		)
		err = conn.Close()
	}

	g.mu.Lock()
	g.setStateLocked(GatewayDisconnected)
	g.mu.Unlock()
	g.logger.Info("gateway closed")
	return err
}

// On registers fn for dispatches named event (or EventAny for all of
// them). If channelID is set, only events for that channel are
// delivered. Listeners are called in registration order. The returned
// function removes the listener.
func (g *Gateway) On(event, channelID string, fn Listener) func() {
	g.listenersMu.Lock()
	g.nextListenerID++
	id := g.nextListenerID
	g.listeners = append(
		g.listeners,
		listenerEntry{id: id, event: event, channelID: channelID, fn: fn},
	)
	g.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				g.listenersMu.Lock()
				defer g.listenersMu.Unlock()
				for i, l := range g.listeners {
					if l.id == id {
						g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
						return
					}
				}
			},
		)
	}
}

func (g *Gateway) State() GatewayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Sequence returns the last sequence number observed on the current
// connection, or nil if none has been seen.
func (g *Gateway) Sequence() *int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sequence == nil {
		return nil
	}
	s := *g.sequence
	return &s
}

func (g *Gateway) HeartbeatInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heartbeatInterval
}

func (g *Gateway) Fingerprint() string {
	return g.fingerprint
}

func (g *Gateway) Stats() GatewayStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GatewayStats{
		State:             g.state,
		HeartbeatInterval: g.heartbeatInterval,
		ReconnectAttempt:  g.policy.Attempt(),
		Reconnects:        g.reconnects.Load(),
		DroppedFrames:     g.droppedFrames.Load(),
		Dispatches:        g.dispatches.Load(),
		LastHeartbeatAck:  g.lastHeartbeatAck,
	}
	if g.sequence != nil {
		s := *g.sequence
		stats.Sequence = &s
	}
	return stats
}
