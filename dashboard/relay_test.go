package dashboard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayTestServer struct {
	hub     *RelayHub
	manager *GatewayManager
	fg      *fakeGateway
	srv     *httptest.Server
}

func newRelayTestServer(t testing.TB) *relayTestServer {
	t.Helper()
	fg := newFakeGateway(t)
	manager := NewGatewayManager(
		discardLogger(),
		WithGatewayURL(fg.URL()),
		WithGatewayClock(clock.NewMock()),
		WithGatewayDialer(&websocket.Dialer{HandshakeTimeout: 2 * time.Second}),
		WithReconnectPolicy(time.Second, 5),
	)
	hub := NewRelayHub(manager, RelayConfig{}, clock.NewMock(), discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(
		func() {
			hub.Close()
			srv.Close()
			_ = manager.Close()
		},
	)
	return &relayTestServer{hub: hub, manager: manager, fg: fg, srv: srv}
}

func (rs *relayTestServer) dial(t testing.TB) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(rs.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readRelayEvent(t testing.TB, conn *websocket.Conn) relayEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWaitTimeout)))
	var event relayEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func sendRelayRequest(t testing.TB, conn *websocket.Conn, req relayRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

// identifyRelay identifies conn with testBotToken, and completes the
// gateway handshake on the fake gateway
func (rs *relayTestServer) identifyRelay(t testing.TB, conn *websocket.Conn) *fakeGatewayConn {
	t.Helper()
	sendRelayRequest(t, conn, relayRequest{Type: relayTypeIdentify, Token: testBotToken})

	ready := readRelayEvent(t, conn)
	require.Equal(t, relayTypeReady, ready.Type)
	assert.NotEmpty(t, ready.State)

	fc := rs.fg.next(t)
	fc.hello(t)
	identify := fc.expect(t)
	require.Equal(t, opIdentify, identify.Op)

	fp := tokenFingerprint(testBotToken)
	require.Eventually(
		t,
		func() bool {
			stats, ok := rs.manager.Stats()[fp]
			return ok && stats.State == GatewayConnected
		},
		testWaitTimeout,
		testWaitTick,
	)
	return fc
}

func TestRelay_RequiresIdentify(t *testing.T) {
	rs := newRelayTestServer(t)
	conn := rs.dial(t)

	sendRelayRequest(t, conn, relayRequest{Type: relayTypeSubscribe, ChannelID: "C1"})
	event := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeError, event.Type)
	assert.Equal(t, "identify first", event.Error)
	assert.Equal(t, 0, rs.manager.Len())
}

func TestRelay_IdentifyWithoutToken(t *testing.T) {
	rs := newRelayTestServer(t)
	conn := rs.dial(t)

	sendRelayRequest(t, conn, relayRequest{Type: relayTypeIdentify})
	event := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeError, event.Type)
	assert.Equal(t, ErrMissingCredential.Error(), event.Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWaitTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, int32(0), rs.fg.accepted.Load())

	require.Eventually(t, func() bool { return rs.hub.Len() == 0 }, testWaitTimeout, testWaitTick)
}

func TestRelay_SubscribeAndForward(t *testing.T) {
	rs := newRelayTestServer(t)
	conn := rs.dial(t)
	fc := rs.identifyRelay(t, conn)

	sendRelayRequest(t, conn, relayRequest{Type: relayTypeSubscribe, ChannelID: "C1"})
	subscribed := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeSubscribed, subscribed.Type)
	assert.Equal(t, "C1", subscribed.ChannelID)

	fc.send(
		t, map[string]any{
			"op": opDispatch, "t": EventMessageCreate, "s": 1,
			"d": map[string]any{"id": "M1", "channel_id": "C2", "content": "elsewhere"},
		},
	)
	fc.send(
		t, map[string]any{
			"op": opDispatch, "t": EventMessageCreate, "s": 2,
			"d": map[string]any{"id": "M2", "channel_id": "C1", "content": "hello"},
		},
	)

	event := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeMessageCreate, event.Type)
	assert.Equal(t, "C1", event.ChannelID)
	assert.Contains(t, string(event.Data), `"content":"hello"`)

	sendRelayRequest(t, conn, relayRequest{Type: relayTypeUnsubscribe, ChannelID: "C1"})
	unsubscribed := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeUnsubscribed, unsubscribed.Type)

	fc.send(
		t, map[string]any{
			"op": opDispatch, "t": EventMessageCreate, "s": 3,
			"d": map[string]any{"id": "M3", "channel_id": "C1", "content": "dropped"},
		},
	)
	sendRelayRequest(t, conn, relayRequest{Type: "bogus"})
	event = readRelayEvent(t, conn)
	assert.Equal(t, relayTypeError, event.Type)
	assert.Contains(t, event.Error, "unknown message type")
}

func TestRelay_GatewayFailureForwarded(t *testing.T) {
	rs := newRelayTestServer(t)
	conn := rs.dial(t)
	fc := rs.identifyRelay(t, conn)

	require.NoError(
		t,
		fc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(4004, "Authentication failed."),
			time.Now().Add(time.Second),
		),
	)
	event := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeState, event.Type)
	assert.Equal(t, GatewayFailed.String(), event.State)
	assert.NotEmpty(t, event.Error)

	// another client identifying restarts the failed gateway
	second := rs.dial(t)
	sendRelayRequest(t, second, relayRequest{Type: relayTypeIdentify, Token: testBotToken})
	ready := readRelayEvent(t, second)
	assert.Equal(t, relayTypeReady, ready.Type)

	fc = rs.fg.next(t)
	fc.hello(t)
	require.Equal(t, opIdentify, fc.expect(t).Op)

	event = readRelayEvent(t, conn)
	assert.Equal(t, relayTypeState, event.Type)
	assert.Equal(t, GatewayConnected.String(), event.State)
	assert.Empty(t, event.Error)
}

func TestRelay_ClientsShareGateway(t *testing.T) {
	rs := newRelayTestServer(t)
	first := rs.dial(t)
	rs.identifyRelay(t, first)

	second := rs.dial(t)
	sendRelayRequest(t, second, relayRequest{Type: relayTypeIdentify, Token: testBotToken})
	ready := readRelayEvent(t, second)
	assert.Equal(t, relayTypeReady, ready.Type)
	assert.Equal(t, GatewayConnected.String(), ready.State)

	assert.Equal(t, 1, rs.manager.Len())
	assert.Equal(t, int32(1), rs.fg.accepted.Load())
	assert.Equal(t, 2, rs.hub.Len())

	_ = first.Close()
	require.Eventually(t, func() bool { return rs.hub.Len() == 1 }, testWaitTimeout, testWaitTick)
	assert.Equal(t, 1, rs.manager.Len())

	_ = second.Close()
	require.Eventually(t, func() bool { return rs.manager.Len() == 0 }, testWaitTimeout, testWaitTick)
}

func TestRelay_AlreadyIdentified(t *testing.T) {
	rs := newRelayTestServer(t)
	conn := rs.dial(t)
	rs.identifyRelay(t, conn)

	sendRelayRequest(t, conn, relayRequest{Type: relayTypeIdentify, Token: testOtherBotToken})
	event := readRelayEvent(t, conn)
	assert.Equal(t, relayTypeError, event.Type)
	assert.Equal(t, "already identified", event.Error)
	assert.Equal(t, 1, rs.manager.Len())
}

func TestRelayHub_Close(t *testing.T) {
	rs := newRelayTestServer(t)
	conn := rs.dial(t)
	require.Eventually(t, func() bool { return rs.hub.Len() == 1 }, testWaitTimeout, testWaitTick)

	rs.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWaitTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	refused := rs.dial(t)
	require.NoError(t, refused.SetReadDeadline(time.Now().Add(testWaitTimeout)))
	_, _, err = refused.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
