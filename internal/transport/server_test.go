// ABOUTME: End-to-end tests over real WebSockets: auth, admission, fan-out, and isolation
// ABOUTME: Runs the real broker behind an httptest server

package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sacmes-gateway/internal/agent"
	"github.com/2389/sacmes-gateway/internal/auth"
	"github.com/2389/sacmes-gateway/internal/broker"
	"github.com/2389/sacmes-gateway/internal/protocol"
	"github.com/2389/sacmes-gateway/internal/viewer"
)

const testSecret = "transport-test-secret"

type harness struct {
	srv      *httptest.Server
	verifier *auth.JWTVerifier
	broker   *broker.Broker
	ws       *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	verifier := auth.NewJWTVerifier([]byte(testSecret))
	b := broker.New(
		agent.NewRegistry(agent.RegistryConfig{InstanceID: "gw-test"}),
		viewer.NewRegistry(nil),
		broker.Config{},
	)
	ws := NewServer(b, Config{Auth: verifier, PongWait: 5 * time.Second})
	mux := http.NewServeMux()
	ws.Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		ws.Close()
		srv.Close()
		b.Close()
	})
	return &harness{srv: srv, verifier: verifier, broker: b, ws: ws}
}

func (h *harness) wsURL(path string, q url.Values) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (h *harness) dialAgent(t *testing.T, tenantID, sessionID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	token, err := h.verifier.Generate(tenantID, time.Minute)
	require.NoError(t, err)
	q := url.Values{"tenant_id": {tenantID}, "session_id": {sessionID}}
	return websocket.DefaultDialer.Dial(h.wsURL("/ws/agent", q), auth.BearerHeader(token))
}

func (h *harness) dialViewer(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/viewer", nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func recv(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	return ev
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func subscribe(t *testing.T, conn *websocket.Conn, tenantID string) protocol.SubscriptionResult {
	t.Helper()
	send(t, conn, protocol.ViewerCheckSubscription{TenantID: tenantID})
	res, ok := recv(t, conn).(protocol.SubscriptionResult)
	require.True(t, ok)
	return res
}

func TestAgentAuth(t *testing.T) {
	h := newHarness(t)

	t.Run("missing token", func(t *testing.T) {
		q := url.Values{"tenant_id": {"t-1"}}
		_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/agent", q), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token for another tenant", func(t *testing.T) {
		token, _ := h.verifier.Generate("t-2", time.Minute)
		q := url.Values{"tenant_id": {"t-1"}}
		_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/agent", q), auth.BearerHeader(token))
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/agent", nil), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAgentToViewerFanOut(t *testing.T) {
	h := newHarness(t)

	a1, _, err := h.dialAgent(t, "t-1", "S1")
	require.NoError(t, err)
	defer a1.Close()
	adm, ok := recv(t, a1).(protocol.ConnectionAdmitted)
	require.True(t, ok)
	assert.Equal(t, "t-1", adm.TenantID)

	a2, _, err := h.dialAgent(t, "t-2", "S2")
	require.NoError(t, err)
	defer a2.Close()
	recv(t, a2)

	v1 := h.dialViewer(t)
	v2 := h.dialViewer(t)
	v3 := h.dialViewer(t)
	assert.Equal(t, 1, subscribe(t, v1, "t-1").ViewerCount)
	assert.Equal(t, 2, subscribe(t, v2, "t-1").ViewerCount)
	assert.True(t, subscribe(t, v3, "t-2").Connected)

	send(t, a1, protocol.AgentPayload{Filename: "scan_60Hz_1.txt", Content: `{"x":1}`})

	for _, v := range []*websocket.Conn{v1, v2} {
		u, ok := recv(t, v).(protocol.LiveUpdate)
		require.True(t, ok)
		assert.Equal(t, "t-1", u.TenantID)
		assert.Equal(t, `{"x":1}`, u.Content)
	}
	expectSilence(t, v3)
}

func TestCollisionOverWebSocket(t *testing.T) {
	h := newHarness(t)

	a1, _, err := h.dialAgent(t, "t-1", "S1")
	require.NoError(t, err)
	defer a1.Close()
	recv(t, a1)

	v := h.dialViewer(t)
	subscribe(t, v, "t-1")

	a2, _, err := h.dialAgent(t, "t-1", "S2")
	require.NoError(t, err)
	defer a2.Close()

	rej, ok := recv(t, a2).(protocol.ConnectionRejected)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonTenantCollision, rej.Reason)

	require.NoError(t, a2.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = a2.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "newcomer is closed: %v", err)

	expectSilence(t, v)

	// The original agent still streams.
	send(t, a1, protocol.AgentPayload{Filename: "f", Content: "still here"})
	u, ok := recv(t, v).(protocol.LiveUpdate)
	require.True(t, ok)
	assert.Equal(t, "still here", u.Content)
}

func TestAgentDisconnectNotifiesViewers(t *testing.T) {
	h := newHarness(t)

	a, _, err := h.dialAgent(t, "t-1", "S1")
	require.NoError(t, err)
	recv(t, a)

	v := h.dialViewer(t)
	subscribe(t, v, "t-1")

	require.NoError(t, a.Close())

	st, ok := recv(t, v).(protocol.TenantStatus)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOffline, st.Status)

	// The tenant is free again.
	again, _, err := h.dialAgent(t, "t-1", "S2")
	require.NoError(t, err)
	defer again.Close()
	_, ok = recv(t, again).(protocol.ConnectionAdmitted)
	assert.True(t, ok)
}

func TestViewerUnknownTenant(t *testing.T) {
	h := newHarness(t)

	v := h.dialViewer(t)
	res := subscribe(t, v, "nobody")
	assert.False(t, res.Connected)
}

func TestStartSessionOverWebSocket(t *testing.T) {
	h := newHarness(t)

	a, _, err := h.dialAgent(t, "t-1", "S1")
	require.NoError(t, err)
	defer a.Close()
	recv(t, a)

	v := h.dialViewer(t)
	subscribe(t, v, "t-1")

	send(t, v, protocol.StartAnalysisSession{
		TenantID:       "t-1",
		Filters:        &protocol.Filters{Handle: "scan", Frequencies: []int{60}, RangeStart: 1, RangeEnd: 5},
		AnalysisParams: json.RawMessage(`{"file_extension":".csv"}`),
	})

	ack, ok := recv(t, v).(protocol.AckStartSession)
	require.True(t, ok)
	assert.Equal(t, protocol.AckSuccess, ack.Status)

	set, ok := recv(t, a).(protocol.SetFilters)
	require.True(t, ok)
	assert.Equal(t, ".csv", set.FileExtension)
}

func TestUnknownFramesAreIgnored(t *testing.T) {
	h := newHarness(t)

	v := h.dialViewer(t)
	require.NoError(t, v.WriteMessage(websocket.TextMessage, []byte(`{"type":"stream_instrument_data","payload":{}}`)))
	require.NoError(t, v.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	// The socket survives and keeps answering.
	assert.False(t, subscribe(t, v, "t-1").Connected)
}

func TestServerCloseDropsSockets(t *testing.T) {
	h := newHarness(t)

	v := h.dialViewer(t)
	subscribe(t, v, "t-1")
	require.Eventually(t, func() bool { return h.ws.Count() == 1 }, time.Second, 10*time.Millisecond)

	h.ws.Close()
	assert.Equal(t, 0, h.ws.Count())

	require.NoError(t, v.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := v.ReadMessage()
	assert.Error(t, err)
}
