// ABOUTME: Tests for Gateway wiring, lifecycle, health endpoints, and cross-instance lookup
// ABOUTME: Uses real listeners, real WebSocket dials, and a shared SQLite file

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/sacmes-gateway/internal/auth"
	"github.com/2389/sacmes-gateway/internal/config"
	"github.com/2389/sacmes-gateway/internal/protocol"
	"github.com/2389/sacmes-gateway/internal/store"
)

const testSecret = "gateway-test-secret"

// freeAddr finds an available loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr:   freeAddr(t),
			HTTPAddr:   freeAddr(t),
			InstanceID: "gw-test",
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Auth: config.AuthConfig{
			AgentSecret: testSecret,
		},
		Agents: config.AgentsConfig{
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTimeout:  5 * time.Second,
		},
		Mirror: config.MirrorConfig{
			Hash:      config.DefaultMirrorHash,
			Timeout:   time.Second,
			RemoteTTL: time.Minute,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func wsURL(srv *httptest.Server, path string, q url.Values) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func dialAgent(t *testing.T, srv *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(tenantID, time.Minute)
	require.NoError(t, err)
	q := url.Values{"tenant_id": {tenantID}, "session_id": {"S-" + tenantID}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/agent", q), auth.BearerHeader(token))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	require.IsType(t, protocol.ConnectionAdmitted{}, ev)
	return conn
}

func subscribe(t *testing.T, srv *httptest.Server, tenantID string) protocol.SubscriptionResult {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/viewer", nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	data, err := protocol.Encode(protocol.ViewerCheckSubscription{TenantID: tenantID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	res, ok := ev.(protocol.SubscriptionResult)
	require.True(t, ok, "got %T", ev)
	return res
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.agents == nil || gw.viewers == nil || gw.broker == nil {
		t.Error("registries and broker should be wired")
	}
	if _, ok := gw.store.(*store.MemoryStore); !ok {
		t.Errorf("store = %T, want *store.MemoryStore for :memory:", gw.store)
	}
}

func TestGatewayNew_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "mirror.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.IsType(t, &store.SQLiteStore{}, gw.store)
}

func TestGatewayNew_DBPathOverride(t *testing.T) {
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv(EnvDBPath, override)

	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.IsType(t, &store.SQLiteStore{}, gw.store)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	status, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status.GetStatus())
}

func TestGatewayRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestHealthEndpoints(t *testing.T) {
	gw, srv := newTestGateway(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	gw.store.(*store.MemoryStore).SetFailure(errors.New("connection refused"))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "store unavailable", string(body))
}

func TestStatsEndpoint(t *testing.T) {
	gw, srv := newTestGateway(t, testConfig(t))

	const tenantID = "c0ffee-tenant-secret"
	dialAgent(t, srv, tenantID)
	subscribe(t, srv, tenantID)
	require.NoError(t, gw.mirror.Flush(t.Context()))

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), tenantID)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, "gw-test", stats.InstanceID)
	assert.Equal(t, 2, stats.Sockets)
	assert.Equal(t, 1, stats.Mirrored)
	assert.Equal(t, 1, stats.Broker.Agents.Live)
	assert.Equal(t, 1, stats.Broker.Viewers.Viewers)
	assert.Equal(t, uint64(1), stats.Mirror.Writes)
}

func TestCrossInstanceLookup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fleet.db")

	cfgA := testConfig(t)
	cfgA.Server.InstanceID = "gw-a"
	cfgA.Database.Path = dbPath
	gwA, srvA := newTestGateway(t, cfgA)

	cfgB := testConfig(t)
	cfgB.Server.InstanceID = "gw-b"
	cfgB.Database.Path = dbPath
	_, srvB := newTestGateway(t, cfgB)

	dialAgent(t, srvA, "T1")
	require.NoError(t, gwA.mirror.Flush(t.Context()))

	res := subscribe(t, srvB, "T1")
	assert.True(t, res.Connected, "instance B should find the agent bound on A")
	assert.True(t, res.Remote, "B has no stream for an agent bound on A")

	res = subscribe(t, srvB, "T2")
	assert.False(t, res.Connected)
}

func TestCrossInstanceCollision(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fleet.db")

	cfgA := testConfig(t)
	cfgA.Server.InstanceID = "gw-a"
	cfgA.Database.Path = dbPath
	gwA, srvA := newTestGateway(t, cfgA)

	cfgB := testConfig(t)
	cfgB.Server.InstanceID = "gw-b"
	cfgB.Database.Path = dbPath
	gwB, srvB := newTestGateway(t, cfgB)

	dialAgent(t, srvA, "T1")
	require.NoError(t, gwA.mirror.Flush(t.Context()))

	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate("T1", time.Minute)
	require.NoError(t, err)
	q := url.Values{"tenant_id": {"T1"}, "session_id": {"S-other"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srvB, "/ws/agent", q), auth.BearerHeader(token))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	rejected, ok := ev.(protocol.ConnectionRejected)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, protocol.ReasonTenantCollision, rejected.Reason)

	assert.Equal(t, 0, gwB.broker.Stats().Agents.Live)
	assert.Equal(t, 1, gwA.broker.Stats().Agents.Live)
}
