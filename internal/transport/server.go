// ABOUTME: HTTP handlers that upgrade agent and viewer sockets and feed the broker
// ABOUTME: Agents authenticate with a bearer JWT for the tenant named in the query string

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/sacmes-gateway/internal/auth"
	"github.com/2389/sacmes-gateway/internal/broker"
	"github.com/2389/sacmes-gateway/internal/protocol"
	"github.com/2389/sacmes-gateway/internal/tenant"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 8 << 20
	defaultSendBuffer     = 256
)

// Broker is the subset of *broker.Broker the transport drives.
type Broker interface {
	OnAgentConnect(ctx context.Context, ev broker.AgentConnect, c broker.Conn) error
	OnAgentDisconnect(handle string)
	OnAgentPayload(ctx context.Context, handle string, p protocol.AgentPayload) int
	OnViewerSubscribe(ctx context.Context, ev protocol.ViewerCheckSubscription, c broker.Conn)
	OnViewerDisconnect(handle string)
	OnStartSession(ctx context.Context, c broker.Conn, ev protocol.StartAnalysisSession)
}

// Authenticator checks an agent upgrade request for tenantID.
type Authenticator interface {
	AuthenticateAgent(r *http.Request, tenantID string) error
}

var _ Authenticator = (*auth.JWTVerifier)(nil)

// Config configures a Server.
type Config struct {
	Auth Authenticator

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	// PongWait is how long a silent peer is tolerated. PingPeriod must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration

	MaxMessageSize int64

	// CheckOrigin overrides the upgrader's origin check for viewer sockets.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// Server owns the WebSocket endpoints.
type Server struct {
	broker   Broker
	auth     Authenticator
	upgrader websocket.Upgrader
	buffer   int
	timing   timing
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup
}

// NewServer creates a transport Server driving b.
func NewServer(b Broker, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &Server{
		broker: b,
		auth:   cfg.Auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		buffer: cfg.SendBuffer,
		timing: timing{
			writeWait:      defaultWriteWait,
			pongWait:       cfg.PongWait,
			pingPeriod:     cfg.PingPeriod,
			maxMessageSize: cfg.MaxMessageSize,
		},
		logger:  cfg.Logger,
		clients: make(map[string]*client),
	}
}

// Register mounts the socket endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/agent", s.handleAgent)
	mux.HandleFunc("GET /ws/viewer", s.handleViewer)
}

// Count returns the number of open sockets.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close closes every open socket and waits for their handlers to finish.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	sessionID := r.URL.Query().Get("session_id")
	if tenantID == "" {
		http.Error(w, `{"error":"tenant_id is required"}`, http.StatusBadRequest)
		return
	}
	if s.auth == nil {
		http.Error(w, `{"error":"agent authentication is not configured"}`, http.StatusServiceUnavailable)
		return
	}
	if err := s.auth.AuthenticateAgent(r, tenantID); err != nil {
		s.logger.Warn("agent authentication failed",
			"tenant", tenant.Fingerprint(tenantID),
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		status := auth.StatusFor(err)
		http.Error(w, `{"error":"`+http.StatusText(status)+`"}`, status)
		return
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c, ok := s.accept(w, r, roleAgent)
	if !ok {
		return
	}
	defer s.release(c)

	ctx := auth.WithTenant(r.Context(), tenantID)
	if err := s.broker.OnAgentConnect(ctx, broker.AgentConnect{TenantID: tenantID, SessionID: sessionID}, c); err != nil {
		// The write pump flushes the rejection, then closes the socket and ends this read.
		c.readPump(func([]byte) {})
		return
	}
	defer s.broker.OnAgentDisconnect(c.handle)

	c.readPump(func(data []byte) {
		ev, err := protocol.DecodeInbound(data)
		if err != nil {
			c.logger.Warn("discarding agent frame", "error", err)
			return
		}
		switch ev := ev.(type) {
		case protocol.AgentPayload:
			s.broker.OnAgentPayload(ctx, c.handle, ev)
		case protocol.ViewerCheckSubscription, protocol.StartAnalysisSession:
			c.logger.Warn("agent sent a viewer event", "kind", ev.Kind())
		}
	})
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.accept(w, r, roleViewer)
	if !ok {
		return
	}
	defer s.release(c)
	defer s.broker.OnViewerDisconnect(c.handle)

	ctx := r.Context()
	c.readPump(func(data []byte) {
		ev, err := protocol.DecodeInbound(data)
		if err != nil {
			c.logger.Warn("discarding viewer frame", "error", err)
			return
		}
		switch ev := ev.(type) {
		case protocol.ViewerCheckSubscription:
			s.broker.OnViewerSubscribe(ctx, ev, c)
		case protocol.StartAnalysisSession:
			s.broker.OnStartSession(ctx, c, ev)
		case protocol.AgentPayload:
			c.logger.Warn("viewer sent an agent payload")
		}
	})
}

// accept upgrades the request and starts the write pump.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, ro role) (*client, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("websocket upgrade failed", "role", string(ro), "error", err)
		}
		return nil, false
	}

	c := newClient(ws, uuid.NewString(), ro, s.buffer, s.timing, s.logger)

	s.mu.Lock()
	s.clients[c.handle] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go c.writePump()
	s.logger.Debug("socket opened", "role", string(ro), "handle", c.handle, "remote_addr", r.RemoteAddr)
	return c, true
}

func (s *Server) release(c *client) {
	s.mu.Lock()
	delete(s.clients, c.handle)
	s.mu.Unlock()
	s.wg.Done()
	s.logger.Debug("socket closed", "role", string(c.role), "handle", c.handle)
}
