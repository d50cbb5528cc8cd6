// ABOUTME: Agent-side WebSocket client that streams files to the gateway
// ABOUTME: Reconnects with a fixed delay under one session ID; never retries a rejection

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/sacmes-gateway/internal/auth"
	"github.com/2389/sacmes-gateway/internal/monitor"
	"github.com/2389/sacmes-gateway/internal/protocol"
	"github.com/2389/sacmes-gateway/internal/tenant"
	"github.com/2389/sacmes-gateway/internal/watch"
)

// Defaults for Config fields left zero.
const (
	DefaultCompressThreshold = 4096
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 5 * time.Second

	writeWait     = 10 * time.Second
	handshakeWait = 10 * time.Second
)

var (
	// ErrRejected is matched by errors.Is for any *RejectedError.
	ErrRejected = errors.New("gateway rejected connection")

	// ErrNotConnected is returned by SendFile between connections.
	ErrNotConnected = errors.New("not connected to gateway")

	// ErrGaveUp is returned by Run after the last reconnect attempt fails.
	ErrGaveUp = errors.New("gave up reconnecting")
)

// RejectedError carries the gateway's reason for refusing the agent.
type RejectedError struct {
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected connection (%s): %s", e.Reason, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Config configures a Client.
type Config struct {
	// GatewayURL is the gateway's base URL, http(s) or ws(s).
	GatewayURL string
	TenantID   string

	// SessionID is reused across reconnects. Generated when empty.
	SessionID string

	// Secret signs the bearer token presented on every dial.
	Secret []byte

	// WatchDir is scanned for files once the viewer sends filters.
	WatchDir     string
	PollInterval time.Duration
	SendDelay    time.Duration

	// CompressThreshold is the content size above which payloads are
	// zstd-compressed. Negative disables compression.
	CompressThreshold int

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Monitor runs the watch task. A default controller is created when nil.
	Monitor *monitor.Controller

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client streams files from one agent to the gateway.
type Client struct {
	cfg    Config
	tokens *auth.JWTVerifier
	ctrl   *monitor.Controller
	logger *slog.Logger

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	// filters holds the newest filters not yet applied. A newer value
	// replaces an older one still waiting.
	filters chan watch.Filters
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("agent secret is required")
	}
	if _, err := endpoint(cfg.GatewayURL, "", ""); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeWait}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = monitor.New(monitor.Config{Logger: cfg.Logger})
	}

	return &Client{
		cfg:     cfg,
		tokens:  auth.NewJWTVerifier(cfg.Secret),
		ctrl:    cfg.Monitor,
		filters: make(chan watch.Filters, 1),
		logger:  cfg.Logger.With("component", "agent-client", "tenant", tenant.Fingerprint(cfg.TenantID)),
	}, nil
}

// SessionID returns the session ID presented on every connection.
func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// endpoint builds the agent socket URL from a base URL.
func endpoint(base, tenantID, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("gateway url must use http, https, ws, or wss: %q", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent"
	u.RawQuery = url.Values{"tenant_id": {tenantID}, "session_id": {sessionID}}.Encode()
	return u.String(), nil
}

// Run connects and serves until ctx ends, the gateway rejects the agent,
// or every reconnect attempt fails. The watch task survives reconnects and
// is stopped when Run returns.
func (c *Client) Run(ctx context.Context) error {
	applyCtx, stopApplying := context.WithCancel(ctx)
	applied := make(chan struct{})
	go func() {
		defer close(applied)
		c.applyLoop(applyCtx)
	}()
	defer func() {
		// No restart may start after the final Stop.
		stopApplying()
		<-applied
		if err := c.ctrl.Stop(); err != nil {
			c.logger.Warn("stopping watch task", "error", err)
		}
	}()

	failures := 0
	for {
		admitted, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			c.logger.Error("gateway rejected agent, not retrying", "error", err)
			return err
		}
		if admitted {
			failures = 0
		}
		failures++
		if failures > c.cfg.ReconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, c.cfg.ReconnectAttempts, err)
		}

		c.logger.Warn("connection lost, reconnecting",
			"error", err,
			"attempt", failures,
			"max_attempts", c.cfg.ReconnectAttempts,
			"delay", c.cfg.ReconnectDelay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// session runs one connection. admitted reports whether the gateway
// accepted the agent before the connection ended.
func (c *Client) session(ctx context.Context) (admitted bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()
	defer c.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return admitted, fmt.Errorf("reading from gateway: %w", err)
		}
		ev, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.logger.Warn("discarding gateway frame", "error", err)
			continue
		}

		switch ev := ev.(type) {
		case protocol.ConnectionAdmitted:
			admitted = true
			c.attach(conn)
			c.logger.Info("connected to gateway", "session_id", ev.SessionID, "resumed", ev.Resumed)
		case protocol.ConnectionRejected:
			return false, &RejectedError{Reason: ev.Reason, Message: ev.Message}
		case protocol.SetFilters:
			c.applyFilters(ev.Filters)
		default:
			c.logger.Debug("ignoring gateway event", "kind", ev.Kind())
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := endpoint(c.cfg.GatewayURL, c.cfg.TenantID, c.cfg.SessionID)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.Generate(c.cfg.TenantID, auth.DefaultTokenLifetime)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u, auth.BearerHeader(token))
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &RejectedError{Reason: "unauthorized", Message: resp.Status}
		}
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// applyFilters hands new filters to the apply loop without blocking the
// reader. Filters still waiting to be applied are superseded.
func (c *Client) applyFilters(f protocol.Filters) {
	filters := watch.Filters(f)
	c.logger.Info("received filters",
		"handle", filters.Handle,
		"frequencies", filters.Frequencies,
		"range_start", filters.RangeStart,
		"range_end", filters.RangeEnd,
	)
	if c.cfg.WatchDir == "" {
		c.logger.Warn("no watch directory configured, ignoring filters")
		return
	}

	for {
		select {
		case c.filters <- filters:
			return
		default:
		}
		select {
		case old := <-c.filters:
			c.logger.Debug("superseding filters not yet applied", "handle", old.Handle)
		default:
		}
	}
}

// applyLoop restarts the watch task for each filter set, one at a time, so
// a restart never races another. Restart blocks for up to the stop timeout;
// the connection keeps reading meanwhile.
func (c *Client) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case filters := <-c.filters:
			scanner := watch.NewScanner(watch.Config{
				Dir:          c.cfg.WatchDir,
				Filters:      filters,
				PollInterval: c.cfg.PollInterval,
				SendDelay:    c.cfg.SendDelay,
				Logger:       c.cfg.Logger,
			}, c)
			if err := c.ctrl.Restart(scanner.Run); err != nil {
				c.logger.Warn("restarting watch task", "handle", filters.Handle, "error", err)
			}
		}
	}
}

// SendFile sends one file to the gateway. It implements watch.Sender.
func (c *Client) SendFile(ctx context.Context, filename string, content []byte) error {
	p := protocol.AgentPayload{
		SessionID: c.cfg.SessionID,
		Filename:  filename,
	}
	if c.cfg.CompressThreshold > 0 && len(content) > c.cfg.CompressThreshold {
		p.Content = protocol.CompressContent(content)
		p.Encoding = protocol.EncodingZstdBase64
	} else {
		p.Content = strings.ToValidUTF8(string(content), "")
	}

	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", filename, err)
	}
	return nil
}
