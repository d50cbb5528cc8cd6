// ABOUTME: Session broker that admits agents, subscribes viewers, and fans out per tenant
// ABOUTME: Every delivery is computed from the tenant's viewer set; there is no global viewer list

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/sacmes-gateway/internal/agent"
	"github.com/2389/sacmes-gateway/internal/dedupe"
	"github.com/2389/sacmes-gateway/internal/protocol"
	"github.com/2389/sacmes-gateway/internal/tenant"
	"github.com/2389/sacmes-gateway/internal/viewer"
)

const defaultFileExtension = ".txt"

// Conn is a connection the broker can address. Send must not block; it
// returns false when the message could not be queued.
type Conn interface {
	Handle() string
	Send(ev protocol.Outbound) bool
	Close()
}

// AgentConnect is produced by the transport when an agent socket opens.
type AgentConnect struct {
	TenantID  string
	SessionID string
}

// Config configures a Broker.
type Config struct {
	// GracePeriod delays the offline notification after an agent drops.
	// Zero unregisters immediately.
	GracePeriod time.Duration

	// DedupeTTL suppresses identical payloads within the window. Zero disables it.
	DedupeTTL        time.Duration
	DedupeMaxEntries int

	Logger *slog.Logger
}

// Stats is a tenant-free summary of broker state.
type Stats struct {
	Agents    agent.Stats  `json:"agents"`
	Viewers   viewer.Stats `json:"viewers"`
	Delivered uint64       `json:"delivered"`
	Dropped   uint64       `json:"dropped"`
	Rejected  uint64       `json:"rejected"`
}

// Broker routes events between agent and viewer connections.
type Broker struct {
	agents  *agent.Registry
	viewers *viewer.Registry
	seen    *dedupe.Cache
	grace   time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	conns  map[string]Conn        // handle -> connection on this instance
	timers map[string]*time.Timer // tenantID -> pending grace expiry
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a Broker over the given registries.
func New(agents *agent.Registry, viewers *viewer.Registry, cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Broker{
		agents:  agents,
		viewers: viewers,
		grace:   cfg.GracePeriod,
		logger:  cfg.Logger,
		conns:   make(map[string]Conn),
		timers:  make(map[string]*time.Timer),
	}
	if cfg.DedupeTTL > 0 {
		b.seen = dedupe.New(cfg.DedupeTTL, cfg.DedupeMaxEntries)
	}
	return b
}

// OnAgentConnect registers c as the agent for ev.TenantID. A rejected
// connection is told why and closed; the error is returned to the caller so
// it stops reading from the socket.
func (b *Broker) OnAgentConnect(ctx context.Context, ev AgentConnect, c Conn) error {
	admission, err := b.agents.Register(ctx, ev.TenantID, ev.SessionID, c.Handle())
	if err != nil {
		b.rejected.Add(1)
		c.Send(rejection(ev.TenantID, err))
		c.Close()
		return err
	}

	b.mu.Lock()
	b.conns[c.Handle()] = c
	if t, ok := b.timers[ev.TenantID]; ok {
		t.Stop()
		delete(b.timers, ev.TenantID)
	}
	b.mu.Unlock()

	c.Send(protocol.ConnectionAdmitted{
		TenantID:  ev.TenantID,
		SessionID: ev.SessionID,
		Resumed:   admission == agent.Resumed,
	})

	if admission != agent.Resumed {
		b.notifyStatus(ev.TenantID, protocol.StatusOnline)
	}
	return nil
}

func rejection(tenantID string, err error) protocol.ConnectionRejected {
	r := protocol.ConnectionRejected{TenantID: tenantID}
	switch {
	case errors.Is(err, agent.ErrCollision):
		r.Reason = protocol.ReasonTenantCollision
		r.Message = "This tenant ID is already in use by another running agent. " +
			"Stop the other agent, or run 'sacmes-agent reset-id' to use a new ID."
	case errors.Is(err, agent.ErrSessionConflict):
		r.Reason = protocol.ReasonSessionConflict
		r.Message = "This session ID belongs to a different tenant. Restart the agent."
	default:
		r.Reason = protocol.ReasonInvalidRequest
		r.Message = err.Error()
	}
	return r
}

// OnAgentDisconnect releases the binding owned by handle and tells the
// tenant's viewers, either now or once the grace period passes unresumed.
func (b *Broker) OnAgentDisconnect(handle string) {
	b.forget(handle)

	if b.grace <= 0 {
		if binding, ok := b.agents.Unregister(handle); ok {
			b.notifyStatus(binding.TenantID, protocol.StatusOffline)
		}
		return
	}

	binding, ok := b.agents.Detach(handle)
	if !ok {
		return
	}
	tenantID, epoch := binding.TenantID, binding.Epoch()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if t, ok := b.timers[tenantID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(b.grace, func() {
		b.mu.Lock()
		if b.timers[tenantID] == timer {
			delete(b.timers, tenantID)
		}
		b.mu.Unlock()

		if _, ok := b.agents.Expire(tenantID, epoch); ok {
			b.notifyStatus(tenantID, protocol.StatusOffline)
		}
	})
	b.timers[tenantID] = timer
}

// OnViewerSubscribe subscribes c to a tenant with a bound agent. A tenant
// without one is reported as not connected and nothing is registered. An agent
// bound on another instance is reported as remote: this instance holds no
// stream for it.
func (b *Broker) OnViewerSubscribe(ctx context.Context, ev protocol.ViewerCheckSubscription, c Conn) {
	binding, err := b.agents.Lookup(ctx, ev.TenantID)
	if err != nil {
		b.logger.Debug("viewer subscription for unknown tenant",
			"tenant", tenant.Fingerprint(ev.TenantID),
			"handle", c.Handle(),
		)
		c.Send(protocol.SubscriptionResult{TenantID: ev.TenantID, Connected: false})
		return
	}

	b.mu.Lock()
	b.conns[c.Handle()] = c
	b.mu.Unlock()

	count := b.viewers.Register(ev.TenantID, c.Handle())

	// An agent that left between the lookup and the registration notified
	// the viewer set before this viewer joined it, so check again.
	if _, err := b.agents.Lookup(ctx, ev.TenantID); err != nil {
		b.viewers.Unregister(c.Handle())
		c.Send(protocol.SubscriptionResult{TenantID: ev.TenantID, Connected: false})
		return
	}

	since := binding.ConnectedAt
	b.logger.Info("viewer subscribed",
		"tenant", tenant.Fingerprint(ev.TenantID),
		"handle", c.Handle(),
		"viewer_count", count,
		"remote", binding.Remote,
	)
	c.Send(protocol.SubscriptionResult{
		TenantID:       ev.TenantID,
		Connected:      true,
		Remote:         binding.Remote,
		ViewerCount:    count,
		ConnectedSince: &since,
	})
}

// OnViewerDisconnect drops handle's subscription, if any.
func (b *Broker) OnViewerDisconnect(handle string) {
	b.forget(handle)
	if tenantID, ok := b.viewers.Unregister(handle); ok {
		b.logger.Debug("viewer left",
			"tenant", tenant.Fingerprint(tenantID),
			"handle", handle,
			"viewer_count", b.viewers.Count(tenantID),
		)
	}
}

// Broadcast delivers update to the viewers of the tenant route resolves to and
// returns how many accepted it. An unresolvable route delivers nothing.
func (b *Broker) Broadcast(route Route, update protocol.LiveUpdate) int {
	tenantID, ok := b.resolve(route)
	if !ok {
		b.dropped.Add(1)
		b.logger.Warn("dropping update for unresolved route", "route_kind", routeKind(route))
		return 0
	}
	update.TenantID = tenantID
	return b.deliver(tenantID, update)
}

func routeKind(r Route) string {
	switch r.(type) {
	case TenantRoute:
		return "tenant"
	case SessionRoute:
		return "session"
	default:
		return "unknown"
	}
}

// OnAgentPayload fans out a file sent by the agent on handle. The payload may
// only address the sending agent's own tenant.
func (b *Broker) OnAgentPayload(_ context.Context, handle string, p protocol.AgentPayload) int {
	sender, ok := b.agents.ReverseLookup(handle)
	if !ok {
		b.dropped.Add(1)
		b.logger.Warn("dropping payload from unbound connection", "handle", handle)
		return 0
	}

	var route Route = TenantRoute(sender)
	switch {
	case p.SessionID != "":
		route = SessionRoute(p.SessionID)
	case p.TenantID != "":
		route = TenantRoute(p.TenantID)
	}

	target, ok := b.resolve(route)
	if !ok || target != sender {
		b.dropped.Add(1)
		b.logger.Warn("dropping payload addressed outside sender's tenant",
			"tenant", tenant.Fingerprint(sender),
			"route_kind", routeKind(route),
			"resolved", ok,
		)
		return 0
	}

	content, err := protocol.DecodeContent(p)
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn("dropping undecodable payload",
			"tenant", tenant.Fingerprint(sender),
			"filename", p.Filename,
			"error", err,
		)
		return 0
	}

	if b.seen != nil && b.seen.CheckAndMark(dedupe.PayloadKey(sender, p.Filename, []byte(content))) {
		b.logger.Debug("suppressed duplicate payload",
			"tenant", tenant.Fingerprint(sender),
			"filename", p.Filename,
		)
		return 0
	}

	return b.deliver(sender, protocol.LiveUpdate{
		TenantID:   sender,
		Filename:   p.Filename,
		Content:    content,
		ReceivedAt: time.Now().UTC(),
	})
}

// OnStartSession forwards new filters from a subscribed viewer to its
// tenant's agent and acknowledges the viewer.
func (b *Broker) OnStartSession(_ context.Context, c Conn, ev protocol.StartAnalysisSession) {
	ack := func(status, message string) {
		c.Send(protocol.AckStartSession{Status: status, Message: message})
	}

	subscribed, ok := b.viewers.TenantOf(c.Handle())
	if !ok || subscribed != ev.TenantID {
		ack(protocol.AckError, "Error: not subscribed to this agent.")
		return
	}
	if ev.Filters == nil {
		ack(protocol.AckError, "Error: no filters provided.")
		return
	}

	binding, ok := b.agents.Local(ev.TenantID)
	if !ok {
		ack(protocol.AckError, "Error: Local agent not detected.")
		return
	}
	b.mu.RLock()
	agentConn, ok := b.conns[binding.Handle]
	b.mu.RUnlock()
	if !ok {
		ack(protocol.AckError, "Error: Local agent not detected.")
		return
	}

	filters := *ev.Filters
	if filters.FileExtension == "" {
		filters.FileExtension = extensionFromParams(ev.AnalysisParams)
	}

	if !agentConn.Send(protocol.SetFilters{Filters: filters}) {
		ack(protocol.AckError, "Error: agent is not accepting instructions.")
		return
	}

	b.logger.Info("forwarded filters to agent",
		"tenant", tenant.Fingerprint(ev.TenantID),
		"viewer", c.Handle(),
		"agent", binding.Handle,
	)
	ack(protocol.AckSuccess, "Instructions sent.")
}

func extensionFromParams(raw json.RawMessage) string {
	var params struct {
		FileExtension string `json:"file_extension"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &params) == nil && params.FileExtension != "" {
		return params.FileExtension
	}
	return defaultFileExtension
}

// Stats returns counts only; tenant IDs never leave the broker this way.
func (b *Broker) Stats() Stats {
	return Stats{
		Agents:    b.agents.Stats(),
		Viewers:   b.viewers.Stats(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Rejected:  b.rejected.Load(),
	}
}

// Close stops pending grace timers and the dedupe sweeper.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	for tenantID, t := range b.timers {
		t.Stop()
		delete(b.timers, tenantID)
	}
	b.mu.Unlock()

	if b.seen != nil {
		b.seen.Close()
	}
}

func (b *Broker) notifyStatus(tenantID, status string) {
	n := b.deliver(tenantID, protocol.TenantStatus{
		TenantID:  tenantID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	b.logger.Debug("tenant status sent",
		"tenant", tenant.Fingerprint(tenantID),
		"status", status,
		"viewers", n,
	)
}

// deliver snapshots tenantID's viewers, releases all locks, then sends.
func (b *Broker) deliver(tenantID string, ev protocol.Outbound) int {
	handles := b.viewers.ViewersFor(tenantID)
	if len(handles) == 0 {
		return 0
	}

	b.mu.RLock()
	targets := make([]Conn, 0, len(handles))
	for _, h := range handles {
		if c, ok := b.conns[h]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(ev) {
			delivered++
			continue
		}
		b.dropped.Add(1)
		b.logger.Debug("dropped event for slow viewer",
			"tenant", tenant.Fingerprint(tenantID),
			"handle", c.Handle(),
			"kind", ev.Kind(),
		)
	}
	b.delivered.Add(uint64(delivered))
	return delivered
}

func (b *Broker) forget(handle string) {
	b.mu.Lock()
	delete(b.conns, handle)
	b.mu.Unlock()
}
