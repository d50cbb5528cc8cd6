// ABOUTME: Tenant-keyed registry of live agent bindings with reverse and session indices
// ABOUTME: Enforces one agent per tenant and mirrors bindings for multi-instance lookup

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/sacmes-gateway/internal/mirror"
	"github.com/2389/sacmes-gateway/internal/tenant"
)

// ErrCollision indicates the tenant is already bound to a live agent connection.
var ErrCollision = errors.New("tenant already bound to a live agent")

// ErrSessionConflict indicates the session ID is already held by another tenant's binding.
var ErrSessionConflict = errors.New("session id bound to another tenant")

// ErrHandleBound indicates the connection handle already carries a binding.
var ErrHandleBound = errors.New("connection already bound")

// ErrEmptyTenant indicates a registration without a tenant ID.
var ErrEmptyTenant = errors.New("tenant id is required")

// ErrNotFound indicates the tenant has no agent binding.
var ErrNotFound = errors.New("agent not found")

const (
	// defaultRemoteTTL bounds how long a binding filled from the mirror is trusted.
	defaultRemoteTTL = 30 * time.Second

	// DefaultRecordTTL is how long a persisted record counts as live without
	// being refreshed by its owning instance.
	DefaultRecordTTL = 90 * time.Second
)

// Admission describes how a successful registration was resolved.
type Admission int

const (
	// Admitted is a fresh binding for a tenant that had none.
	Admitted Admission = iota
	// Resumed re-attaches a detached binding presented with its prior session ID.
	Resumed
	// Replaced supersedes a binding that was not live on this instance.
	Replaced
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Resumed:
		return "resumed"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Binding is the association of a tenant with its agent connection.
type Binding struct {
	TenantID    string
	SessionID   string
	Handle      string
	InstanceID  string
	ConnectedAt time.Time

	// DetachedAt is set while the binding waits out its reconnect grace window.
	DetachedAt time.Time

	// Remote marks a binding filled from the mirror and owned by another instance.
	Remote bool

	cachedAt time.Time
	epoch    uint64
}

// Live reports whether the binding's connection is attached to this instance.
func (b Binding) Live() bool {
	return !b.Remote && b.DetachedAt.IsZero()
}

// Epoch identifies the Detach that produced a detached binding.
func (b Binding) Epoch() uint64 {
	return b.epoch
}

// Mirror is the persistence the registry writes through to.
type Mirror interface {
	Put(tenantID string, rec mirror.Record)
	Get(ctx context.Context, tenantID string) (mirror.Record, error)
	Release(tenantID, instanceID, connectionRef string)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// InstanceID names this gateway instance in persisted records.
	InstanceID string
	Mirror     Mirror
	// RemoteTTL bounds how long a mirror-filled binding is served from memory.
	RemoteTTL time.Duration
	// RecordTTL is how long another instance's record blocks registration
	// after its last refresh.
	RecordTTL time.Duration
	Logger    *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats counts bindings by state.
type Stats struct {
	Live     int `json:"live"`
	Detached int `json:"detached"`
	Remote   int `json:"remote"`
}

// Registry maps tenant IDs to their single agent binding. Every forward insert
// or removal is paired with its reverse (handle) and session entries under mu.
type Registry struct {
	mu        sync.RWMutex
	bindings  map[string]*Binding // tenantID -> binding
	byHandle  map[string]string   // handle -> tenantID
	bySession map[string]string   // sessionID -> tenantID
	epoch     uint64

	instanceID string
	mirror     Mirror
	remoteTTL  time.Duration
	recordTTL  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewRegistry creates a new Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mirror == nil {
		cfg.Mirror = noopMirror{}
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = defaultRemoteTTL
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		bindings:   make(map[string]*Binding),
		byHandle:   make(map[string]string),
		bySession:  make(map[string]string),
		instanceID: cfg.InstanceID,
		mirror:     cfg.Mirror,
		remoteTTL:  cfg.RemoteTTL,
		recordTTL:  cfg.RecordTTL,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
}

// Register binds tenantID to the connection identified by handle.
// Returns ErrCollision if the tenant is already bound to a live connection,
// here or (per a fresh mirror record) on another instance; the existing
// binding is never modified in that case.
func (r *Registry) Register(ctx context.Context, tenantID, sessionID, handle string) (Admission, error) {
	if tenantID == "" {
		return 0, ErrEmptyTenant
	}

	// Without a local binding the mirror is authoritative. An unreachable
	// mirror reads as a miss and never blocks registration.
	if !r.holdsLocally(tenantID) {
		if rec, err := r.mirror.Get(ctx, tenantID); err == nil && r.ownedElsewhere(rec) {
			r.logger.Warn("rejected agent registration owned by another instance",
				"tenant", tenant.Fingerprint(tenantID),
				"owner", rec.InstanceID,
				"new_handle", handle,
			)
			return 0, ErrCollision
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.byHandle[handle]; bound {
		return 0, ErrHandleBound
	}
	if owner, ok := r.bySession[sessionID]; ok && sessionID != "" && owner != tenantID {
		return 0, ErrSessionConflict
	}

	now := r.now()
	admission := Admitted
	connectedAt := now

	if existing, ok := r.bindings[tenantID]; ok {
		switch {
		case existing.Live():
			r.logger.Warn("rejected colliding agent registration",
				"tenant", tenant.Fingerprint(tenantID),
				"existing_handle", existing.Handle,
				"new_handle", handle,
			)
			return 0, ErrCollision
		case !existing.Remote && existing.SessionID == sessionID:
			admission = Resumed
			connectedAt = existing.ConnectedAt
		default:
			admission = Replaced
		}
		r.removeLocked(existing)
	}

	b := &Binding{
		TenantID:    tenantID,
		SessionID:   sessionID,
		Handle:      handle,
		InstanceID:  r.instanceID,
		ConnectedAt: connectedAt,
	}
	r.bindings[tenantID] = b
	r.byHandle[handle] = tenantID
	if sessionID != "" {
		r.bySession[sessionID] = tenantID
	}

	// Queued, not awaited; enqueueing under mu keeps put/release order per tenant.
	r.mirror.Put(tenantID, r.recordOf(b, now))

	r.logger.Info("=== AGENT CONNECTED ===",
		"tenant", tenant.Fingerprint(tenantID),
		"handle", handle,
		"admission", admission.String(),
		"total_agents", len(r.byHandle),
	)
	return admission, nil
}

// Lookup returns the tenant's binding. Memory is consulted first; on a miss the
// mirror is queried and the result cached as a remote binding.
func (r *Registry) Lookup(ctx context.Context, tenantID string) (Binding, error) {
	if tenantID == "" {
		return Binding{}, ErrNotFound
	}

	r.mu.RLock()
	b, ok := r.bindings[tenantID]
	var cached Binding
	if ok {
		cached = *b
	}
	r.mu.RUnlock()

	if ok && (!cached.Remote || r.now().Sub(cached.cachedAt) < r.remoteTTL) {
		return cached, nil
	}

	rec, err := r.mirror.Get(ctx, tenantID)
	if err != nil {
		if ok {
			r.evictRemote(tenantID)
		}
		return Binding{}, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A local registration may have landed while the mirror was queried.
	if current, exists := r.bindings[tenantID]; exists && !current.Remote {
		return *current, nil
	}

	if rec.InstanceID == r.instanceID {
		// Our own record with no memory behind it is left over from a previous run.
		r.logger.Debug("discarding stale mirror record", "tenant", tenant.Fingerprint(tenantID))
		delete(r.bindings, tenantID)
		r.mirror.Release(tenantID, r.instanceID, rec.ConnectionRef)
		return Binding{}, ErrNotFound
	}
	if !r.ownedElsewhere(rec) {
		// The owning instance stopped refreshing it; treat the agent as gone.
		delete(r.bindings, tenantID)
		return Binding{}, ErrNotFound
	}

	remote := &Binding{
		TenantID:    tenantID,
		SessionID:   rec.SessionID,
		Handle:      rec.ConnectionRef,
		InstanceID:  rec.InstanceID,
		ConnectedAt: rec.ConnectedAt,
		Remote:      true,
		cachedAt:    r.now(),
	}
	r.bindings[tenantID] = remote
	return *remote, nil
}

// Local returns the tenant's binding only if it is live on this instance.
func (r *Registry) Local(tenantID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[tenantID]
	if !ok || !b.Live() {
		return Binding{}, false
	}
	return *b, true
}

// Unregister removes the binding owned by handle, its index entries, and its
// persisted record. Unknown handles are a no-op.
func (r *Registry) Unregister(handle string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenantID, ok := r.byHandle[handle]
	if !ok {
		return Binding{}, false
	}
	b := r.bindings[tenantID]
	r.removeLocked(b)
	delete(r.bindings, tenantID)
	r.mirror.Release(tenantID, r.instanceID, b.Handle)

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"tenant", tenant.Fingerprint(tenantID),
		"handle", handle,
		"total_agents", len(r.byHandle),
	)
	return *b, true
}

// Detach releases handle from its binding but keeps the binding (and its
// persisted record) so the same session can resume it. The returned binding
// carries the epoch Expire must be called with.
func (r *Registry) Detach(handle string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenantID, ok := r.byHandle[handle]
	if !ok {
		return Binding{}, false
	}
	b := r.bindings[tenantID]
	delete(r.byHandle, handle)
	r.epoch++
	b.epoch = r.epoch
	b.DetachedAt = r.now()

	r.logger.Info("agent detached, awaiting reconnect",
		"tenant", tenant.Fingerprint(tenantID),
		"handle", handle,
	)
	return *b, true
}

// Expire removes a binding that is still detached from the given Detach call.
// Returns false if the binding was resumed, replaced, or already gone.
func (r *Registry) Expire(tenantID string, epoch uint64) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[tenantID]
	if !ok || b.DetachedAt.IsZero() || b.epoch != epoch {
		return Binding{}, false
	}
	r.removeLocked(b)
	delete(r.bindings, tenantID)
	r.mirror.Release(tenantID, r.instanceID, b.Handle)

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"tenant", tenant.Fingerprint(tenantID),
		"reason", "grace window elapsed",
		"total_agents", len(r.byHandle),
	)
	return *b, true
}

// ReverseLookup returns the tenant bound to handle.
func (r *Registry) ReverseLookup(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, ok := r.byHandle[handle]
	return tenantID, ok
}

// ResolveSession returns the tenant whose local binding carries sessionID.
func (r *Registry) ResolveSession(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, ok := r.bySession[sessionID]
	return tenantID, ok
}

// Refresh restamps the persisted record of every binding this instance owns,
// detached ones included, so other instances keep honoring them. Returns the
// number of records written.
func (r *Registry) Refresh() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	n := 0
	for tenantID, b := range r.bindings {
		if b.Remote {
			continue
		}
		r.mirror.Put(tenantID, r.recordOf(b, now))
		n++
	}
	return n
}

// KeepFresh calls Refresh every interval until ctx is done.
func (r *Registry) KeepFresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.recordTTL / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}

// Stats counts bindings by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, b := range r.bindings {
		switch {
		case b.Remote:
			s.Remote++
		case !b.DetachedAt.IsZero():
			s.Detached++
		default:
			s.Live++
		}
	}
	return s
}

// holdsLocally reports whether this instance owns a binding for tenantID,
// live or detached.
func (r *Registry) holdsLocally(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[tenantID]
	return ok && !b.Remote
}

// ownedElsewhere reports whether rec belongs to another instance and has been
// refreshed within the record TTL.
func (r *Registry) ownedElsewhere(rec mirror.Record) bool {
	return rec.InstanceID != r.instanceID && r.now().Sub(rec.RefreshedAt) < r.recordTTL
}

// recordOf is the persisted form of b, stamped at now.
func (r *Registry) recordOf(b *Binding, now time.Time) mirror.Record {
	return mirror.Record{
		SessionID:     b.SessionID,
		ConnectionRef: b.Handle,
		InstanceID:    r.instanceID,
		ConnectedAt:   b.ConnectedAt,
		RefreshedAt:   now,
	}
}

// evictRemote drops a cached remote binding that the mirror no longer confirms.
func (r *Registry) evictRemote(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[tenantID]; ok && b.Remote {
		delete(r.bindings, tenantID)
	}
}

// removeLocked drops the index entries that point at b. Must be called with mu held.
func (r *Registry) removeLocked(b *Binding) {
	if owner, ok := r.byHandle[b.Handle]; ok && owner == b.TenantID {
		delete(r.byHandle, b.Handle)
	}
	if owner, ok := r.bySession[b.SessionID]; ok && owner == b.TenantID {
		delete(r.bySession, b.SessionID)
	}
}

// noopMirror is used when no persistence is configured.
type noopMirror struct{}

func (noopMirror) Put(string, mirror.Record) {}

func (noopMirror) Get(context.Context, string) (mirror.Record, error) {
	return mirror.Record{}, mirror.ErrMiss
}

func (noopMirror) Release(string, string, string) {}
