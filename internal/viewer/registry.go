// ABOUTME: Tenant-keyed sets of viewer connections with a reverse index by handle
// ABOUTME: Fan-out reads a copy of the set so delivery never holds the registry lock

package viewer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/sacmes-gateway/internal/tenant"
)

// Binding is a single viewer subscription.
type Binding struct {
	TenantID string
	Handle   string
	JoinedAt time.Time
}

// Stats counts tenants with viewers and viewers overall.
type Stats struct {
	Tenants int `json:"tenants"`
	Viewers int `json:"viewers"`
}

// Registry tracks which viewer connections are subscribed to which tenant.
// A handle belongs to at most one tenant.
type Registry struct {
	mu       sync.RWMutex
	byTenant map[string]map[string]Binding // tenantID -> handle -> binding
	byHandle map[string]string             // handle -> tenantID
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byTenant: make(map[string]map[string]Binding),
		byHandle: make(map[string]string),
		logger:   logger,
	}
}

// Register subscribes handle to tenantID and returns the tenant's viewer count.
// Registering the same pair twice is a no-op; registering a handle under a new
// tenant moves it.
func (r *Registry) Register(tenantID, handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byHandle[handle]; ok {
		if current == tenantID {
			return len(r.byTenant[tenantID])
		}
		r.removeLocked(current, handle)
		r.logger.Debug("viewer moved between tenants",
			"handle", handle,
			"from", tenant.Fingerprint(current),
			"to", tenant.Fingerprint(tenantID),
		)
	}

	set, ok := r.byTenant[tenantID]
	if !ok {
		set = make(map[string]Binding)
		r.byTenant[tenantID] = set
	}
	set[handle] = Binding{TenantID: tenantID, Handle: handle, JoinedAt: time.Now()}
	r.byHandle[handle] = tenantID

	return len(set)
}

// Unregister removes handle from its tenant's set. Unknown handles are a no-op.
func (r *Registry) Unregister(handle string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenantID, ok := r.byHandle[handle]
	if !ok {
		return "", false
	}
	r.removeLocked(tenantID, handle)
	return tenantID, true
}

// ViewersFor returns a copy of the handles subscribed to tenantID.
func (r *Registry) ViewersFor(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byTenant[tenantID]
	if len(set) == 0 {
		return nil
	}
	handles := make([]string, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	return handles
}

// TenantOf returns the tenant handle is subscribed to.
func (r *Registry) TenantOf(handle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, ok := r.byHandle[handle]
	return tenantID, ok
}

// Count returns the number of viewers subscribed to tenantID.
func (r *Registry) Count(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant[tenantID])
}

// Stats returns aggregate counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Tenants: len(r.byTenant), Viewers: len(r.byHandle)}
}

// removeLocked must be called with mu held. Empty tenant sets are deleted.
func (r *Registry) removeLocked(tenantID, handle string) {
	delete(r.byHandle, handle)
	set := r.byTenant[tenantID]
	delete(set, handle)
	if len(set) == 0 {
		delete(r.byTenant, tenantID)
	}
}
