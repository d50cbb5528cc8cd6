// ABOUTME: Route names the key an update is addressed by: a tenant or an agent session
// ABOUTME: Session routes must resolve through the agent registry or the update is dropped

package broker

// Route addresses a fan-out. It is either a TenantRoute or a SessionRoute.
type Route interface {
	route()
}

// TenantRoute addresses a tenant directly.
type TenantRoute string

// SessionRoute addresses the tenant whose agent holds the session.
type SessionRoute string

func (TenantRoute) route()  {}
func (SessionRoute) route() {}

// resolve returns the tenant a route addresses.
func (b *Broker) resolve(r Route) (string, bool) {
	switch r := r.(type) {
	case TenantRoute:
		return string(r), r != ""
	case SessionRoute:
		return b.agents.ResolveSession(string(r))
	default:
		return "", false
	}
}
