// Package agent tracks which agent connection serves each tenant.
//
// # Registry
//
// The Registry holds at most one binding per tenant:
//
//	reg := agent.NewRegistry(agent.RegistryConfig{InstanceID: id, Mirror: m})
//
// Key operations:
//
//   - Register(tenant, session, handle): bind a connection, or ErrCollision
//   - Lookup(ctx, tenant): memory first, then the persistent mirror
//   - Unregister(handle): remove the binding owned by a closed connection
//   - ReverseLookup(handle), ResolveSession(session): inverse indices
//
// # Collisions
//
// A second connection claiming a tenant that already has a live binding is
// rejected. The existing binding is never replaced by a newcomer.
//
// # Reconnection Grace Period
//
// When the broker is configured with a grace period, a dropped connection is
// Detached instead of Unregistered. The binding keeps its session and mirror
// record; an agent that reconnects with the same session ID Resumes it. When
// the window elapses the broker calls Expire with the epoch from Detach, which
// is a no-op if the binding was resumed in the meantime.
//
// # Multiple Instances
//
// Bindings are written through to a mirror (see package mirror). A Lookup miss
// consults the mirror and caches the answer as a Remote binding for RemoteTTL.
// Remote bindings never block a local registration.
package agent
