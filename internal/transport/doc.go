// Package transport adapts WebSocket connections to the session broker.
//
// Endpoints:
//
//	GET /ws/agent?tenant_id=...&session_id=...   Authorization: Bearer <jwt>
//	GET /ws/viewer
//
// Each socket gets a uuid handle, a reader goroutine that decodes inbound
// events and calls the broker, and a writer goroutine that drains a bounded
// FIFO queue. The reader of an agent socket is the only caller of
// OnAgentPayload for that agent, which keeps a tenant's updates in order.
package transport
