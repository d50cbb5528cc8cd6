// Package broker is the multi-tenant session broker.
//
// The broker receives connection events from the transport and decides who
// sees what. Agents are admitted one per tenant (package agent). Viewers
// subscribe to a tenant that has an agent (package viewer). Every fan-out,
// including online/offline notices, is computed from the addressed tenant's
// viewer set; an update whose route cannot be resolved to a tenant is dropped
// and logged.
//
// Delivery snapshots the viewer set and sends after all locks are released.
// Conn.Send is expected to enqueue without blocking, so one slow viewer never
// stalls another tenant.
package broker
