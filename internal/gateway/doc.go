// Package gateway orchestrates the sacmes-gateway server components.
//
// # Overview
//
// A Gateway owns one instance's share of the fleet: the hash store behind the
// persistent mirror, the agent and viewer registries, the session broker, the
// WebSocket transport, an HTTP server, and a gRPC server carrying only the
// standard health service.
//
// # HTTP
//
//	GET /ws/agent?tenant_id=&session_id=   agent socket (Bearer JWT)
//	GET /ws/viewer                         viewer socket
//	GET /health                            liveness
//	GET /health/ready                      200 while the hash store answers
//	GET /api/stats                         aggregate counters, no tenant IDs
//
// # gRPC
//
// grpc.health.v1.Health reports SERVING while Run is serving and
// NOT_SERVING from the start of Shutdown.
//
// # Tailscale
//
// With tailscale.enabled the servers listen on a tsnet node instead of
// server.grpc_addr and server.http_addr: gRPC on :50051, HTTP on :80, or
// HTTPS on :443 with the node's tailnet certificate when https is set.
//
// # Multiple Instances
//
// Run restamps this instance's binding records every third of
// mirror.record_ttl. Another instance rejects an agent for a tenant whose
// record is fresh, and may take over one whose owner stopped refreshing.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown closes every socket, stops pending grace timers, flushes the
// mirror queue, and closes the store.
package gateway
