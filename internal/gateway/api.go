// ABOUTME: HTTP handlers for liveness, readiness, and aggregate counters
// ABOUTME: Responses carry counts only; tenant IDs never leave the process

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/sacmes-gateway/internal/broker"
	"github.com/2389/sacmes-gateway/internal/mirror"
)

// readyTimeout bounds the store probe behind /health/ready.
const readyTimeout = 2 * time.Second

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	InstanceID    string       `json:"instance_id"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Sockets       int          `json:"sockets"`
	Mirrored      int          `json:"mirrored"`
	Broker        broker.Stats `json:"broker"`
	Mirror        mirror.Stats `json:"mirror"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the shared hash store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	n, err := g.store.HLen(ctx, g.config.Mirror.Hash)
	if err != nil {
		g.logger.Warn("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d bindings mirrored)", n)
}

// handleStats returns aggregate broker and mirror counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		InstanceID:    g.config.Server.InstanceID,
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		Sockets:       g.transport.Count(),
		Mirrored:      -1,
		Broker:        g.broker.Stats(),
		Mirror:        g.mirror.Stats(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if n, err := g.store.HLen(ctx, g.config.Mirror.Hash); err == nil {
		resp.Mirrored = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Warn("encoding stats response", "error", err)
	}
}
