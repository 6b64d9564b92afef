package gateway

import (
	"context"
	"time"
)

// ConnectionHealth is the minimal interface the health monitor needs
// from the WebSocket engine, per spec §9's dependency-injection
// guidance — it avoids gateway importing gateway/stream so the two
// packages stay free of an import cycle.
type ConnectionHealth interface {
	LastPingResponse() time.Time
	LastHeartbeat() time.Time
	HardReset(ctx context.Context, restart bool) error
}

// AuthStatusChecker probes the brokerage session over REST. Satisfied
// by Engine.AuthStatus (see endpoints.go).
type AuthStatusChecker interface {
	AuthStatus(ctx context.Context) (AuthStatusResult, error)
}

// AuthStatusResult holds the authenticated/competing/connected flags of
// the brokerage session. Engine.AuthStatus fills it from the top-level
// fields of the /iserver/auth/status response.
type AuthStatusResult struct {
	Authenticated bool
	Competing     bool
	Connected     bool
}

// HealthMonitor cross-checks ping, heartbeat, and brokerage-session
// state and triggers a hard reset of the WebSocket engine when any of
// the three is unhealthy. Grounded on the teacher's
// startSubscriptionMonitoring in adapter/websocket/connection_manager.go
// (periodic check of message timestamps that triggers a reconnection
// request on timeout), generalized to also probe REST auth status per
// spec §4.8.
type HealthMonitor struct {
	conn            ConnectionHealth
	auth            AuthStatusChecker
	maxPingInterval time.Duration
	logger          *Logger
}

// NewHealthMonitor builds a HealthMonitor.
func NewHealthMonitor(conn ConnectionHealth, auth AuthStatusChecker, maxPingInterval time.Duration, logger *Logger) *HealthMonitor {
	return &HealthMonitor{conn: conn, auth: auth, maxPingInterval: maxPingInterval, logger: logOrDefault(logger)}
}

// CheckHealth returns true only if ping, heartbeat, and the brokerage
// session are all currently healthy. Any failure triggers a hard reset
// and returns false; per spec §9's "ambiguous source behaviors" note,
// auth failure, timeout, and any other probe error are all folded into
// "unhealthy, reset, return false after logging" rather than
// distinguished further.
func (h *HealthMonitor) CheckHealth(ctx context.Context) bool {
	now := time.Now()

	pingStale := now.Sub(h.conn.LastPingResponse()) > h.maxPingInterval
	heartbeatStale := now.Sub(h.conn.LastHeartbeat()) > h.maxPingInterval

	status, err := h.auth.AuthStatus(ctx)
	sessionUnhealthy := err != nil || !status.Authenticated || status.Competing || !status.Connected

	if !pingStale && !heartbeatStale && !sessionUnhealthy {
		return true
	}

	h.logger.Warn("health check failed, triggering hard reset",
		"ping_stale", pingStale, "heartbeat_stale", heartbeatStale, "session_unhealthy", sessionUnhealthy)
	if resetErr := h.conn.HardReset(ctx, true); resetErr != nil {
		h.logger.Error("hard reset failed", "error", resetErr)
	}
	return false
}
