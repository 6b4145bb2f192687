package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// GatewayPinger is the minimal capability a signaling transport must expose
// to be wired into a readiness check: whether it currently holds a live
// connection to the bot gateway.
type GatewayPinger interface {
	Connected() bool
}

// AddRedisCheck adds a Redis health check, used when the process is
// configured with a Redis-backed signaling transport or SharedPeerRegistry.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddGatewayCheck adds a liveness check against the signaling transport's
// connection to the bot gateway.
func (h *HealthChecker) AddGatewayCheck(transport GatewayPinger, interval, timeout time.Duration) {
	h.AddCheck("gateway", func(ctx context.Context) (bool, error) {
		if !transport.Connected() {
			return false, fmt.Errorf("signaling transport is disconnected")
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck creates a readiness check that verifies every
// configured dependency the process actually uses. redisClient may be nil
// when no Redis-backed transport or registry is configured.
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	transport GatewayPinger,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		if transport != nil && !transport.Connected() {
			return false, fmt.Errorf("signaling transport is disconnected")
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer probes.
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
