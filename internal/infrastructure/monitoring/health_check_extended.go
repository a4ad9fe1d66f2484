package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/pkg/circuitbreaker"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddRelayCheck fails while the relay circuit breaker is open.
func (h *HealthChecker) AddRelayCheck(stats func() circuitbreaker.Stats) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		s := stats()
		if s.State == circuitbreaker.StateOpen {
			return false, fmt.Errorf("circuit breaker open since %s", s.StateChangeTime.Format(time.RFC3339))
		}
		return true, nil
	}, 0)
}

// AddSessionCheck fails when a joined session has peers that all failed.
func (h *HealthChecker) AddSessionCheck(session *services.CallSession) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		state := session.State()
		if state.CallID == "" || len(state.Peers) == 0 {
			return true, nil
		}
		for _, p := range state.Peers {
			if p.ConnectionState != domain.ConnectionStateFailed {
				return true, nil
			}
		}
		return false, fmt.Errorf("all %d peer connections failed", len(state.Peers))
	}, 0)
}
