package reliability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/retry"
)

// RelayWrapper wraps a SignalRelay with rate limiting, retry logic and a
// circuit breaker
type RelayWrapper struct {
	relay  ports.SignalRelay
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
	limiter        *rate.Limiter
}

var _ ports.SignalRelay = (*RelayWrapper)(nil)

// NewRelayWrapper creates a new wrapper. A nil limiter disables rate limiting.
func NewRelayWrapper(
	relay ports.SignalRelay,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	limiter *rate.Limiter,
	logger *zap.SugaredLogger,
) *RelayWrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	// stop at an open breaker or an ended context
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		circuitbreaker.ErrOpen,
		context.Canceled,
		context.DeadlineExceeded,
	)

	wrapper := &RelayWrapper{
		relay:          relay,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
		limiter:        limiter,
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("relay circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// Invoke forwards req, retrying transient failures
func (w *RelayWrapper) Invoke(ctx context.Context, req domain.RelayRequest) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("relay rate limit: %w", err)
		}
	}

	attempt := 0
	return retry.Retry(ctx, w.retryConfig, func() error {
		attempt++
		if attempt > 1 {
			w.logger.Debugw("retrying relay request",
				"action", req.Action,
				"target_user_id", req.TargetUserID,
				"attempt", attempt,
			)
		}
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.relay.Invoke(ctx, req)
		})
	})
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *RelayWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
