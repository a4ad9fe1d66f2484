package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/infrastructure/inproc"
	"peercall/internal/infrastructure/presence"
	redisinfra "peercall/internal/infrastructure/redis"
	"peercall/internal/infrastructure/relay"
	"peercall/internal/infrastructure/reliability"
	"peercall/pkg/config"
)

// transport bundles the three signaling ports for one participant.
type transport struct {
	presence ports.PresenceChannel
	feed     ports.SignalFeed
	relay    *reliability.RelayWrapper

	hub   *inproc.Hub
	redis *goredis.Client
}

func (t *transport) Close() {
	if t.hub != nil {
		t.hub.Close()
	}
	if t.redis != nil {
		redisinfra.Close(t.redis)
	}
}

// newTransport builds presence, relay and feed for cfg.Relay.Transport. The
// relay is always wrapped with retry, circuit breaker and rate limiting.
func newTransport(ctx context.Context, cfg *config.Config, self domain.UserID, log *zap.SugaredLogger) (*transport, error) {
	t := &transport{}
	var raw ports.SignalRelay

	switch cfg.Relay.Transport {
	case config.TransportInproc:
		t.hub = inproc.NewHub(log.Named("hub"))
		t.presence = t.hub.Presence()
		t.feed = t.hub.Feed()
		raw = t.hub.Relay(self)

	case config.TransportRedis:
		client, err := connectRedis(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		t.redis = client
		t.presence = newRedisPresence(client, cfg, log)
		t.feed = relay.NewRedisFeed(client, log.Named("feed"))
		raw = relay.NewRedisRelay(client, self, log.Named("relay"))

	case config.TransportHTTP:
		// the realtime feed carries signals only; presence still needs Redis
		client, err := connectRedis(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		t.redis = client
		t.presence = newRedisPresence(client, cfg, log)
		t.feed = relay.NewWebSocketFeed(relay.FeedConfig{
			URL:          cfg.Relay.FeedURL,
			APIKey:       cfg.Relay.APIKey,
			Token:        cfg.Relay.Token,
			PingInterval: cfg.Relay.PingInterval,
			PongTimeout:  cfg.Relay.PongTimeout,
			Reconnect:    cfg.Relay.Retry,
		}, log.Named("feed"))
		raw = relay.NewHTTPRelay(relay.HTTPConfig{
			FunctionURL: cfg.Relay.FunctionURL,
			APIKey:      cfg.Relay.APIKey,
			Token:       cfg.Relay.Token,
			Timeout:     cfg.Relay.RequestTimeout,
		}, log.Named("relay"))

	default:
		return nil, fmt.Errorf("unknown relay transport %q", cfg.Relay.Transport)
	}

	t.relay = wrapRelay(raw, cfg, log)
	return t, nil
}

func wrapRelay(raw ports.SignalRelay, cfg *config.Config, log *zap.SugaredLogger) *reliability.RelayWrapper {
	var limiter *rate.Limiter
	if cfg.Relay.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.Relay.RateLimit.RequestsPerSecond), cfg.Relay.RateLimit.Burst)
	}
	return reliability.NewRelayWrapper(raw, cfg.Relay.Retry, cfg.Relay.CircuitBreaker, limiter, log.Named("relay"))
}

func connectRedis(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*goredis.Client, error) {
	client, err := redisinfra.NewClient(ctx, redisinfra.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return client, nil
}

func newRedisPresence(client *goredis.Client, cfg *config.Config, log *zap.SugaredLogger) *presence.RedisPresence {
	return presence.NewRedisPresence(client, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		TTL:               cfg.Presence.TTL,
	}, log.Named("presence"))
}
