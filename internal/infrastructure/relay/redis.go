package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/retry"
)

const defaultParticipantsTTL = 6 * time.Hour

func signalChannel(user domain.UserID) string {
	return "peercall:signals:" + string(user)
}

func participantsKey(callID domain.CallID) string {
	return fmt.Sprintf("peercall:call:%s:participants", callID)
}

// RedisRelay publishes signals on the target user's channel and keeps the
// call's participant set.
type RedisRelay struct {
	client          *redis.Client
	self            domain.UserID
	participantsTTL time.Duration
	logger          *zap.SugaredLogger
}

var _ ports.SignalRelay = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, self domain.UserID, logger *zap.SugaredLogger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisRelay{
		client:          client,
		self:            self,
		participantsTTL: defaultParticipantsTTL,
		logger:          logger,
	}
}

func (r *RedisRelay) Invoke(ctx context.Context, req domain.RelayRequest) error {
	if req.CallID == "" {
		return retry.Permanent(fmt.Errorf("relay %s: call id is required", req.Action))
	}

	switch req.Action {
	case domain.RelayJoin:
		key := participantsKey(req.CallID)
		pipe := r.client.TxPipeline()
		pipe.SAdd(ctx, key, string(r.self))
		pipe.Expire(ctx, key, r.participantsTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to join call %s: %w", req.CallID, err)
		}
	case domain.RelayLeave:
		if err := r.client.SRem(ctx, participantsKey(req.CallID), string(r.self)).Err(); err != nil {
			return fmt.Errorf("failed to leave call %s: %w", req.CallID, err)
		}
	case domain.RelaySignal:
		if req.TargetUserID == "" || req.Signal == nil {
			return retry.Permanent(fmt.Errorf("relay signal: target and signal are required"))
		}
		data, err := json.Marshal(domain.InboundSignal{
			ID:         uuid.NewString(),
			CallID:     req.CallID,
			FromUserID: r.self,
			ToUserID:   req.TargetUserID,
			Signal:     *req.Signal,
		})
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to marshal signal: %w", err))
		}
		receivers, err := r.client.Publish(ctx, signalChannel(req.TargetUserID), data).Result()
		if err != nil {
			return fmt.Errorf("failed to publish signal: %w", err)
		}
		if receivers == 0 {
			r.logger.Debugw("signal published without subscriber",
				"call_id", req.CallID,
				"to_user_id", req.TargetUserID,
				"type", req.Signal.Type,
			)
		}
	default:
		return retry.Permanent(fmt.Errorf("unknown relay action %q", req.Action))
	}
	return nil
}

// Participants lists the users that joined callID, sorted.
func (r *RedisRelay) Participants(ctx context.Context, callID domain.CallID) ([]domain.UserID, error) {
	members, err := r.client.SMembers(ctx, participantsKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	sort.Strings(members)
	out := make([]domain.UserID, len(members))
	for i, m := range members {
		out[i] = domain.UserID(m)
	}
	return out, nil
}

// RedisFeed delivers the signals published to one user's channel.
type RedisFeed struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

var _ ports.SignalFeed = (*RedisFeed)(nil)

func NewRedisFeed(client *redis.Client, logger *zap.SugaredLogger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisFeed{client: client, logger: logger}
}

// Subscribe returns once the channel subscription is confirmed.
func (f *RedisFeed) Subscribe(ctx context.Context, user domain.UserID, handler func(domain.InboundSignal)) (ports.Subscription, error) {
	pubsub := f.client.Subscribe(ctx, signalChannel(user))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", signalChannel(user), err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel}
	go sub.loop(subCtx, user, handler, f.logger.With("user_id", user))
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) loop(ctx context.Context, user domain.UserID, handler func(domain.InboundSignal), logger *zap.SugaredLogger) {
	defer s.Unsubscribe()
	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var sig domain.InboundSignal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				logger.Warnw("failed to unmarshal signal",
					"error", err,
					"channel", msg.Channel,
				)
				continue
			}
			if sig.ToUserID != user {
				continue
			}
			handler(sig)
		}
	}
}
