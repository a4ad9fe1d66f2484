// Package presence tracks who is online on a call topic.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
)

type Config struct {
	HeartbeatInterval time.Duration
	TTL               time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		TTL:               30 * time.Second,
	}
}

func membersKey(topic string) string {
	return "peercall:presence:" + topic
}

func heartbeatKey(topic string, user domain.UserID) string {
	return fmt.Sprintf("peercall:presence:%s:member:%s", topic, user)
}

func eventsChannel(topic string) string {
	return "peercall:presence:" + topic + ":events"
}

// message is published on the topic's events channel.
type message struct {
	Type     domain.PresenceEventType `json:"type"`
	UserID   domain.UserID            `json:"user_id"`
	OnlineAt time.Time                `json:"online_at,omitempty"`
}

// RedisPresence keeps an online set per topic. Each tracked member refreshes
// a heartbeat key; members whose key expired are dropped on the next sync.
type RedisPresence struct {
	client *redis.Client
	cfg    Config
	logger *zap.SugaredLogger
}

var _ ports.PresenceChannel = (*RedisPresence)(nil)

func NewRedisPresence(client *redis.Client, cfg Config, logger *zap.SugaredLogger) *RedisPresence {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.TTL <= cfg.HeartbeatInterval {
		cfg.TTL = 3 * cfg.HeartbeatInterval
	}
	return &RedisPresence{client: client, cfg: cfg, logger: logger}
}

// Subscribe confirms the events subscription, then delivers an initial sync
// followed by joins, leaves and periodic syncs from one goroutine.
func (p *RedisPresence) Subscribe(ctx context.Context, topic string, self domain.UserID, handler func(domain.PresenceEvent)) (ports.PresenceSubscription, error) {
	pubsub := p.client.Subscribe(ctx, eventsChannel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence %s: %w", topic, err)
	}

	online, err := p.online(ctx, topic)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		presence: p,
		topic:    topic,
		self:     self,
		handler:  handler,
		pubsub:   pubsub,
		cancel:   cancel,
		logger:   p.logger.With("topic", topic, "user_id", self),
	}
	go sub.loop(subCtx, online)
	return sub, nil
}

// online returns the members with a live heartbeat, sorted. Stale members
// are removed from the set.
func (p *RedisPresence) online(ctx context.Context, topic string) ([]domain.UserID, error) {
	members, err := p.client.SMembers(ctx, membersKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence %s: %w", topic, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := p.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		checks[i] = pipe.Exists(ctx, heartbeatKey(topic, domain.UserID(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check presence heartbeats: %w", err)
	}

	var alive []domain.UserID
	var stale []interface{}
	for i, m := range members {
		if checks[i].Val() > 0 {
			alive = append(alive, domain.UserID(m))
		} else {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		if err := p.client.SRem(ctx, membersKey(topic), stale...).Err(); err != nil {
			p.logger.Warnw("failed to prune stale presence members", "topic", topic, "error", err)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i] < alive[j] })
	return alive, nil
}

func (p *RedisPresence) publish(ctx context.Context, topic string, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal presence %s: %w", msg.Type, err)
	}
	if err := p.client.Publish(ctx, eventsChannel(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish presence %s: %w", msg.Type, err)
	}
	return nil
}

type subscription struct {
	presence *RedisPresence
	topic    string
	self     domain.UserID
	handler  func(domain.PresenceEvent)
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	tracked *domain.PresencePayload
	closed  bool
}

// Track adds the member with a heartbeat and announces the join.
func (s *subscription) Track(ctx context.Context, payload domain.PresencePayload) error {
	if payload.UserID == "" {
		payload.UserID = s.self
	}
	if payload.OnlineAt.IsZero() {
		payload.OnlineAt = time.Now().UTC()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("presence %s: subscription closed", s.topic)
	}
	s.tracked = &payload
	s.mu.Unlock()

	if err := s.refresh(ctx, payload); err != nil {
		return err
	}
	return s.presence.publish(ctx, s.topic, message{Type: domain.PresenceJoin, UserID: payload.UserID, OnlineAt: payload.OnlineAt})
}

// Untrack removes the member and announces the leave.
func (s *subscription) Untrack(ctx context.Context) error {
	s.mu.Lock()
	tracked := s.tracked
	s.tracked = nil
	s.mu.Unlock()
	if tracked == nil {
		return nil
	}

	c := s.presence.client
	pipe := c.TxPipeline()
	pipe.Del(ctx, heartbeatKey(s.topic, tracked.UserID))
	pipe.SRem(ctx, membersKey(s.topic), string(tracked.UserID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to untrack %s: %w", tracked.UserID, err)
	}
	return s.presence.publish(ctx, s.topic, message{Type: domain.PresenceLeave, UserID: tracked.UserID})
}

// Unsubscribe untracks a tracked member, then stops delivery. It does not
// wait for a handler call already in progress.
func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	untrackErr := s.Untrack(ctx)

	s.cancel()
	closeErr := s.pubsub.Close()
	if untrackErr != nil {
		return untrackErr
	}
	return closeErr
}

func (s *subscription) refresh(ctx context.Context, payload domain.PresencePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal presence payload: %w", err)
	}
	c := s.presence.client
	pipe := c.TxPipeline()
	pipe.Set(ctx, heartbeatKey(s.topic, payload.UserID), data, s.presence.cfg.TTL)
	pipe.SAdd(ctx, membersKey(s.topic), string(payload.UserID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track %s: %w", payload.UserID, err)
	}
	return nil
}

func (s *subscription) loop(ctx context.Context, initial []domain.UserID) {
	defer s.Unsubscribe()

	// known holds the other members this subscriber has been told about
	known := make(map[domain.UserID]bool)
	for _, id := range initial {
		if id != s.self {
			known[id] = true
		}
	}
	s.handler(domain.PresenceEvent{Type: domain.PresenceSync, UserIDs: initial})

	ticker := time.NewTicker(s.presence.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				s.logger.Warnw("failed to unmarshal presence message", "error", err)
				continue
			}
			if m.UserID == "" || m.UserID == s.self {
				continue
			}
			switch m.Type {
			case domain.PresenceJoin:
				if !known[m.UserID] {
					known[m.UserID] = true
					s.handler(domain.PresenceEvent{Type: domain.PresenceJoin, UserIDs: []domain.UserID{m.UserID}})
				}
			case domain.PresenceLeave:
				if known[m.UserID] {
					delete(known, m.UserID)
					s.handler(domain.PresenceEvent{Type: domain.PresenceLeave, UserIDs: []domain.UserID{m.UserID}})
				}
			}
		case <-ticker.C:
			s.heartbeat(ctx, known)
		}
	}
}

// heartbeat refreshes the tracked member and reconciles known with the
// online set, reporting members that joined or expired unannounced.
func (s *subscription) heartbeat(ctx context.Context, known map[domain.UserID]bool) {
	s.mu.Lock()
	tracked := s.tracked
	s.mu.Unlock()
	if tracked != nil {
		if err := s.refresh(ctx, *tracked); err != nil {
			s.logger.Warnw("presence heartbeat failed", "error", err)
		}
	}

	online, err := s.presence.online(ctx, s.topic)
	if err != nil {
		s.logger.Warnw("presence resync failed", "error", err)
		return
	}

	current := make(map[domain.UserID]bool, len(online))
	var joined []domain.UserID
	for _, id := range online {
		if id == s.self {
			continue
		}
		current[id] = true
		if !known[id] {
			joined = append(joined, id)
		}
	}
	var left []domain.UserID
	for id := range known {
		if !current[id] {
			left = append(left, id)
		}
	}
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })

	for _, id := range joined {
		known[id] = true
	}
	for _, id := range left {
		delete(known, id)
	}
	if len(joined) > 0 {
		s.handler(domain.PresenceEvent{Type: domain.PresenceJoin, UserIDs: joined})
	}
	if len(left) > 0 {
		s.logger.Infow("presence members expired", "user_ids", left)
		s.handler(domain.PresenceEvent{Type: domain.PresenceLeave, UserIDs: left})
	}
	s.handler(domain.PresenceEvent{Type: domain.PresenceSync, UserIDs: online})
}
