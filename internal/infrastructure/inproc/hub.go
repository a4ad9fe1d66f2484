// Package inproc implements presence, signal relay and signal feed in
// memory, for single-process calls and tests.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
)

var ErrClosed = errors.New("hub closed")

type topicState struct {
	members map[domain.UserID]*presenceSub
	subs    map[*presenceSub]struct{}
}

// Hub is a shared in-memory backend. Every participant in a process talks to
// the same Hub through its Presence, Relay and Feed views.
type Hub struct {
	logger *zap.SugaredLogger

	mu           sync.Mutex
	closed       bool
	topics       map[string]*topicState
	feeds        map[domain.UserID]map[*feedSub]struct{}
	participants map[domain.CallID]map[domain.UserID]struct{}
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		logger:       logger,
		topics:       make(map[string]*topicState),
		feeds:        make(map[domain.UserID]map[*feedSub]struct{}),
		participants: make(map[domain.CallID]map[domain.UserID]struct{}),
	}
}

// Presence returns the presence view of the hub.
func (h *Hub) Presence() *Presence { return &Presence{hub: h} }

// Feed returns the signal feed view of the hub.
func (h *Hub) Feed() *Feed { return &Feed{hub: h} }

// Relay returns a relay that sends on behalf of self.
func (h *Hub) Relay(self domain.UserID) *Relay { return &Relay{hub: h, self: self} }

// Participants lists the users that joined callID through a relay.
func (h *Hub) Participants(callID domain.CallID) []domain.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.UserID, 0, len(h.participants[callID]))
	for id := range h.participants[callID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var presence []*presenceSub
	for _, t := range h.topics {
		for s := range t.subs {
			presence = append(presence, s)
		}
	}
	var feeds []*feedSub
	for _, subs := range h.feeds {
		for s := range subs {
			feeds = append(feeds, s)
		}
	}
	h.topics = make(map[string]*topicState)
	h.feeds = make(map[domain.UserID]map[*feedSub]struct{})
	h.mu.Unlock()

	for _, s := range presence {
		s.events.close()
	}
	for _, s := range feeds {
		s.signals.close()
	}
}

// memberIDsLocked returns the online users of t in a stable order.
func memberIDsLocked(t *topicState) []domain.UserID {
	ids := make([]domain.UserID, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Presence implements ports.PresenceChannel on a Hub.
type Presence struct {
	hub *Hub
}

var _ ports.PresenceChannel = (*Presence)(nil)

func (p *Presence) Subscribe(ctx context.Context, topic string, self domain.UserID, handler func(domain.PresenceEvent)) (ports.PresenceSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := p.hub
	sub := &presenceSub{hub: h, topic: topic, self: self, events: newDispatcher(handler)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.events.close()
		return nil, ErrClosed
	}
	t := h.topics[topic]
	if t == nil {
		t = &topicState{members: make(map[domain.UserID]*presenceSub), subs: make(map[*presenceSub]struct{})}
		h.topics[topic] = t
	}
	t.subs[sub] = struct{}{}
	sub.events.push(domain.PresenceEvent{Type: domain.PresenceSync, UserIDs: memberIDsLocked(t)})
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	h.mu.Lock()
	sub.stop = stop
	h.mu.Unlock()
	h.logger.Debugw("presence subscribed", "topic", topic, "user_id", self)
	return sub, nil
}

type presenceSub struct {
	hub    *Hub
	topic  string
	self   domain.UserID
	events *dispatcher[domain.PresenceEvent]

	// guarded by hub.mu
	stop func() bool
	done bool
}

// Track announces the subscriber. Others get a join, everyone a fresh sync.
func (s *presenceSub) Track(ctx context.Context, payload domain.PresencePayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[s.topic]
	if s.done || t == nil {
		return fmt.Errorf("presence %s: subscription closed", s.topic)
	}
	if payload.UserID == "" {
		payload.UserID = s.self
	}
	_, existed := t.members[payload.UserID]
	t.members[payload.UserID] = s

	ids := memberIDsLocked(t)
	for other := range t.subs {
		if !existed && other != s {
			other.events.push(domain.PresenceEvent{Type: domain.PresenceJoin, UserIDs: []domain.UserID{payload.UserID}})
		}
		other.events.push(domain.PresenceEvent{Type: domain.PresenceSync, UserIDs: ids})
	}
	return nil
}

func (s *presenceSub) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	s.untrackLocked()
	return nil
}

func (s *presenceSub) untrackLocked() {
	t := s.hub.topics[s.topic]
	if t == nil || t.members[s.self] != s {
		return
	}
	delete(t.members, s.self)
	for other := range t.subs {
		if other != s {
			other.events.push(domain.PresenceEvent{Type: domain.PresenceLeave, UserIDs: []domain.UserID{s.self}})
		}
	}
}

// Unsubscribe leaves the topic; a tracked member is untracked first.
func (s *presenceSub) Unsubscribe() error {
	h := s.hub
	h.mu.Lock()
	if s.done {
		h.mu.Unlock()
		return nil
	}
	s.done = true
	s.untrackLocked()
	if t := h.topics[s.topic]; t != nil {
		delete(t.subs, s)
		if len(t.subs) == 0 && len(t.members) == 0 {
			delete(h.topics, s.topic)
		}
	}
	stop := s.stop
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.events.close()
	return nil
}

// Feed implements ports.SignalFeed on a Hub.
type Feed struct {
	hub *Hub
}

var _ ports.SignalFeed = (*Feed)(nil)

func (f *Feed) Subscribe(ctx context.Context, user domain.UserID, handler func(domain.InboundSignal)) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := f.hub
	sub := &feedSub{hub: h, user: user, signals: newDispatcher(handler)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.signals.close()
		return nil, ErrClosed
	}
	if h.feeds[user] == nil {
		h.feeds[user] = make(map[*feedSub]struct{})
	}
	h.feeds[user][sub] = struct{}{}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })
	h.mu.Lock()
	sub.stop = stop
	h.mu.Unlock()
	return sub, nil
}

type feedSub struct {
	hub     *Hub
	user    domain.UserID
	signals *dispatcher[domain.InboundSignal]
	// guarded by hub.mu
	stop func() bool
}

func (s *feedSub) Unsubscribe() error {
	h := s.hub
	h.mu.Lock()
	if subs := h.feeds[s.user]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.feeds, s.user)
		}
	}
	stop := s.stop
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.signals.close()
	return nil
}

// Relay implements ports.SignalRelay on a Hub for one sender.
type Relay struct {
	hub  *Hub
	self domain.UserID
}

var _ ports.SignalRelay = (*Relay)(nil)

func (r *Relay) Invoke(ctx context.Context, req domain.RelayRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.CallID == "" {
		return fmt.Errorf("relay %s: call id is required", req.Action)
	}
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	switch req.Action {
	case domain.RelayJoin:
		if h.participants[req.CallID] == nil {
			h.participants[req.CallID] = make(map[domain.UserID]struct{})
		}
		h.participants[req.CallID][r.self] = struct{}{}
	case domain.RelayLeave:
		if ps := h.participants[req.CallID]; ps != nil {
			delete(ps, r.self)
			if len(ps) == 0 {
				delete(h.participants, req.CallID)
			}
		}
	case domain.RelaySignal:
		if req.TargetUserID == "" || req.Signal == nil {
			return fmt.Errorf("relay signal: target and signal are required")
		}
		sig := domain.InboundSignal{
			ID:         uuid.NewString(),
			CallID:     req.CallID,
			FromUserID: r.self,
			ToUserID:   req.TargetUserID,
			Signal:     *req.Signal,
		}
		subs := h.feeds[req.TargetUserID]
		if len(subs) == 0 {
			h.logger.Debugw("dropping signal without subscriber",
				"call_id", req.CallID,
				"to_user_id", req.TargetUserID,
				"type", req.Signal.Type,
			)
		}
		for s := range subs {
			s.signals.push(sig)
		}
	default:
		return fmt.Errorf("unknown relay action %q", req.Action)
	}
	return nil
}
