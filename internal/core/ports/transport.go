package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// PresenceChannel delivers who is online on a topic.
type PresenceChannel interface {
	// Subscribe starts delivering events for topic. The first event is a sync.
	Subscribe(ctx context.Context, topic string, self domain.UserID, handler func(domain.PresenceEvent)) (PresenceSubscription, error)
}

type PresenceSubscription interface {
	Track(ctx context.Context, payload domain.PresencePayload) error
	Untrack(ctx context.Context) error
	Unsubscribe() error
}

// SignalRelay forwards relay requests on behalf of the local user.
type SignalRelay interface {
	Invoke(ctx context.Context, req domain.RelayRequest) error
}

// SignalFeed streams signals addressed to one user.
type SignalFeed interface {
	Subscribe(ctx context.Context, user domain.UserID, handler func(domain.InboundSignal)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}
