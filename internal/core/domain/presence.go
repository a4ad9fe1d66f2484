package domain

import "time"

type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

type PresenceEvent struct {
	Type PresenceEventType `json:"type"`
	// For sync: every user currently online. For join/leave: the users that changed.
	UserIDs []UserID `json:"user_ids"`
}

// PresencePayload is what a participant announces when tracking itself.
type PresencePayload struct {
	UserID   UserID    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
}
