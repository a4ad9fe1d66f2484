package domain

import "time"

type CallID string
type UserID string

// Topic returns the presence topic participants of the call subscribe to.
func (id CallID) Topic() string {
	return "call:" + string(id)
}

// IsOfferer reports whether local is the side that sends the offer to remote.
// The lexicographically lower id always offers, so both sides agree without
// coordination.
func IsOfferer(local, remote UserID) bool {
	return local < remote
}

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

type PeerInfo struct {
	UserID          UserID
	Initiator       bool
	ConnectionState ConnectionState
	SignalingState  string
	JoinedAt        time.Time
	ICERestarted    bool
}

// TrackStats summarizes what arrived on one remote track.
type TrackStats struct {
	TrackID      string
	Kind         string
	MimeType     string
	Packets      uint64
	Bytes        uint64
	Lost         uint64
	Keyframes    uint64
	LastPacketAt time.Time
}

// SenderFeedback aggregates RTCP feedback the remote side sent about our
// outbound media. RTT stays zero until a receiver report references one of
// our sender reports.
type SenderFeedback struct {
	Reports      uint64
	FractionLost float64
	Jitter       uint32
	RTT          time.Duration
	NACKs        uint64
	PLIs         uint64
}

type MediaStats struct {
	Inbound  []TrackStats
	Outbound SenderFeedback
}
