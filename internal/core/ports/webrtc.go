package ports

import (
	"context"

	"peercall/internal/core/domain"
	"peercall/internal/media"

	"github.com/pion/webrtc/v3"
)

// RTPSender is satisfied by *webrtc.RTPSender.
type RTPSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the slice of RTCPeerConnection the call session drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (RTPSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	// RestartICE makes the next CreateOffer generate fresh ICE credentials.
	RestartICE()
	// OnICECandidate is not called for the end-of-gathering marker.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(media.RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// Stats reports RTP counters for remote tracks and RTCP feedback for
	// local senders.
	Stats() domain.MediaStats
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context, remote domain.UserID) (PeerConnection, error)
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints media.Constraints) (*media.Stream, error)
	GetDisplayMedia(ctx context.Context) (*media.Stream, error)
}
