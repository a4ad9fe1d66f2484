package domain

import "errors"

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrSessionClosed    = errors.New("call session closed")
	ErrAlreadyJoined    = errors.New("call session already joined")
	ErrNotJoined        = errors.New("call session not joined")
	ErrNoVideoTrack     = errors.New("stream has no video track")
	ErrConnectionFailed = errors.New("connection failed")
)
