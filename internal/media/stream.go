package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Stream is an ordered set of local tracks sharing one stream id.
type Stream struct {
	id     string
	tracks []*Track
}

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) byKind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// RemoteTrack is the part of *webrtc.TrackRemote the session needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream collects the tracks received from one peer. The stream id is
// fixed by the first track; a track id seen before is ignored.
type RemoteStream struct {
	mu     sync.RWMutex
	id     string
	tracks []RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// AddTrack reports whether the track was new.
func (r *RemoteStream) AddTrack(track RemoteTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.tracks {
		if existing.ID() == track.ID() {
			return false
		}
	}
	if r.id == "" {
		r.id = track.StreamID()
	}
	r.tracks = append(r.tracks, track)
	return true
}

func (r *RemoteStream) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks) == 0
}
