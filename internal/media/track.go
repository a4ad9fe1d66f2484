package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// TrackState mirrors MediaStreamTrack.readyState.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// Track is a local capture track. It is a webrtc.TrackLocal, so the same
// value can be attached to any number of RTP senders; toggling Enabled
// affects every connection at once.
type Track struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	state   TrackState
	onEnded []func()
	release func()
}

func NewTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{
		TrackLocalStaticSample: local,
		enabled:                true,
		state:                  TrackLive,
	}, nil
}

func NewAudioTrack(id, streamID string) (*Track, error) {
	return NewTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, id, streamID)
}

func NewVideoTrack(id, streamID string) (*Track, error) {
	return NewTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, id, streamID)
}

// WriteSample forwards a sample unless the track is disabled or ended.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	drop := !t.enabled || t.state == TrackEnded
	t.mu.Unlock()
	if drop {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) State() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnEnded registers fn to run when the source ends on its own (End), not on Stop.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop ends the track and releases its source. Idempotent.
func (t *Track) Stop() {
	t.finish(false)
}

// End marks the source as gone, as when the user stops a display capture
// from the system UI. OnEnded callbacks run once.
func (t *Track) End() {
	t.finish(true)
}

func (t *Track) setRelease(fn func()) {
	t.mu.Lock()
	t.release = fn
	t.mu.Unlock()
}

func (t *Track) finish(notify bool) {
	t.mu.Lock()
	if t.state == TrackEnded {
		t.mu.Unlock()
		return
	}
	t.state = TrackEnded
	release := t.release
	t.release = nil
	var callbacks []func()
	if notify {
		callbacks = t.onEnded
	}
	t.onEnded = nil
	t.mu.Unlock()

	if release != nil {
		release()
	}
	for _, fn := range callbacks {
		fn()
	}
}
