package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/media"
)

// fakeSender records ReplaceTrack calls.
type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (f *fakeSender) Track() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.track
}

func (f *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.track = t
	f.replaced++
	return nil
}

// fakePC implements the signaling state machine of RTCPeerConnection.
type fakePC struct {
	remoteUser domain.UserID

	mu          sync.Mutex
	state       webrtc.SignalingState
	connState   webrtc.PeerConnectionState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	senders     []*fakeSender
	candidates  []webrtc.ICECandidateInit
	offers      int
	answers     int
	restarts    int
	restartNext bool
	closed      bool
	closeCalls  int
	failRemote  error
	stats       domain.MediaStats
	// beforeSetLocal runs outside f.mu, with the session's peer lock held
	beforeSetLocal func(webrtc.SessionDescription)

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
	onConn      func(webrtc.PeerConnectionState)
}

var _ ports.PeerConnection = (*fakePC)(nil)

func newFakePC(remote domain.UserID) *fakePC {
	return &fakePC{remoteUser: remote, state: webrtc.SignalingStateStable, connState: webrtc.PeerConnectionStateNew}
}

func (f *fakePC) AddTrack(t webrtc.TrackLocal) (ports.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{track: t}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	f.offers++
	sdp := fmt.Sprintf("v=0\r\ns=offer-%d\r\n", f.offers)
	if f.restartNext {
		sdp += "a=ice-restart\r\n"
		f.restartNext = false
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0\r\ns=answer-%d\r\n", f.answers)}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	hook := f.beforeSetLocal
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && (f.state == webrtc.SignalingStateStable || f.state == webrtc.SignalingStateHaveLocalOffer):
		f.state = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveRemoteOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in state %s", d.Type, f.state)
	}
	f.local = &d
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemote != nil {
		return f.failRemote
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && (f.state == webrtc.SignalingStateStable || f.state == webrtc.SignalingStateHaveRemoteOffer):
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && f.state == webrtc.SignalingStateHaveLocalOffer:
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in state %s", d.Type, f.state)
	}
	f.remote = &d
	return nil
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePC) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakePC) RestartICE() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.restartNext = true
}

func (f *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakePC) OnTrack(fn func(media.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onConn = fn
	f.mu.Unlock()
}

func (f *fakePC) Stats() domain.MediaStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePC) setStats(st domain.MediaStats) {
	f.mu.Lock()
	f.stats = st
	f.mu.Unlock()
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closed = true
	f.state = webrtc.SignalingStateClosed
	return nil
}

func (f *fakePC) emitCandidate(c string) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	mid := "0"
	fn(webrtc.ICECandidateInit{Candidate: c, SDPMid: &mid})
}

func (f *fakePC) setConnectionState(st webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connState = st
	fn := f.onConn
	f.mu.Unlock()
	fn(st)
}

func (f *fakePC) emitTrack(t media.RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *fakePC) videoSender() *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.senders {
		if s.Track() != nil && s.Track().Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	if len(f.senders) > 1 {
		return f.senders[1]
	}
	return nil
}

func (f *fakePC) snapshot() (offers, restarts, closeCalls int, candidates []webrtc.ICECandidateInit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.restarts, f.closeCalls, append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

type fakeFactory struct {
	mu       sync.Mutex
	pcs      map[domain.UserID][]*fakePC
	err      error
	onCreate func(*fakePC)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{pcs: make(map[domain.UserID][]*fakePC)}
}

func (f *fakeFactory) NewPeerConnection(_ context.Context, remote domain.UserID) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePC(remote)
	if f.onCreate != nil {
		f.onCreate(pc)
	}
	f.pcs[remote] = append(f.pcs[remote], pc)
	return pc, nil
}

func (f *fakeFactory) created(remote domain.UserID) []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs[remote]...)
}

func (f *fakeFactory) last(remote domain.UserID) *fakePC {
	pcs := f.created(remote)
	if len(pcs) == 0 {
		return nil
	}
	return pcs[len(pcs)-1]
}

// mockRelay records every relay request.
type mockRelay struct {
	mock.Mock
	mu   sync.Mutex
	reqs []domain.RelayRequest
}

func (m *mockRelay) Invoke(ctx context.Context, req domain.RelayRequest) error {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockRelay) requests() []domain.RelayRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RelayRequest(nil), m.reqs...)
}

func (m *mockRelay) signalsTo(to domain.UserID, t domain.SignalType) []domain.RelayRequest {
	var out []domain.RelayRequest
	for _, r := range m.requests() {
		if r.Action == domain.RelaySignal && r.TargetUserID == to && r.Signal != nil && r.Signal.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockRelay) actions(a domain.RelayAction) int {
	n := 0
	for _, r := range m.requests() {
		if r.Action == a {
			n++
		}
	}
	return n
}

type fakeSubscription struct {
	mu           sync.Mutex
	unsubscribed int
}

func (f *fakeSubscription) Unsubscribe() error {
	f.mu.Lock()
	f.unsubscribed++
	f.mu.Unlock()
	return nil
}

type fakeFeed struct {
	mu      sync.Mutex
	handler func(domain.InboundSignal)
	user    domain.UserID
	sub     *fakeSubscription
	err     error
}

func (f *fakeFeed) Subscribe(_ context.Context, user domain.UserID, handler func(domain.InboundSignal)) (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.user = user
	f.handler = handler
	f.sub = &fakeSubscription{}
	return f.sub, nil
}

func (f *fakeFeed) deliver(sig domain.InboundSignal) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(sig)
}

type fakePresenceSub struct {
	fakeSubscription
	tracked   []domain.PresencePayload
	untracked int
}

func (f *fakePresenceSub) Track(_ context.Context, p domain.PresencePayload) error {
	f.mu.Lock()
	f.tracked = append(f.tracked, p)
	f.mu.Unlock()
	return nil
}

func (f *fakePresenceSub) Untrack(context.Context) error {
	f.mu.Lock()
	f.untracked++
	f.mu.Unlock()
	return nil
}

type fakePresence struct {
	mu      sync.Mutex
	topic   string
	handler func(domain.PresenceEvent)
	sub     *fakePresenceSub
	err     error
}

func (f *fakePresence) Subscribe(_ context.Context, topic string, _ domain.UserID, handler func(domain.PresenceEvent)) (ports.PresenceSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.topic = topic
	f.handler = handler
	f.sub = &fakePresenceSub{}
	return f.sub, nil
}

func (f *fakePresence) emit(ev domain.PresenceEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

type fakeDevices struct {
	mu          sync.Mutex
	userErr     error
	displayErr  error
	userStreams []*media.Stream
	displays    []*media.Stream
	n           int
}

func (f *fakeDevices) GetUserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return nil, f.userErr
	}
	f.n++
	id := fmt.Sprintf("local-%d", f.n)
	audio, err := media.NewAudioTrack(id+"-audio", id)
	if err != nil {
		return nil, err
	}
	video, err := media.NewVideoTrack(id+"-video", id)
	if err != nil {
		return nil, err
	}
	s := media.NewStream(id, audio, video)
	f.userStreams = append(f.userStreams, s)
	return s, nil
}

func (f *fakeDevices) GetDisplayMedia(context.Context) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.displayErr != nil {
		return nil, f.displayErr
	}
	f.n++
	id := fmt.Sprintf("screen-%d", f.n)
	video, err := media.NewVideoTrack(id+"-video", id)
	if err != nil {
		return nil, err
	}
	s := media.NewStream(id, video)
	f.displays = append(f.displays, s)
	return s, nil
}

type remoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (r remoteTrack) ID() string                { return r.id }
func (r remoteTrack) StreamID() string          { return r.stream }
func (r remoteTrack) Kind() webrtc.RTPCodecType { return r.kind }

type countingMetrics struct {
	noopMetrics
	mu          sync.Mutex
	restarts    int
	failures    int
	buffered    int
	negotiation map[string]int
	media       int
}

func (c *countingMetrics) ICERestart() {
	c.mu.Lock()
	c.restarts++
	c.mu.Unlock()
}

func (c *countingMetrics) ConnectionFailed() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

func (c *countingMetrics) CandidateBuffered() {
	c.mu.Lock()
	c.buffered++
	c.mu.Unlock()
}

func (c *countingMetrics) NegotiationError(step string) {
	c.mu.Lock()
	if c.negotiation == nil {
		c.negotiation = make(map[string]int)
	}
	c.negotiation[step]++
	c.mu.Unlock()
}

func (c *countingMetrics) MediaAccessFailure(string) {
	c.mu.Lock()
	c.media++
	c.mu.Unlock()
}
