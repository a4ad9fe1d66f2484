package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"peercall/internal/core/domain"
	"peercall/internal/media"
	apperrors "peercall/pkg/errors"
)

const room domain.CallID = "room-1"

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (e *errSink) add(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

func (e *errSink) withCode(code apperrors.ErrorCode) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, err := range e.errs {
		if apperrors.HasCode(err, code) {
			n++
		}
	}
	return n
}

func (e *errSink) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

type harness struct {
	session  *CallSession
	devices  *fakeDevices
	presence *fakePresence
	feed     *fakeFeed
	relay    *mockRelay
	factory  *fakeFactory
	metrics  *countingMetrics
	errs     *errSink
}

func newHarness(t *testing.T, opts ...func(*CallSessionConfig)) *harness {
	t.Helper()
	h := &harness{
		devices:  &fakeDevices{},
		presence: &fakePresence{},
		feed:     &fakeFeed{},
		relay:    &mockRelay{},
		factory:  newFakeFactory(),
		metrics:  &countingMetrics{},
		errs:     &errSink{},
	}
	cfg := DefaultCallSessionConfig()
	for _, o := range opts {
		o(&cfg)
	}
	h.session = NewCallSession(cfg, CallSessionDeps{
		Devices:  h.devices,
		Presence: h.presence,
		Relay:    h.relay,
		Feed:     h.feed,
		Factory:  h.factory,
		Metrics:  h.metrics,
	})
	h.session.OnError(h.errs.add)
	return h
}

func (h *harness) relayOK() *harness {
	h.relay.On("Invoke", mock.Anything, mock.Anything).Return(nil)
	return h
}

func (h *harness) join(t *testing.T, self domain.UserID) {
	t.Helper()
	require.NoError(t, h.session.Join(context.Background(), room, self))
}

func (h *harness) signal(from domain.UserID, env domain.SignalEnvelope) {
	h.feed.deliver(domain.InboundSignal{CallID: room, FromUserID: from, ToUserID: h.feed.user, Signal: env})
}

func offer(sdp string) domain.SignalEnvelope {
	return domain.SignalEnvelope{Type: domain.SignalOffer, SDP: sdp}
}

func answer(sdp string) domain.SignalEnvelope {
	return domain.SignalEnvelope{Type: domain.SignalAnswer, SDP: sdp}
}

func candidate(c string) domain.SignalEnvelope {
	mid := "0"
	idx := uint16(0)
	return domain.SignalEnvelope{Type: domain.SignalICECandidate, Candidate: &domain.ICECandidate{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx}}
}

func TestJoin_SubscribesTracksAndNotifiesRelay(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")

	assert.Equal(t, domain.UserID("alice"), h.feed.user)
	assert.Equal(t, "call:room-1", h.presence.topic)
	require.Len(t, h.presence.sub.tracked, 1)
	assert.Equal(t, domain.UserID("alice"), h.presence.sub.tracked[0].UserID)
	assert.Equal(t, 1, h.relay.actions(domain.RelayJoin))

	st := h.session.State()
	assert.True(t, st.IsConnected)
	assert.False(t, st.IsConnecting)
	require.NotNil(t, st.LocalStream)
	assert.Len(t, st.LocalStream.AudioTracks(), 1)
	assert.Len(t, st.LocalStream.VideoTracks(), 1)
	assert.Empty(t, st.Peers)
}

func TestJoin_InvalidIDs(t *testing.T) {
	h := newHarness(t).relayOK()

	err := h.session.Join(context.Background(), "", "alice")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	require.NotNil(t, apperrors.GetAppError(err))
	assert.Equal(t, 400, apperrors.GetAppError(err).HTTPStatus)
	assert.Contains(t, err.Error(), "invalid call id")

	err = h.session.Join(context.Background(), room, "bad user")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	assert.False(t, h.session.State().IsConnecting)
}

func TestJoin_ScopesLoggerOnce(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t).relayOK()
	h.session.base = zap.New(core).Sugar().Named("session")
	h.join(t, "alice")

	entries := logs.FilterMessage("joined call").All()
	require.Len(t, entries, 1)
	counts := map[string]int{}
	for _, f := range entries[0].Context {
		counts[f.Key]++
	}
	assert.Equal(t, 1, counts["call_id"])
	assert.Equal(t, 1, counts["user_id"])
	assert.EqualValues(t, "room-1", entries[0].ContextMap()["call_id"])
}

func TestJoin_Twice(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")

	err := h.session.Join(context.Background(), room, "alice")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
	assert.True(t, h.session.State().IsConnected)
}

func TestJoin_MediaAccessFailure(t *testing.T) {
	h := newHarness(t).relayOK()
	h.devices.userErr = errors.New("permission denied")

	err := h.session.Join(context.Background(), room, "alice")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAccess))
	assert.Equal(t, 1, h.errs.withCode(apperrors.ErrCodeMediaAccess))
	assert.Equal(t, 1, h.metrics.media)

	assert.Nil(t, h.feed.handler, "feed must not be subscribed after media failure")
	st := h.session.State()
	assert.False(t, st.IsConnected)
	assert.False(t, st.IsConnecting)
	assert.Nil(t, st.LocalStream)

	// a later attempt can succeed
	h.devices.userErr = nil
	h.join(t, "alice")
	assert.True(t, h.session.State().IsConnected)
}

func TestJoin_FeedSubscribeFailureReleasesMedia(t *testing.T) {
	h := newHarness(t).relayOK()
	h.feed.err = errors.New("socket closed")

	err := h.session.Join(context.Background(), room, "alice")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalRelay))

	require.Len(t, h.devices.userStreams, 1)
	for _, track := range h.devices.userStreams[0].Tracks() {
		assert.Equal(t, media.TrackEnded, track.State())
	}
	assert.Nil(t, h.session.State().LocalStream)
	assert.Nil(t, h.presence.handler)
}

func TestJoin_PresenceSubscribeFailureReleasesFeed(t *testing.T) {
	h := newHarness(t).relayOK()
	h.presence.err = errors.New("channel error")

	err := h.session.Join(context.Background(), room, "alice")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalRelay))
	assert.Equal(t, 1, h.feed.sub.unsubscribed)
	assert.False(t, h.session.State().IsConnected)
}

func TestJoin_RelayJoinFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.relay.On("Invoke", mock.Anything, mock.MatchedBy(func(r domain.RelayRequest) bool {
		return r.Action == domain.RelayJoin
	})).Return(errors.New("502 bad gateway"))
	h.relay.On("Invoke", mock.Anything, mock.Anything).Return(nil)

	h.join(t, "alice")
	assert.True(t, h.session.State().IsConnected)
	assert.Equal(t, 1, h.errs.withCode(apperrors.ErrCodeSignalRelay))
}

func TestPresenceSync_LowerIDSendsOneOffer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")

	h.presence.emit(domain.PresenceEvent{Type: domain.PresenceSync, UserIDs: []domain.UserID{"alice", "bob"}})

	require.Len(t, h.factory.created("bob"), 1)
	offers := h.relay.signalsTo("bob", domain.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, room, offers[0].CallID)
	assert.Contains(t, offers[0].Signal.SDP, "v=0")
	assert.Empty(t, h.factory.created("alice"), "no connection to self")
}

func TestAnswer_ReachesStableWithoutFurtherOffers(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	h.presence.emit(domain.PresenceEvent{Type: domain.PresenceSync, UserIDs: []domain.UserID{"bob"}})

	h.signal("bob", answer("v=0\r\ns=bob\r\n"))

	pc := h.factory.last("bob")
	require.NotNil(t, pc)
	assert.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	assert.Len(t, h.relay.signalsTo("bob", domain.SignalOffer), 1)
	assert.Zero(t, h.errs.count())
}

func TestHandlePeerJoined_Duplicate(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	ctx := context.Background()

	require.NoError(t, h.session.HandlePeerJoined(ctx, "bob"))
	require.NoError(t, h.session.HandlePeerJoined(ctx, "bob"))
	require.NoError(t, h.session.HandlePresenceSync(ctx, []domain.UserID{"bob"}))

	assert.Len(t, h.factory.created("bob"), 1)
	assert.Len(t, h.session.State().Peers, 1)
	assert.Len(t, h.relay.signalsTo("bob", domain.SignalOffer), 1)
}

func TestHandlePeerJoined_HigherIDWaitsForOffer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")

	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "alice"))

	assert.Len(t, h.factory.created("alice"), 1)
	assert.Empty(t, h.relay.signalsTo("alice", domain.SignalOffer))
	peers := h.session.State().Peers
	require.Len(t, peers, 1)
	assert.False(t, peers[0].Initiator)
}

func TestOfferFromUnknownUser_AnswersAndAppliesCandidates(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")

	h.signal("alice", offer("v=0\r\ns=alice\r\n"))

	require.Len(t, h.factory.created("alice"), 1)
	pc := h.factory.last("alice")
	assert.Equal(t, webrtc.SignalingStateStable, pc.SignalingState())
	assert.Len(t, h.relay.signalsTo("alice", domain.SignalAnswer), 1)

	h.signal("alice", candidate("candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"))
	_, _, _, applied := pc.snapshot()
	assert.Len(t, applied, 1)
	assert.Zero(t, h.errs.count())
}

func TestCandidateBeforeOffer_IsAdoptedByNewPeer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")

	h.signal("alice", candidate("candidate:early"))
	assert.Empty(t, h.factory.created("alice"))
	assert.Equal(t, 1, h.metrics.buffered)

	h.signal("alice", offer("v=0\r\ns=alice\r\n"))

	_, _, _, applied := h.factory.last("alice").snapshot()
	require.Len(t, applied, 1)
	assert.Equal(t, "candidate:early", applied[0].Candidate)
}

func TestCandidateBeforeAnswer_IsBufferedOnPeer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))
	pc := h.factory.last("bob")

	h.signal("bob", candidate("candidate:b1"))
	_, _, _, applied := pc.snapshot()
	assert.Empty(t, applied)

	h.signal("bob", answer("v=0\r\ns=bob\r\n"))
	_, _, _, applied = pc.snapshot()
	require.Len(t, applied, 1)
	assert.Equal(t, "candidate:b1", applied[0].Candidate)
}

func TestOrphanCandidatesAreBounded(t *testing.T) {
	h := newHarness(t, func(c *CallSessionConfig) { c.MaxOrphanCandidates = 2 }).relayOK()
	h.join(t, "bob")

	for _, c := range []string{"c1", "c2", "c3"} {
		h.signal("carol", candidate(c))
	}
	h.signal("carol", offer("v=0\r\ns=carol\r\n"))

	_, _, _, applied := h.factory.last("carol").snapshot()
	require.Len(t, applied, 2)
	assert.Equal(t, "c2", applied[0].Candidate)
	assert.Equal(t, "c3", applied[1].Candidate)
}

func TestAnswerWithoutPeer_IsNegotiationError(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")

	err := h.session.HandleIncomingSignal(context.Background(), "carol", answer("v=0\r\n"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	assert.Equal(t, 1, h.errs.withCode(apperrors.ErrCodeNegotiation))
	assert.True(t, h.session.State().IsConnected)
}

func TestAnswerInWrongState_IsNegotiationError(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")
	h.signal("alice", offer("v=0\r\ns=alice\r\n"))

	err := h.session.HandleIncomingSignal(context.Background(), "alice", answer("v=0\r\ns=late\r\n"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))
	assert.Equal(t, webrtc.SignalingStateStable, h.factory.last("alice").SignalingState())
}

func TestMalformedSignal_IsNegotiationError(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")

	err := h.session.HandleIncomingSignal(context.Background(), "bob", domain.SignalEnvelope{Type: domain.SignalOffer})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))

	err = h.session.HandleIncomingSignal(context.Background(), "bob", domain.SignalEnvelope{Type: "bye"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))

	err = h.session.HandleIncomingSignal(context.Background(), "bob", offer("not a session description"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))
	assert.Empty(t, h.factory.created("bob"))
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))

	h.factory.last("bob").emitCandidate("candidate:local")

	sent := h.relay.signalsTo("bob", domain.SignalICECandidate)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Signal.Candidate)
	assert.Equal(t, "candidate:local", sent[0].Signal.Candidate.Candidate)
	assert.Equal(t, "0", *sent[0].Signal.Candidate.SDPMid)
}

func TestGlare_PoliteSideReplacesConnection(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")
	ctx := context.Background()

	p, err := h.session.createPeer(ctx, "alice", false)
	require.NoError(t, err)
	require.NoError(t, h.session.sendOffer(ctx, p, false))
	old := h.factory.last("alice")
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, old.SignalingState())

	h.signal("alice", offer("v=0\r\ns=alice\r\n"))

	pcs := h.factory.created("alice")
	require.Len(t, pcs, 2)
	_, _, closes, _ := old.snapshot()
	assert.Equal(t, 1, closes)
	assert.Equal(t, webrtc.SignalingStateStable, pcs[1].SignalingState())
	assert.Len(t, h.relay.signalsTo("alice", domain.SignalAnswer), 1)
	assert.Len(t, h.session.State().Peers, 1)
}

func TestCandidateDuringReplacement_ReachesNewConnection(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")
	ctx := context.Background()

	old, err := h.session.createPeer(ctx, "alice", false)
	require.NoError(t, err)

	// hold the old peer the way replacePeer does while it is torn down
	old.mu.Lock()
	done := make(chan error, 1)
	go func() {
		done <- h.session.handleCandidate("alice", candidate("candidate:late").Candidate)
	}()
	time.Sleep(20 * time.Millisecond)

	old.closed = true
	h.session.mu.Lock()
	delete(h.session.peers, "alice")
	h.session.mu.Unlock()
	replacement, err := h.session.createPeer(ctx, "alice", false)
	require.NoError(t, err)
	old.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("candidate handling did not finish")
	}

	h.signal("alice", offer("v=0\r\ns=alice\r\n"))

	require.Same(t, replacement, h.session.lookup("alice"))
	pcs := h.factory.created("alice")
	require.Len(t, pcs, 2)
	_, _, _, oldCands := pcs[0].snapshot()
	_, _, _, newCands := pcs[1].snapshot()
	assert.Empty(t, oldCands)
	require.Len(t, newCands, 1)
	assert.Equal(t, "candidate:late", newCands[0].Candidate)
}

func TestAnswerAfterLeave_IsNotRelayed(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")

	left := make(chan error, 1)
	h.factory.onCreate = func(pc *fakePC) {
		pc.beforeSetLocal = func(d webrtc.SessionDescription) {
			if d.Type != webrtc.SDPTypeAnswer {
				return
			}
			go func() { left <- h.session.Leave(context.Background()) }()
			assert.Eventually(t, func() bool {
				sctx, _, _ := h.session.session()
				return sctx == nil
			}, time.Second, time.Millisecond)
		}
	}

	err := h.session.HandleIncomingSignal(context.Background(), "alice", offer("v=0\r\ns=alice\r\n"))
	assert.NoError(t, err)
	require.NoError(t, <-left)

	assert.Empty(t, h.relay.signalsTo("alice", domain.SignalAnswer))
	assert.Zero(t, h.errs.withCode(apperrors.ErrCodeSignalRelay))
	assert.Zero(t, h.errs.withCode(apperrors.ErrCodeNegotiation))
}

func TestGlare_ImpoliteSideIgnoresOffer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))

	h.signal("bob", offer("v=0\r\ns=bob\r\n"))

	require.Len(t, h.factory.created("bob"), 1)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, h.factory.last("bob").SignalingState())
	assert.Empty(t, h.relay.signalsTo("bob", domain.SignalAnswer))
	assert.Zero(t, h.errs.count())
}

func TestToggleMute_FlipsSharedTrackOnce(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePresenceSync(context.Background(), []domain.UserID{"bob", "carol"}))

	audio := h.session.State().LocalStream.AudioTracks()[0]
	require.True(t, audio.Enabled())

	muted, err := h.session.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, audio.Enabled())
	assert.True(t, h.session.State().IsMuted)

	for _, id := range []domain.UserID{"bob", "carol"} {
		pc := h.factory.last(id)
		pc.mu.Lock()
		assert.Len(t, pc.senders, 2)
		for _, s := range pc.senders {
			assert.Zero(t, s.replaced)
		}
		pc.mu.Unlock()
	}

	muted, err = h.session.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, audio.Enabled())
}

func TestToggleVideo(t *testing.T) {
	h := newHarness(t).relayOK()

	_, err := h.session.ToggleVideo()
	assert.ErrorIs(t, err, domain.ErrNotJoined)

	h.join(t, "alice")
	video := h.session.State().LocalStream.VideoTracks()[0]

	off, err := h.session.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)
	assert.False(t, video.Enabled())
	assert.True(t, h.session.State().IsVideoOff)
}

func TestScreenShare_EnableDisableRestoresCamera(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.session.HandlePeerJoined(ctx, "bob"))

	local := h.session.State().LocalStream
	camera := local.VideoTracks()[0]
	sender := h.factory.last("bob").videoSender()
	require.Equal(t, webrtc.TrackLocal(camera), sender.Track())

	sharing, err := h.session.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, sharing)

	require.Len(t, h.devices.displays, 1)
	screen := h.devices.displays[0].VideoTracks()[0]
	assert.Equal(t, webrtc.TrackLocal(screen), sender.Track())

	st := h.session.State()
	assert.True(t, st.IsScreenSharing)
	assert.Equal(t, []*media.Track{screen}, st.LocalStream.VideoTracks())
	assert.Equal(t, local.AudioTracks(), st.LocalStream.AudioTracks())

	sharing, err = h.session.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.False(t, sharing)

	assert.Equal(t, webrtc.TrackLocal(camera), sender.Track())
	assert.Equal(t, media.TrackEnded, screen.State())
	assert.Equal(t, media.TrackLive, camera.State())
	st = h.session.State()
	assert.False(t, st.IsScreenSharing)
	assert.Same(t, local, st.LocalStream)
}

func TestScreenShare_NativeEndRestoresCamera(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.session.HandlePeerJoined(ctx, "bob"))
	camera := h.session.State().LocalStream.VideoTracks()[0]

	_, err := h.session.ToggleScreenShare(ctx)
	require.NoError(t, err)
	screen := h.devices.displays[0].VideoTracks()[0]

	screen.End()

	assert.False(t, h.session.State().IsScreenSharing)
	assert.Equal(t, webrtc.TrackLocal(camera), h.factory.last("bob").videoSender().Track())
}

func TestScreenShare_NewPeerGetsScreenTrack(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	ctx := context.Background()

	_, err := h.session.ToggleScreenShare(ctx)
	require.NoError(t, err)
	screen := h.devices.displays[0].VideoTracks()[0]

	require.NoError(t, h.session.HandlePeerJoined(ctx, "carol"))
	assert.Equal(t, webrtc.TrackLocal(screen), h.factory.last("carol").videoSender().Track())
}

func TestScreenShare_DisplayDenied(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	ctx := context.Background()
	require.NoError(t, h.session.HandlePeerJoined(ctx, "bob"))
	camera := h.session.State().LocalStream.VideoTracks()[0]
	h.devices.displayErr = errors.New("user dismissed picker")

	sharing, err := h.session.ToggleScreenShare(ctx)
	assert.False(t, sharing)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAccess))
	assert.Equal(t, 1, h.errs.withCode(apperrors.ErrCodeMediaAccess))
	assert.Equal(t, webrtc.TrackLocal(camera), h.factory.last("bob").videoSender().Track())
	assert.False(t, h.session.State().IsScreenSharing)
}

func TestICERestart_OnlyFailedPeer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePresenceSync(context.Background(), []domain.UserID{"bob", "carol"}))
	h.signal("bob", answer("v=0\r\ns=bob\r\n"))
	h.signal("carol", answer("v=0\r\ns=carol\r\n"))

	bob, carol := h.factory.last("bob"), h.factory.last("carol")
	carol.setConnectionState(webrtc.PeerConnectionStateConnected)
	bob.setConnectionState(webrtc.PeerConnectionStateFailed)

	_, bobRestarts, _, _ := bob.snapshot()
	_, carolRestarts, _, _ := carol.snapshot()
	assert.Equal(t, 1, bobRestarts)
	assert.Zero(t, carolRestarts)
	assert.Equal(t, 1, h.metrics.restarts)

	offers := h.relay.signalsTo("bob", domain.SignalOffer)
	require.Len(t, offers, 2)
	assert.Contains(t, offers[1].Signal.SDP, "ice-restart")
	assert.Len(t, h.relay.signalsTo("carol", domain.SignalOffer), 1)
}

func TestICERestart_SecondFailureReportsConnectionFailed(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))
	bob := h.factory.last("bob")

	bob.setConnectionState(webrtc.PeerConnectionStateFailed)
	bob.setConnectionState(webrtc.PeerConnectionStateFailed)

	_, restarts, _, _ := bob.snapshot()
	assert.Equal(t, 1, restarts)
	assert.Equal(t, 1, h.metrics.failures)
	assert.Equal(t, 1, h.errs.withCode(apperrors.ErrCodeConnectionFailed))

	peers := h.session.State().Peers
	require.Len(t, peers, 1)
	assert.True(t, peers[0].ICERestarted)
	assert.Equal(t, domain.ConnectionStateFailed, peers[0].ConnectionState)
}

func TestICERestart_AnsweringSideDoesNotOffer(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")
	h.signal("alice", offer("v=0\r\ns=alice\r\n"))
	alice := h.factory.last("alice")

	alice.setConnectionState(webrtc.PeerConnectionStateFailed)

	_, restarts, _, _ := alice.snapshot()
	assert.Equal(t, 1, restarts)
	assert.Empty(t, h.relay.signalsTo("alice", domain.SignalOffer))
}

func TestHandlePeerLeft_ClosesAndForgets(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))

	h.presence.emit(domain.PresenceEvent{Type: domain.PresenceLeave, UserIDs: []domain.UserID{"bob"}})

	_, _, closes, _ := h.factory.last("bob").snapshot()
	assert.Equal(t, 1, closes)
	assert.Empty(t, h.session.State().Peers)

	// late callbacks from the closed connection are ignored
	h.factory.last("bob").emitCandidate("candidate:late")
	assert.Empty(t, h.relay.signalsTo("bob", domain.SignalICECandidate))

	// rejoin creates a fresh connection
	h.presence.emit(domain.PresenceEvent{Type: domain.PresenceJoin, UserIDs: []domain.UserID{"bob"}})
	assert.Len(t, h.factory.created("bob"), 2)
}

func TestLeave_TwiceIsIdempotent(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))
	local := h.session.State().LocalStream

	for i := 0; i < 2; i++ {
		require.NoError(t, h.session.Leave(context.Background()))
		st := h.session.State()
		assert.Empty(t, st.Peers)
		assert.Nil(t, st.LocalStream)
		assert.False(t, st.IsConnected)
	}

	_, _, closes, _ := h.factory.last("bob").snapshot()
	assert.Equal(t, 1, closes)
	for _, track := range local.Tracks() {
		assert.Equal(t, media.TrackEnded, track.State())
	}
	assert.Equal(t, 1, h.presence.sub.untracked)
	assert.Equal(t, 1, h.presence.sub.unsubscribed)
	assert.Equal(t, 1, h.feed.sub.unsubscribed)
	assert.Equal(t, 1, h.relay.actions(domain.RelayLeave))
}

func TestLeave_BeforeJoin(t *testing.T) {
	h := newHarness(t).relayOK()
	assert.NoError(t, h.session.Leave(context.Background()))
	assert.Zero(t, h.relay.actions(domain.RelayLeave))
}

func TestLeave_StopsScreenShare(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	_, err := h.session.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	screen := h.devices.displays[0].VideoTracks()[0]

	require.NoError(t, h.session.Leave(context.Background()))
	assert.Equal(t, media.TrackEnded, screen.State())
	assert.False(t, h.session.State().IsScreenSharing)
}

func TestSignalsForOtherCallOrUserAreIgnored(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "bob")

	h.feed.deliver(domain.InboundSignal{CallID: "room-2", FromUserID: "carol", ToUserID: "bob", Signal: offer("v=0\r\n")})
	h.feed.deliver(domain.InboundSignal{CallID: room, FromUserID: "carol", ToUserID: "dave", Signal: offer("v=0\r\n")})

	assert.Empty(t, h.factory.created("carol"))
	assert.Zero(t, h.errs.count())
}

func TestRemoteTracksAppearInState(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))
	pc := h.factory.last("bob")

	pc.emitTrack(remoteTrack{id: "a", stream: "bob-cam", kind: webrtc.RTPCodecTypeAudio})
	pc.emitTrack(remoteTrack{id: "v", stream: "bob-cam", kind: webrtc.RTPCodecTypeVideo})
	pc.emitTrack(remoteTrack{id: "v", stream: "bob-cam", kind: webrtc.RTPCodecTypeVideo})

	peers := h.session.State().Peers
	require.Len(t, peers, 1)
	assert.Equal(t, "bob-cam", peers[0].RemoteStream.ID())
	assert.Len(t, peers[0].RemoteStream.Tracks(), 2)
}

func TestStateCarriesConnectionStats(t *testing.T) {
	h := newHarness(t).relayOK()
	h.join(t, "alice")
	require.NoError(t, h.session.HandlePeerJoined(context.Background(), "bob"))

	h.factory.last("bob").setStats(domain.MediaStats{
		Inbound:  []domain.TrackStats{{TrackID: "v", Kind: "video", Packets: 10}},
		Outbound: domain.SenderFeedback{Reports: 2, RTT: 80 * time.Millisecond},
	})

	peers := h.session.State().Peers
	require.Len(t, peers, 1)
	require.Len(t, peers[0].Stats.Inbound, 1)
	assert.Equal(t, uint64(10), peers[0].Stats.Inbound[0].Packets)
	assert.Equal(t, 80*time.Millisecond, peers[0].Stats.Outbound.RTT)
}

func TestOnStateChange_ReportsConnected(t *testing.T) {
	h := newHarness(t).relayOK()

	var mu sync.Mutex
	var states []CallState
	h.session.OnStateChange(func(st CallState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	h.join(t, "alice")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.True(t, states[0].IsConnecting)
	assert.True(t, states[len(states)-1].IsConnected)
}

func TestRun_LeavesWhenContextEnds(t *testing.T) {
	h := newHarness(t).relayOK()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx, room, "alice") }()

	require.Eventually(t, func() bool { return h.session.State().IsConnected }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, h.relay.actions(domain.RelayLeave))
	assert.False(t, h.session.State().IsConnected)
}
