package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/media"
	apperrors "peercall/pkg/errors"
)

type pendingCandidate = webrtc.ICECandidateInit

type peer struct {
	id          domain.UserID
	initiator   bool
	pc          ports.PeerConnection
	remote      *media.RemoteStream
	audioSender ports.RTPSender
	videoSender ports.RTPSender
	joinedAt    time.Time

	// guards negotiation steps and the fields below
	mu        sync.Mutex
	pending   []pendingCandidate
	restarted bool
	closed    bool
	state     domain.ConnectionState
}

func (p *peer) info() domain.PeerInfo {
	p.mu.Lock()
	state := p.state
	restarted := p.restarted
	p.mu.Unlock()

	return domain.PeerInfo{
		UserID:          p.id,
		Initiator:       p.initiator,
		ConnectionState: state,
		SignalingState:  p.pc.SignalingState().String(),
		JoinedAt:        p.joinedAt,
		ICERestarted:    restarted,
	}
}

// close tears the connection down regardless of negotiation state and drops
// buffered candidates. It returns whatever was still buffered.
func (p *peer) close() []pendingCandidate {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = domain.ConnectionStateClosed
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	_ = p.pc.Close()
	return pending
}

func (s *CallSession) onPresence(ev domain.PresenceEvent) {
	ctx, _, _ := s.session()
	if ctx == nil {
		return
	}
	switch ev.Type {
	case domain.PresenceSync:
		_ = s.HandlePresenceSync(ctx, ev.UserIDs)
	case domain.PresenceJoin:
		for _, id := range ev.UserIDs {
			_ = s.HandlePeerJoined(ctx, id)
		}
	case domain.PresenceLeave:
		for _, id := range ev.UserIDs {
			s.HandlePeerLeft(ctx, id)
		}
	default:
		s.log().Debugw("unknown presence event", "type", ev.Type)
	}
}

// HandlePresenceSync creates a peer for every online user that has none yet.
func (s *CallSession) HandlePresenceSync(ctx context.Context, ids []domain.UserID) error {
	var firstErr error
	for _, id := range ids {
		if err := s.HandlePeerJoined(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandlePeerJoined creates the connection to id unless one exists. The lower
// user id sends the offer; the other side waits for it.
func (s *CallSession) HandlePeerJoined(ctx context.Context, id domain.UserID) error {
	_, _, self := s.session()
	if id == "" || id == self {
		return nil
	}
	_, err := s.createPeer(ctx, id, domain.IsOfferer(self, id))
	if err != nil && !isSessionClosed(err) {
		s.warn("create peer failed", err)
		return err
	}
	return nil
}

// HandlePeerLeft closes the connection to id and forgets its candidates.
func (s *CallSession) HandlePeerLeft(ctx context.Context, id domain.UserID) {
	s.mu.Lock()
	p := s.peers[id]
	delete(s.peers, id)
	delete(s.orphans, id)
	logger := s.logger
	s.mu.Unlock()

	if p == nil {
		return
	}
	p.close()
	s.metrics.PeerRemoved()
	logger.Infow("peer left", "peer_id", id)
	s.emitState()
}

func (s *CallSession) lookup(id domain.UserID) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (s *CallSession) isCurrent(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[p.id] == p
}

// activeVideoLocked returns the track every video sender should carry.
func (s *CallSession) activeVideoLocked() *media.Track {
	if s.screen != nil {
		if v := s.screen.VideoTracks(); len(v) > 0 {
			return v[0]
		}
	}
	return s.cameraLocked()
}

func (s *CallSession) cameraLocked() *media.Track {
	if s.localStream == nil {
		return nil
	}
	if v := s.localStream.VideoTracks(); len(v) > 0 {
		return v[0]
	}
	return nil
}

func (s *CallSession) microphoneLocked() *media.Track {
	if s.localStream == nil {
		return nil
	}
	if a := s.localStream.AudioTracks(); len(a) > 0 {
		return a[0]
	}
	return nil
}

// createPeer returns the existing peer for id or builds a new connection with
// the local tracks attached. The initiator sends an offer right away.
func (s *CallSession) createPeer(ctx context.Context, id domain.UserID, initiator bool) (*peer, error) {
	return s.createPeerWith(ctx, id, initiator, nil)
}

func (s *CallSession) createPeerWith(ctx context.Context, id domain.UserID, initiator bool, carried []pendingCandidate) (*peer, error) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil, sessionClosedError()
	}
	if p, ok := s.peers[id]; ok {
		s.mu.Unlock()
		return p, nil
	}
	sctx := s.sctx
	audio := s.microphoneLocked()
	video := s.activeVideoLocked()
	logger := s.logger
	s.mu.Unlock()

	pc, err := s.factory.NewPeerConnection(ctx, id)
	if err != nil {
		s.metrics.NegotiationError("create")
		return nil, apperrors.NewNegotiationError(string(id), "create", err)
	}

	p := &peer{
		id:        id,
		initiator: initiator,
		pc:        pc,
		remote:    media.NewRemoteStream(),
		joinedAt:  time.Now(),
		state:     domain.ConnectionStateNew,
		pending:   carried,
	}

	if audio != nil {
		if p.audioSender, err = pc.AddTrack(audio); err != nil {
			_ = pc.Close()
			s.metrics.NegotiationError("add_track")
			return nil, apperrors.NewNegotiationError(string(id), "add audio track", err)
		}
	}
	if video != nil {
		if p.videoSender, err = pc.AddTrack(video); err != nil {
			_ = pc.Close()
			s.metrics.NegotiationError("add_track")
			return nil, apperrors.NewNegotiationError(string(id), "add video track", err)
		}
	}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { s.onLocalCandidate(p, c) })
	pc.OnTrack(func(t media.RemoteTrack) {
		if p.remote.AddTrack(t) && s.isCurrent(p) {
			logger.Debugw("remote track added", "peer_id", id, "track_id", t.ID(), "kind", t.Kind().String())
			s.emitState()
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { s.onConnectionState(p, st) })

	s.mu.Lock()
	if !s.joined || s.sctx != sctx {
		s.mu.Unlock()
		_ = pc.Close()
		return nil, sessionClosedError()
	}
	if existing, ok := s.peers[id]; ok {
		s.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	s.peers[id] = p
	if orphans := s.orphans[id]; len(orphans) > 0 {
		p.pending = append(p.pending, orphans...)
		delete(s.orphans, id)
	}
	// screen share may have toggled while the connection was built
	var replace *media.Track
	if cur := s.activeVideoLocked(); cur != video && p.videoSender != nil {
		replace = cur
	}
	s.mu.Unlock()

	if replace != nil {
		if err := p.videoSender.ReplaceTrack(replace); err != nil {
			logger.Warnw("replace video track on new peer failed", "peer_id", id, "error", err)
		}
	}

	s.metrics.PeerAdded()
	logger.Infow("peer created", "peer_id", id, "initiator", initiator)
	s.emitState()

	if initiator {
		if err := s.sendOffer(ctx, p, false); err != nil && !isSessionClosed(err) {
			s.warn("initial offer failed", err)
		}
	}
	return p, nil
}

// replacePeer closes p and builds a fresh non-initiating connection to the
// same user, carrying over candidates that were waiting for an offer.
func (s *CallSession) replacePeer(ctx context.Context, p *peer) (*peer, error) {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()

	carried := p.close()
	s.metrics.PeerRemoved()
	return s.createPeerWith(ctx, p.id, false, carried)
}

func (s *CallSession) onConnectionState(p *peer, st webrtc.PeerConnectionState) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.state = connectionState(st)
	p.mu.Unlock()

	if !s.isCurrent(p) {
		return
	}
	s.log().Infow("peer connection state changed", "peer_id", p.id, "state", st.String())
	s.emitState()

	if st == webrtc.PeerConnectionStateFailed {
		s.restartICE(p)
	}
}

// restartICE runs at most once per peer. Only the offering side sends the
// restart offer; a second failure leaves the peer degraded.
func (s *CallSession) restartICE(p *peer) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.restarted {
		p.mu.Unlock()
		s.metrics.ConnectionFailed()
		s.warn("peer connection failed after ICE restart", apperrors.NewConnectionFailedError(string(p.id)))
		return
	}
	p.restarted = true
	p.mu.Unlock()

	s.metrics.ICERestart()
	s.log().Infow("restarting ICE", "peer_id", p.id, "offerer", p.initiator)

	if !p.initiator {
		p.pc.RestartICE()
		return
	}
	ctx, _, _ := s.session()
	if ctx == nil {
		return
	}
	if err := s.sendOffer(ctx, p, true); err != nil && !isSessionClosed(err) {
		s.warn("ICE restart offer failed", err)
	}
}

func connectionState(st webrtc.PeerConnectionState) domain.ConnectionState {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

func sessionClosedError() error {
	return apperrors.NewConflictError("call session closed", domain.ErrSessionClosed)
}

func isSessionClosed(err error) bool {
	return errors.Is(err, domain.ErrSessionClosed)
}
