package services

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"

	"peercall/internal/core/domain"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"
)

func (s *CallSession) onInboundSignal(sig domain.InboundSignal) {
	ctx, callID, self := s.session()
	if ctx == nil {
		return
	}
	if sig.CallID != callID || (sig.ToUserID != "" && sig.ToUserID != self) {
		s.log().Debugw("dropping signal for another call",
			"signal_call_id", sig.CallID,
			"to_user_id", sig.ToUserID,
		)
		return
	}
	_ = s.HandleIncomingSignal(ctx, sig.FromUserID, sig.Signal)
}

// HandleIncomingSignal applies one offer, answer or ICE candidate sent by
// from. Failures are scoped to that peer: they are logged, reported through
// OnError and returned, and the session keeps running.
func (s *CallSession) HandleIncomingSignal(ctx context.Context, from domain.UserID, env domain.SignalEnvelope) error {
	_, _, self := s.session()
	if self == "" {
		return notJoinedError()
	}
	if from == "" || from == self {
		return nil
	}
	s.metrics.SignalReceived(env.Type)

	var err error
	if verr := env.Validate(); verr != nil {
		s.metrics.NegotiationError("decode")
		err = apperrors.NewNegotiationError(string(from), "decode", verr)
	} else {
		switch env.Type {
		case domain.SignalOffer:
			err = s.handleOffer(ctx, from, env.SDP)
		case domain.SignalAnswer:
			err = s.handleAnswer(ctx, from, env.SDP)
		case domain.SignalICECandidate:
			err = s.handleCandidate(from, env.Candidate)
		}
	}

	if err != nil && !isSessionClosed(err) {
		s.log().Warnw("signal handling failed",
			"peer_id", from,
			"type", env.Type,
			"error", err,
		)
		s.reportError(err)
		return err
	}
	return nil
}

func (s *CallSession) handleOffer(ctx context.Context, from domain.UserID, sdp string) error {
	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(from))
	defer span.End()

	p := s.lookup(from)
	if p == nil {
		var err error
		if p, err = s.createPeer(ctx, from, false); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		_, _, self := s.session()
		if domain.IsOfferer(self, from) {
			p.mu.Unlock()
			s.log().Infow("ignoring colliding offer", "peer_id", from)
			return nil
		}
		p.mu.Unlock()

		s.log().Infow("offer collision, replacing local connection", "peer_id", from)
		var err error
		if p, err = s.replacePeer(ctx, p); err != nil {
			return err
		}
		p.mu.Lock()
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		p.mu.Unlock()
		return s.negotiationFailed(ctx, from, "apply offer", err)
	}
	flushErrs := s.flushCandidatesLocked(p)

	answer, err := p.pc.CreateAnswer()
	if err != nil {
		p.mu.Unlock()
		s.reportAll(flushErrs)
		return s.negotiationFailed(ctx, from, "create answer", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.mu.Unlock()
		s.reportAll(flushErrs)
		return s.negotiationFailed(ctx, from, "set local answer", err)
	}
	p.mu.Unlock()
	s.reportAll(flushErrs)

	return s.sendSignal(ctx, from, domain.SignalEnvelope{Type: domain.SignalAnswer, SDP: answer.SDP})
}

func (s *CallSession) handleAnswer(ctx context.Context, from domain.UserID, sdp string) error {
	p := s.lookup(from)
	if p == nil {
		s.metrics.NegotiationError("answer")
		return apperrors.NewNegotiationError(string(from), "apply answer", domain.ErrPeerNotFound)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if st := p.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		p.mu.Unlock()
		return s.negotiationFailed(ctx, from, "apply answer", fmt.Errorf("unexpected answer in signaling state %s", st))
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		p.mu.Unlock()
		return s.negotiationFailed(ctx, from, "apply answer", err)
	}
	flushErrs := s.flushCandidatesLocked(p)
	p.mu.Unlock()

	s.reportAll(flushErrs)
	s.log().Debugw("answer applied", "peer_id", from)
	return nil
}

// handleCandidate applies c once the remote description is known and buffers
// it otherwise. Candidates from users without a peer are held until the peer
// is created. A peer closed between lookup and lock has been replaced or
// removed, so the lookup is repeated against the current map.
func (s *CallSession) handleCandidate(from domain.UserID, c *domain.ICECandidate) error {
	init := toCandidateInit(c)

	var stale *peer
	for {
		s.mu.Lock()
		if !s.joined {
			s.mu.Unlock()
			return nil
		}
		p := s.peers[from]
		if p == nil {
			q := s.orphans[from]
			if len(q) >= s.cfg.MaxOrphanCandidates {
				q = q[1:]
			}
			s.orphans[from] = append(q, init)
			s.mu.Unlock()
			s.metrics.CandidateBuffered()
			return nil
		}
		s.mu.Unlock()
		if p == stale {
			return nil
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			stale = p
			continue
		}
		err := s.applyCandidateLocked(p, init)
		p.mu.Unlock()
		return err
	}
}

// applyCandidateLocked adds or buffers c on p. The caller holds p.mu.
func (s *CallSession) applyCandidateLocked(p *peer, c pendingCandidate) error {
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		s.metrics.CandidateBuffered()
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		s.metrics.NegotiationError("candidate")
		return apperrors.NewNegotiationError(string(p.id), "add candidate", err)
	}
	return nil
}

// flushCandidatesLocked applies buffered candidates. The caller holds p.mu.
func (s *CallSession) flushCandidatesLocked(p *peer) []error {
	if len(p.pending) == 0 {
		return nil
	}
	pending := p.pending
	p.pending = nil

	var errs []error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			s.metrics.NegotiationError("candidate")
			errs = append(errs, apperrors.NewNegotiationError(string(p.id), "add buffered candidate", err))
		}
	}
	return errs
}

func (s *CallSession) reportAll(errs []error) {
	for _, err := range errs {
		s.warn("buffered candidate rejected", err)
	}
}

// sendOffer creates and applies a local offer and relays it to p.
func (s *CallSession) sendOffer(ctx context.Context, p *peer, restart bool) error {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(p.id))
	defer span.End()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if restart {
		p.pc.RestartICE()
	}
	offer, err := p.pc.CreateOffer()
	if err != nil {
		p.mu.Unlock()
		return s.negotiationFailed(ctx, p.id, "create offer", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.mu.Unlock()
		return s.negotiationFailed(ctx, p.id, "set local offer", err)
	}
	p.mu.Unlock()

	return s.sendSignal(ctx, p.id, domain.SignalEnvelope{Type: domain.SignalOffer, SDP: offer.SDP})
}

func (s *CallSession) onLocalCandidate(p *peer, c webrtc.ICECandidateInit) {
	if !s.isCurrent(p) {
		return
	}
	ctx, _, _ := s.session()
	if ctx == nil {
		return
	}
	env := domain.SignalEnvelope{Type: domain.SignalICECandidate, Candidate: fromCandidateInit(c)}
	if err := s.sendSignal(ctx, p.id, env); err != nil && !isSessionClosed(err) {
		s.warn("sending ICE candidate failed", err)
	}
}

// sendSignal relays env to the peer. Signals produced after Leave are dropped
// with a session closed error.
func (s *CallSession) sendSignal(ctx context.Context, to domain.UserID, env domain.SignalEnvelope) error {
	sctx, callID, _ := s.session()
	if sctx == nil || sctx.Err() != nil {
		return sessionClosedError()
	}
	ctx, span := tracing.TraceRelay(ctx, string(domain.RelaySignal), string(to))
	defer span.End()

	s.metrics.SignalSent(env.Type)
	err := s.relay.Invoke(ctx, domain.RelayRequest{
		Action:       domain.RelaySignal,
		CallID:       callID,
		TargetUserID: to,
		Signal:       &env,
	})
	if err != nil {
		if sctx.Err() != nil {
			return sessionClosedError()
		}
		s.metrics.RelayError(string(domain.RelaySignal))
		tracing.RecordError(ctx, err)
		return apperrors.NewSignalRelayError(string(domain.RelaySignal), err).
			WithContext("peer", string(to)).
			WithContext("type", string(env.Type))
	}
	return nil
}

func (s *CallSession) negotiationFailed(ctx context.Context, peer domain.UserID, step string, err error) error {
	s.metrics.NegotiationError(step)
	tracing.RecordError(ctx, err)
	return apperrors.NewNegotiationError(string(peer), step, err)
}

func toCandidateInit(c *domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) *domain.ICECandidate {
	return &domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
