package services

import (
	"context"

	"github.com/pion/webrtc/v3"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/media"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"
)

type peerSender struct {
	id     domain.UserID
	sender ports.RTPSender
}

// ToggleMute flips the shared microphone track and returns the new muted state.
func (s *CallSession) ToggleMute() (bool, error) {
	s.mu.Lock()
	if s.localStream == nil {
		s.mu.Unlock()
		return false, notJoinedError()
	}
	s.muted = !s.muted
	for _, t := range s.localStream.AudioTracks() {
		t.SetEnabled(!s.muted)
	}
	muted := s.muted
	s.mu.Unlock()

	s.emitState()
	return muted, nil
}

// ToggleVideo flips the shared camera track and returns the new camera-off state.
func (s *CallSession) ToggleVideo() (bool, error) {
	s.mu.Lock()
	if s.localStream == nil {
		s.mu.Unlock()
		return false, notJoinedError()
	}
	s.videoOff = !s.videoOff
	for _, t := range s.localStream.VideoTracks() {
		t.SetEnabled(!s.videoOff)
	}
	off := s.videoOff
	s.mu.Unlock()

	s.emitState()
	return off, nil
}

// ToggleScreenShare starts or stops sharing and returns whether sharing is on.
func (s *CallSession) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.screenMu.Lock()
	defer s.screenMu.Unlock()

	s.mu.Lock()
	if s.localStream == nil {
		s.mu.Unlock()
		return false, notJoinedError()
	}
	sharing := s.screen != nil
	s.mu.Unlock()

	if sharing {
		s.stopScreenShareLocked(ctx, nil)
		return false, nil
	}
	if err := s.startScreenShareLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// startScreenShareLocked runs with screenMu held.
func (s *CallSession) startScreenShareLocked(ctx context.Context) (err error) {
	_, callID, self := s.session()
	ctx, span := tracing.TraceCall(ctx, "screenshare.start", string(callID), string(self))
	defer span.End()
	defer func() {
		if err != nil && !isSessionClosed(err) {
			tracing.RecordError(ctx, err)
			s.warn("screen share failed", err)
		}
	}()

	display, err := s.devices.GetDisplayMedia(ctx)
	if err != nil {
		s.metrics.MediaAccessFailure("display")
		if !apperrors.IsAppError(err) {
			err = apperrors.NewMediaAccessError("display", err)
		}
		return err
	}
	videos := display.VideoTracks()
	if len(videos) == 0 {
		display.Stop()
		s.metrics.MediaAccessFailure("display")
		return apperrors.NewMediaAccessError("display", domain.ErrNoVideoTrack)
	}
	screen := videos[0]
	// the system "stop sharing" control ends the capture track
	screen.OnEnded(func() { s.stopScreenShare(context.Background(), display) })

	s.mu.Lock()
	if s.localStream == nil {
		s.mu.Unlock()
		display.Stop()
		return sessionClosedError()
	}
	s.screen = display
	s.preview = media.NewStream(display.ID(), append([]*media.Track{screen}, s.localStream.AudioTracks()...)...)
	senders := s.videoSendersLocked()
	logger := s.logger
	s.mu.Unlock()

	s.replaceVideo(senders, screen)
	logger.Infow("screen share started", "peers", len(senders))
	s.emitState()
	return nil
}

func (s *CallSession) stopScreenShare(ctx context.Context, display *media.Stream) {
	s.screenMu.Lock()
	defer s.screenMu.Unlock()
	s.stopScreenShareLocked(ctx, display)
}

// stopScreenShareLocked restores the camera on every sender. A non-nil
// display only stops that capture; a stale callback is a no-op.
func (s *CallSession) stopScreenShareLocked(ctx context.Context, display *media.Stream) {
	s.mu.Lock()
	if s.screen == nil || (display != nil && s.screen != display) {
		s.mu.Unlock()
		return
	}
	screen := s.screen
	s.screen = nil
	s.preview = s.localStream
	camera := s.cameraLocked()
	senders := s.videoSendersLocked()
	logger := s.logger
	callID, self := s.callID, s.self
	s.mu.Unlock()

	_, span := tracing.TraceCall(ctx, "screenshare.stop", string(callID), string(self))
	defer span.End()

	screen.Stop()
	s.replaceVideo(senders, camera)
	logger.Infow("screen share stopped", "peers", len(senders))
	s.emitState()
}

func (s *CallSession) videoSendersLocked() []peerSender {
	out := make([]peerSender, 0, len(s.peers))
	for id, p := range s.peers {
		if p.videoSender != nil {
			out = append(out, peerSender{id: id, sender: p.videoSender})
		}
	}
	return out
}

func (s *CallSession) replaceVideo(senders []peerSender, track *media.Track) {
	var local webrtc.TrackLocal
	if track != nil {
		local = track
	}
	for _, ps := range senders {
		if err := ps.sender.ReplaceTrack(local); err != nil {
			s.metrics.NegotiationError("replace_track")
			s.warn("replace video track failed", apperrors.NewNegotiationError(string(ps.id), "replace track", err))
		}
	}
}
