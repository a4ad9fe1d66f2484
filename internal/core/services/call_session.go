package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/media"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"
)

const (
	defaultMaxOrphanCandidates = 64
	leaveTimeout               = 10 * time.Second
)

type CallSessionConfig struct {
	Constraints media.Constraints
	// MaxOrphanCandidates bounds the candidates kept per unknown sender.
	MaxOrphanCandidates int
}

func DefaultCallSessionConfig() CallSessionConfig {
	return CallSessionConfig{
		Constraints:         media.DefaultConstraints(),
		MaxOrphanCandidates: defaultMaxOrphanCandidates,
	}
}

type CallSessionDeps struct {
	Devices  ports.MediaDevices
	Presence ports.PresenceChannel
	Relay    ports.SignalRelay
	Feed     ports.SignalFeed
	Factory  ports.PeerConnectionFactory
	Metrics  CallMetrics
	Logger   *zap.SugaredLogger
}

// PeerState is one remote participant as seen by the UI.
type PeerState struct {
	domain.PeerInfo
	RemoteStream *media.RemoteStream
	Stats        domain.MediaStats
}

// CallState is the snapshot handed to OnStateChange subscribers.
type CallState struct {
	CallID          domain.CallID
	UserID          domain.UserID
	IsConnecting    bool
	IsConnected     bool
	LocalStream     *media.Stream
	Peers           []PeerState
	IsMuted         bool
	IsVideoOff      bool
	IsScreenSharing bool
}

// CallSession owns every peer connection of one participant in one call.
//
// s.mu guards the peer map and local media state. Each peer's negotiation
// steps are serialized by the peer's own mutex. Neither lock is held across
// relay calls, pc.Close or track stops.
type CallSession struct {
	cfg      CallSessionConfig
	devices  ports.MediaDevices
	presence ports.PresenceChannel
	relay    ports.SignalRelay
	feed     ports.SignalFeed
	factory  ports.PeerConnectionFactory
	metrics  CallMetrics
	base     *zap.SugaredLogger

	mu          sync.Mutex
	logger      *zap.SugaredLogger
	joined      bool
	connecting  bool
	connected   bool
	callID      domain.CallID
	self        domain.UserID
	sctx        context.Context
	cancel      context.CancelFunc
	localStream *media.Stream
	screen      *media.Stream
	preview     *media.Stream
	muted       bool
	videoOff    bool
	peers       map[domain.UserID]*peer
	orphans     map[domain.UserID][]pendingCandidate
	presenceSub ports.PresenceSubscription
	feedSub     ports.Subscription

	// serializes screen share start/stop
	screenMu sync.Mutex

	cbMu     sync.RWMutex
	onState  []func(CallState)
	onErrors []func(error)
}

func NewCallSession(cfg CallSessionConfig, deps CallSessionDeps) *CallSession {
	if cfg.MaxOrphanCandidates <= 0 {
		cfg.MaxOrphanCandidates = defaultMaxOrphanCandidates
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CallSession{
		cfg:      cfg,
		devices:  deps.Devices,
		presence: deps.Presence,
		relay:    deps.Relay,
		feed:     deps.Feed,
		factory:  deps.Factory,
		metrics:  metrics,
		base:     logger,
		logger:   logger,
		peers:    make(map[domain.UserID]*peer),
		orphans:  make(map[domain.UserID][]pendingCandidate),
	}
}

// OnStateChange registers fn to receive a snapshot after every state change.
func (s *CallSession) OnStateChange(fn func(CallState)) {
	s.cbMu.Lock()
	s.onState = append(s.onState, fn)
	s.cbMu.Unlock()
}

// OnError registers fn to receive errors raised outside a caller's goroutine.
func (s *CallSession) OnError(fn func(error)) {
	s.cbMu.Lock()
	s.onErrors = append(s.onErrors, fn)
	s.cbMu.Unlock()
}

// Join acquires local media, subscribes to the signal feed and presence for
// callID, announces the local user and notifies the relay. Any failure after
// the first acquisition releases everything through Leave.
func (s *CallSession) Join(ctx context.Context, callID domain.CallID, self domain.UserID) (err error) {
	if err := validation.ValidateCallID(string(callID)); err != nil {
		return apperrors.NewInvalidInputError("invalid call id", err)
	}
	if err := validation.ValidateUserID(string(self)); err != nil {
		return apperrors.NewInvalidInputError("invalid user id", err)
	}

	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return apperrors.NewConflictError("already in a call", domain.ErrAlreadyJoined).
			WithContext("call_id", string(s.callID))
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.joined = true
	s.connecting = true
	s.callID = callID
	s.self = self
	s.sctx = sctx
	s.cancel = cancel
	s.logger = s.base.With("call_id", callID, "user_id", self)
	logger := s.logger
	s.mu.Unlock()
	s.emitState()

	ctx, span := tracing.TraceCall(ctx, "join", string(callID), string(self))
	defer span.End()

	defer func() {
		if err == nil {
			return
		}
		tracing.RecordError(ctx, err)
		if isSessionClosed(err) {
			logger.Infow("call left during join")
			return
		}
		logger.Errorw("join failed", "error", err)
		s.reportError(err)

		s.mu.Lock()
		ours := s.joined && s.sctx == sctx
		s.mu.Unlock()
		if ours {
			_ = s.Leave(context.WithoutCancel(ctx))
		}
	}()

	stream, err := s.devices.GetUserMedia(ctx, s.cfg.Constraints)
	if err != nil {
		s.metrics.MediaAccessFailure("user")
		if !apperrors.IsAppError(err) {
			err = apperrors.NewMediaAccessError("camera and microphone", err)
		}
		return err
	}
	if err := s.adopt(sctx, func() { s.localStream = stream; s.preview = stream }, stream.Stop); err != nil {
		return err
	}
	s.emitState()

	feedSub, err := s.feed.Subscribe(sctx, self, s.onInboundSignal)
	if err != nil {
		s.metrics.RelayError("subscribe")
		return apperrors.NewSignalRelayError("subscribe", err)
	}
	if err := s.adopt(sctx, func() { s.feedSub = feedSub }, func() { _ = feedSub.Unsubscribe() }); err != nil {
		return err
	}

	presenceSub, err := s.presence.Subscribe(sctx, callID.Topic(), self, s.onPresence)
	if err != nil {
		s.metrics.RelayError("presence")
		return apperrors.NewSignalRelayError("presence subscribe", err)
	}
	if err := s.adopt(sctx, func() { s.presenceSub = presenceSub }, func() { _ = presenceSub.Unsubscribe() }); err != nil {
		return err
	}

	if err := presenceSub.Track(ctx, domain.PresencePayload{UserID: self, OnlineAt: time.Now().UTC()}); err != nil {
		s.metrics.RelayError("track")
		s.warn("presence track failed", apperrors.NewSignalRelayError("track", err))
	}

	if err := s.relay.Invoke(ctx, domain.RelayRequest{Action: domain.RelayJoin, CallID: callID}); err != nil {
		s.metrics.RelayError(string(domain.RelayJoin))
		s.warn("relay join failed", apperrors.NewSignalRelayError(string(domain.RelayJoin), err))
	}

	if err := s.adopt(sctx, func() { s.connecting = false; s.connected = true }, nil); err != nil {
		return err
	}
	logger.Infow("joined call")
	s.emitState()
	return nil
}

// adopt stores a resource acquired during Join unless the session was left
// meanwhile, in which case release is called instead.
func (s *CallSession) adopt(sctx context.Context, store func(), release func()) error {
	s.mu.Lock()
	if !s.joined || s.sctx != sctx {
		s.mu.Unlock()
		if release != nil {
			release()
		}
		return sessionClosedError()
	}
	store()
	s.mu.Unlock()
	return nil
}

// Leave stops local media, closes every peer, leaves presence and notifies
// the relay. It is idempotent and safe to call before Join completes.
func (s *CallSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	callID := s.callID
	logger := s.logger
	cancel := s.cancel
	local := s.localStream
	screen := s.screen
	presenceSub := s.presenceSub
	feedSub := s.feedSub
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}

	s.joined = false
	s.connecting = false
	s.connected = false
	s.sctx = nil
	s.cancel = nil
	s.localStream = nil
	s.screen = nil
	s.preview = nil
	s.muted = false
	s.videoOff = false
	s.presenceSub = nil
	s.feedSub = nil
	s.peers = make(map[domain.UserID]*peer)
	s.orphans = make(map[domain.UserID][]pendingCandidate)
	s.mu.Unlock()

	ctx, span := tracing.TraceCall(ctx, "leave", string(callID), "")
	defer span.End()

	if cancel != nil {
		cancel()
	}
	if screen != nil {
		screen.Stop()
	}
	if local != nil {
		local.Stop()
	}
	for _, p := range peers {
		p.close()
		s.metrics.PeerRemoved()
	}

	if presenceSub != nil {
		if err := presenceSub.Untrack(ctx); err != nil {
			logger.Warnw("presence untrack failed", "error", err)
		}
		if err := presenceSub.Unsubscribe(); err != nil {
			logger.Warnw("presence unsubscribe failed", "error", err)
		}
	}
	if feedSub != nil {
		if err := feedSub.Unsubscribe(); err != nil {
			logger.Warnw("signal feed unsubscribe failed", "error", err)
		}
	}

	if presenceSub != nil {
		if err := s.relay.Invoke(ctx, domain.RelayRequest{Action: domain.RelayLeave, CallID: callID}); err != nil {
			s.metrics.RelayError(string(domain.RelayLeave))
			s.warnWith(logger, "relay leave failed", apperrors.NewSignalRelayError(string(domain.RelayLeave), err))
		}
	}

	logger.Infow("left call", "peers_closed", len(peers))
	s.emitState()
	return nil
}

// Run joins the call, blocks until ctx is done and always leaves.
func (s *CallSession) Run(ctx context.Context, callID domain.CallID, self domain.UserID) error {
	if err := s.Join(ctx, callID, self); err != nil {
		return err
	}
	<-ctx.Done()

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	return s.Leave(leaveCtx)
}

// Participant returns the call and local user while joined, and empty ids
// otherwise.
func (s *CallSession) Participant() (domain.CallID, domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return "", ""
	}
	return s.callID, s.self
}

// State returns a snapshot of the session.
func (s *CallSession) State() CallState {
	s.mu.Lock()
	st := CallState{
		CallID:          s.callID,
		UserID:          s.self,
		IsConnecting:    s.connecting,
		IsConnected:     s.connected,
		LocalStream:     s.preview,
		IsMuted:         s.muted,
		IsVideoOff:      s.videoOff,
		IsScreenSharing: s.screen != nil,
	}
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	st.Peers = make([]PeerState, 0, len(peers))
	for _, p := range peers {
		st.Peers = append(st.Peers, PeerState{
			PeerInfo:     p.info(),
			RemoteStream: p.remote,
			Stats:        p.pc.Stats(),
		})
	}
	return st
}

func (s *CallSession) emitState() {
	s.cbMu.RLock()
	callbacks := append([]func(CallState){}, s.onState...)
	s.cbMu.RUnlock()
	if len(callbacks) == 0 {
		return
	}
	st := s.State()
	for _, fn := range callbacks {
		fn(st)
	}
}

func (s *CallSession) reportError(err error) {
	if err == nil {
		return
	}
	s.cbMu.RLock()
	callbacks := append([]func(error){}, s.onErrors...)
	s.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (s *CallSession) warn(msg string, err error) {
	s.warnWith(s.log(), msg, err)
}

func (s *CallSession) warnWith(logger *zap.SugaredLogger, msg string, err error) {
	logger.Warnw(msg, "error", err)
	s.reportError(err)
}

func (s *CallSession) log() *zap.SugaredLogger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// session returns the session context, or nil when not joined.
func (s *CallSession) session() (context.Context, domain.CallID, domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sctx, s.callID, s.self
}

func notJoinedError() error {
	return apperrors.NewConflictError("not in a call", domain.ErrNotJoined)
}
