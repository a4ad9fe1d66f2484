package webrtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/media"
)

// PeerConnection adapts *webrtc.PeerConnection to ports.PeerConnection.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	logger *zap.SugaredLogger

	received *receiveStats
	sent     *sendStats

	mu         sync.Mutex
	iceRestart bool
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func newPeerConnection(pc *webrtc.PeerConnection, remote domain.UserID, logger *zap.SugaredLogger) *PeerConnection {
	return &PeerConnection{
		pc:       pc,
		remote:   remote,
		logger:   logger,
		received: newReceiveStats(),
		sent:     &sendStats{},
	}
}

// AddTrack attaches a local track and starts reading the sender's RTCP,
// which the interceptors need to run.
func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) (ports.RTPSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go p.processRTCP(sender)
	return sender, nil
}

// CreateOffer makes sure both kinds can be received even without a local
// sender and applies a pending ICE restart.
func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := p.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	p.mu.Lock()
	restart := p.iceRestart
	p.iceRestart = false
	p.mu.Unlock()

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *PeerConnection) ensureReceivers() error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, tr := range p.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// RestartICE marks the next offer as an ICE restart. pion has no
// restartIce(); an answering side restarts when the remote restart offer
// is applied.
func (p *PeerConnection) RestartICE() {
	p.mu.Lock()
	p.iceRestart = true
	p.mu.Unlock()
}

func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnTrack reports every remote track and keeps reading it. A keyframe is
// requested as soon as a video track starts.
func (p *PeerConnection) OnTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)

		p.received.register(track.ID(), track.Kind(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			p.requestKeyframe(track)
		}
		go p.readTrack(track)

		fn(track)
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// Stats returns counters for every remote track seen so far and the
// feedback the remote side reported for our senders.
func (p *PeerConnection) Stats() domain.MediaStats {
	return domain.MediaStats{
		Inbound:  p.received.snapshot(),
		Outbound: p.sent.snapshot(),
	}
}

func (p *PeerConnection) requestKeyframe(track *webrtc.TrackRemote) {
	if err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	}); err != nil {
		p.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
	}
}

func (p *PeerConnection) readTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read stopped", "track_id", track.ID(), "error", err)
			}
			return
		}
		p.received.observe(track.ID(), pkt)
	}
}

// processRTCP reads feedback for one sender until the connection closes.
func (p *PeerConnection) processRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.sent.process(packets, time.Now())
	}
}

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// ntpCompact returns the middle 32 bits of t's NTP timestamp, the 16.16
// fixed point format receiver reports use for LSR and DLSR.
func ntpCompact(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(secs<<16 | frac>>16)
}

type sendStats struct {
	mu sync.Mutex
	domain.SenderFeedback
}

// process folds packets received at arrival into the feedback counters.
// RTT follows RFC 3550 section 6.4.1: arrival minus LSR minus DLSR.
func (s *sendStats) process(packets []rtcp.Packet, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range pkt.Reports {
				s.Reports++
				s.FractionLost = float64(report.FractionLost) / 256.0
				s.Jitter = report.Jitter
				if report.LastSenderReport == 0 {
					continue
				}
				// a negative difference wraps past 1<<31 and means clock trouble
				if rtt := ntpCompact(arrival) - report.LastSenderReport - report.Delay; rtt < 1<<31 {
					s.RTT = time.Duration(rtt) * time.Second / 65536
				}
			}
		case *rtcp.TransportLayerNack:
			for _, pair := range pkt.Nacks {
				s.NACKs += uint64(len(pair.PacketList()))
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.PLIs++
		}
	}
}

func (s *sendStats) snapshot() domain.SenderFeedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SenderFeedback
}
