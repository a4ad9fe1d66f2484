package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	// ICEKeepaliveInterval is only applied together with the two timeouts.
	ICEKeepaliveInterval time.Duration
	// IncludeLoopback gathers 127.0.0.1 host candidates, for same-host calls.
	IncludeLoopback bool
}

// Factory builds pion peer connections that share one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

// NewFactory registers the default codecs and interceptors (NACK, RTCP
// reports, TWCC) and applies the ICE settings.
func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if cfg.ICEDisconnectedTimeout > 0 && cfg.ICEFailedTimeout > 0 {
		keepalive := cfg.ICEKeepaliveInterval
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		settingEngine.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, keepalive)
	}

	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Factory{
		api: api,
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

// NewPeerConnection creates a connection to remote.
func (f *Factory) NewPeerConnection(_ context.Context, remote domain.UserID) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerConnection(pc, remote, f.logger.With("peer_id", remote)), nil
}
