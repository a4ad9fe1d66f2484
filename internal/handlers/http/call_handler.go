package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
)

// CallController is the part of services.CallSession the control API drives.
type CallController interface {
	Participant() (domain.CallID, domain.UserID)
	State() services.CallState
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	Leave(ctx context.Context) error
}

type CallHandler struct {
	session CallController
	health  *monitoring.HealthChecker
}

var _ ports.CallHTTPHandler = (*CallHandler)(nil)

func NewCallHandler(session CallController, health *monitoring.HealthChecker) *CallHandler {
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	return &CallHandler{session: session, health: health}
}

type peerResponse struct {
	UserID          string        `json:"user_id"`
	Initiator       bool          `json:"initiator"`
	ConnectionState string        `json:"connection_state"`
	SignalingState  string        `json:"signaling_state"`
	JoinedAt        time.Time     `json:"joined_at"`
	ICERestarted    bool          `json:"ice_restarted"`
	RemoteStreamID  string        `json:"remote_stream_id,omitempty"`
	RemoteTracks    []string      `json:"remote_tracks,omitempty"`
	Stats           statsResponse `json:"stats"`
}

type trackStatsResponse struct {
	TrackID      string    `json:"track_id"`
	Kind         string    `json:"kind"`
	MimeType     string    `json:"mime_type"`
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	Lost         uint64    `json:"lost"`
	Keyframes    uint64    `json:"keyframes"`
	LastPacketAt time.Time `json:"last_packet_at"`
}

type statsResponse struct {
	Inbound      []trackStatsResponse `json:"inbound"`
	Reports      uint64               `json:"rtcp_reports"`
	FractionLost float64              `json:"fraction_lost"`
	Jitter       uint32               `json:"jitter"`
	RTTMillis    float64              `json:"rtt_ms"`
	NACKs        uint64               `json:"nacks"`
	PLIs         uint64               `json:"plis"`
}

func toStatsResponse(st domain.MediaStats) statsResponse {
	out := statsResponse{
		Inbound:      make([]trackStatsResponse, 0, len(st.Inbound)),
		Reports:      st.Outbound.Reports,
		FractionLost: st.Outbound.FractionLost,
		Jitter:       st.Outbound.Jitter,
		RTTMillis:    float64(st.Outbound.RTT) / float64(time.Millisecond),
		NACKs:        st.Outbound.NACKs,
		PLIs:         st.Outbound.PLIs,
	}
	for _, t := range st.Inbound {
		out.Inbound = append(out.Inbound, trackStatsResponse(t))
	}
	return out
}

type stateResponse struct {
	CallID          string         `json:"call_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	IsConnecting    bool           `json:"is_connecting"`
	IsConnected     bool           `json:"is_connected"`
	IsMuted         bool           `json:"is_muted"`
	IsVideoOff      bool           `json:"is_video_off"`
	IsScreenSharing bool           `json:"is_screen_sharing"`
	LocalStreamID   string         `json:"local_stream_id,omitempty"`
	Peers           []peerResponse `json:"peers"`
}

func toStateResponse(st services.CallState) stateResponse {
	resp := stateResponse{
		CallID:          string(st.CallID),
		UserID:          string(st.UserID),
		IsConnecting:    st.IsConnecting,
		IsConnected:     st.IsConnected,
		IsMuted:         st.IsMuted,
		IsVideoOff:      st.IsVideoOff,
		IsScreenSharing: st.IsScreenSharing,
		Peers:           make([]peerResponse, 0, len(st.Peers)),
	}
	if st.LocalStream != nil {
		resp.LocalStreamID = st.LocalStream.ID()
	}
	for _, p := range st.Peers {
		pr := peerResponse{
			UserID:          string(p.UserID),
			Initiator:       p.Initiator,
			ConnectionState: string(p.ConnectionState),
			SignalingState:  p.SignalingState,
			JoinedAt:        p.JoinedAt,
			ICERestarted:    p.ICERestarted,
			Stats:           toStatsResponse(p.Stats),
		}
		if p.RemoteStream != nil {
			pr.RemoteStreamID = p.RemoteStream.ID()
			for _, t := range p.RemoteStream.Tracks() {
				pr.RemoteTracks = append(pr.RemoteTracks, t.Kind().String()+":"+t.ID())
			}
		}
		resp.Peers = append(resp.Peers, pr)
	}
	return resp
}

// identity feeds the tracing and request logging middleware.
func (h *CallHandler) identity() (string, string) {
	callID, userID := h.session.Participant()
	return string(callID), string(userID)
}

func (h *CallHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, toStateResponse(h.session.State()))
}

func (h *CallHandler) ToggleMute(c *gin.Context) {
	muted, err := h.session.ToggleMute()
	if err != nil {
		c.Error(err)
		return
	}
	c.Set(middleware.ToggleStateKey, muted)
	c.JSON(http.StatusOK, gin.H{"is_muted": muted})
}

func (h *CallHandler) ToggleVideo(c *gin.Context) {
	off, err := h.session.ToggleVideo()
	if err != nil {
		c.Error(err)
		return
	}
	c.Set(middleware.ToggleStateKey, off)
	c.JSON(http.StatusOK, gin.H{"is_video_off": off})
}

func (h *CallHandler) ToggleScreenShare(c *gin.Context) {
	sharing, err := h.session.ToggleScreenShare(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.Set(middleware.ToggleStateKey, sharing)
	c.JSON(http.StatusOK, gin.H{"is_screen_sharing": sharing})
}

func (h *CallHandler) Leave(c *gin.Context) {
	if err := h.session.Leave(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(h.session.State()))
}

func (h *CallHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
