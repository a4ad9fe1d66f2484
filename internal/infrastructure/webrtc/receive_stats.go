package webrtc

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"

	"peercall/internal/core/domain"
)

type trackCounter struct {
	domain.TrackStats
	vp8     bool
	started bool
	lastSeq uint16
}

// receiveStats tracks per-track RTP counters for one connection.
type receiveStats struct {
	mu     sync.RWMutex
	tracks map[string]*trackCounter
}

func newReceiveStats() *receiveStats {
	return &receiveStats{tracks: make(map[string]*trackCounter)}
}

func (r *receiveStats) register(trackID string, kind webrtc.RTPCodecType, mimeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tracks[trackID]; ok {
		return
	}
	r.tracks[trackID] = &trackCounter{
		TrackStats: domain.TrackStats{TrackID: trackID, Kind: kind.String(), MimeType: mimeType},
		vp8:        strings.EqualFold(mimeType, webrtc.MimeTypeVP8),
	}
}

// observe counts pkt. Sequence gaps below half the number space count as
// loss; anything else is treated as reordering.
func (r *receiveStats) observe(trackID string, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.tracks[trackID]
	if !ok {
		return
	}
	c.Packets++
	c.Bytes += uint64(len(pkt.Payload))
	c.LastPacketAt = time.Now()

	if c.started {
		if gap := pkt.SequenceNumber - c.lastSeq; gap > 1 && gap < 0x8000 {
			c.Lost += uint64(gap - 1)
		}
	}
	if !c.started || pkt.SequenceNumber-c.lastSeq < 0x8000 {
		c.lastSeq = pkt.SequenceNumber
		c.started = true
	}

	if c.vp8 && isVP8Keyframe(pkt.Payload) {
		c.Keyframes++
	}
}

func (r *receiveStats) snapshot() []domain.TrackStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.TrackStats, 0, len(r.tracks))
	for _, c := range r.tracks {
		out = append(out, c.TrackStats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// isVP8Keyframe reports whether payload starts a VP8 key frame: the first
// packet of partition 0 with the inverse key frame bit cleared.
func isVP8Keyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}
