package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
)

type PrometheusCollector struct {
	// Gauges
	peersActive prometheus.Gauge

	// Counters
	peersTotal          prometheus.Counter
	candidatesBuffered  prometheus.Counter
	iceRestarts         prometheus.Counter
	connectionsFailed   prometheus.Counter
	signalsSent         *prometheus.CounterVec
	signalsReceived     *prometheus.CounterVec
	negotiationErrors   *prometheus.CounterVec
	relayErrors         *prometheus.CounterVec
	mediaAccessFailures *prometheus.CounterVec
}

var _ services.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the call metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_peers_active",
			Help: "Number of remote peers with an open connection",
		}),

		peersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_peers_total",
			Help: "Total number of peer connections created",
		}),

		candidatesBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_ice_candidates_buffered_total",
			Help: "ICE candidates held until a remote description was set",
		}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_ice_restarts_total",
			Help: "ICE restarts attempted after a failed connection",
		}),

		connectionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_connections_failed_total",
			Help: "Peer connections that failed after the ICE restart",
		}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_sent_total",
			Help: "Signals sent through the relay",
		}, []string{"type"}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_received_total",
			Help: "Signals received from the feed",
		}, []string{"type"}),

		negotiationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_negotiation_errors_total",
			Help: "Offer/answer and candidate failures by step",
		}, []string{"step"}),

		relayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_errors_total",
			Help: "Relay request failures by action",
		}, []string{"action"}),

		mediaAccessFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_media_access_failures_total",
			Help: "Failures acquiring local media by source",
		}, []string{"source"}),
	}
}

func (p *PrometheusCollector) PeerAdded() {
	p.peersActive.Inc()
	p.peersTotal.Inc()
}

func (p *PrometheusCollector) PeerRemoved() {
	p.peersActive.Dec()
}

func (p *PrometheusCollector) SignalSent(t domain.SignalType) {
	p.signalsSent.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) SignalReceived(t domain.SignalType) {
	p.signalsReceived.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) CandidateBuffered() {
	p.candidatesBuffered.Inc()
}

func (p *PrometheusCollector) ICERestart() {
	p.iceRestarts.Inc()
}

func (p *PrometheusCollector) ConnectionFailed() {
	p.connectionsFailed.Inc()
}

func (p *PrometheusCollector) NegotiationError(step string) {
	p.negotiationErrors.WithLabelValues(step).Inc()
}

func (p *PrometheusCollector) RelayError(action string) {
	p.relayErrors.WithLabelValues(action).Inc()
}

func (p *PrometheusCollector) MediaAccessFailure(source string) {
	p.mediaAccessFailures.WithLabelValues(source).Inc()
}
