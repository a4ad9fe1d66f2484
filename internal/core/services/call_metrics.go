package services

import "peercall/internal/core/domain"

// CallMetrics receives counters from a CallSession.
type CallMetrics interface {
	PeerAdded()
	PeerRemoved()
	SignalSent(t domain.SignalType)
	SignalReceived(t domain.SignalType)
	CandidateBuffered()
	ICERestart()
	ConnectionFailed()
	NegotiationError(step string)
	RelayError(action string)
	MediaAccessFailure(source string)
}

type noopMetrics struct{}

func (noopMetrics) PeerAdded()                       {}
func (noopMetrics) PeerRemoved()                     {}
func (noopMetrics) SignalSent(domain.SignalType)     {}
func (noopMetrics) SignalReceived(domain.SignalType) {}
func (noopMetrics) CandidateBuffered()               {}
func (noopMetrics) ICERestart()                      {}
func (noopMetrics) ConnectionFailed()                {}
func (noopMetrics) NegotiationError(string)          {}
func (noopMetrics) RelayError(string)                {}
func (noopMetrics) MediaAccessFailure(string)        {}
