package domain

import (
	"fmt"

	"peercall/pkg/validation"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// ICECandidate mirrors RTCIceCandidateInit as browsers serialize it.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type SignalEnvelope struct {
	Type      SignalType    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// Validate checks that e carries the payload its type needs.
func (e SignalEnvelope) Validate() error {
	switch e.Type {
	case SignalOffer, SignalAnswer:
		if err := validation.ValidateSDP(e.SDP); err != nil {
			return fmt.Errorf("%s signal: %w", e.Type, err)
		}
	case SignalICECandidate:
		if e.Candidate == nil {
			return fmt.Errorf("ice-candidate signal without candidate")
		}
	default:
		return fmt.Errorf("unknown signal type: %q", e.Type)
	}
	return nil
}

type RelayAction string

const (
	RelayJoin   RelayAction = "join"
	RelaySignal RelayAction = "signal"
	RelayLeave  RelayAction = "leave"
)

// RelayRequest is the body accepted by the signal relay function.
type RelayRequest struct {
	Action       RelayAction     `json:"action"`
	CallID       CallID          `json:"callId"`
	TargetUserID UserID          `json:"targetUserId,omitempty"`
	Signal       *SignalEnvelope `json:"signal,omitempty"`
}

// InboundSignal is one row delivered by the signal feed.
type InboundSignal struct {
	ID         string         `json:"id,omitempty"`
	CallID     CallID         `json:"call_id"`
	FromUserID UserID         `json:"from_user_id"`
	ToUserID   UserID         `json:"to_user_id"`
	Signal     SignalEnvelope `json:"signal"`
}
