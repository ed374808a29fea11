package domain

import "github.com/pion/webrtc/v4"

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

// SignalMessage is broadcast on the channel topic. An empty To addresses everyone.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	From      UserID                   `json:"from"`
	To        UserID                   `json:"to,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// AddressedTo reports whether receiver should process the message.
func (m SignalMessage) AddressedTo(receiver UserID) bool {
	if m.From == receiver {
		return false
	}
	return m.To == "" || m.To == receiver
}
