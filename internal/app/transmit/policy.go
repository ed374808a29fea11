// Package transmit decides whether the local microphone may send right now.
package transmit

import "github.com/dkeye/meshvoice/internal/domain"

// Inputs is everything the decision depends on, sampled at decision time.
type Inputs struct {
	ListenOnly bool
	Muted      bool
	Deafened   bool
	Mode       domain.TransmissionMode
	GateOpen   bool
	// KeyHeld is only true when a binding is configured and its key is down.
	KeyHeld bool
}

func ShouldTransmit(in Inputs) bool {
	if in.ListenOnly || in.Muted || in.Deafened {
		return false
	}
	return modeAllows(in)
}

func modeAllows(in Inputs) bool {
	switch in.Mode {
	case domain.ModeOpenMic:
		return true
	case domain.ModeVoiceActivity:
		return in.GateOpen
	case domain.ModePushToTalk:
		return in.KeyHeld
	default:
		return false
	}
}
