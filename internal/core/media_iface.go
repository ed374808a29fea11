package core

import (
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the receive side of a remote participant's audio.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerHandlers are invoked from connection-owned goroutines.
type PeerHandlers struct {
	OnICECandidate             func(webrtc.ICECandidateInit)
	OnConnectionStateChange    func(webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(webrtc.ICEConnectionState)
	OnSignalingStateChange     func(webrtc.SignalingState)
	OnICEGatheringStateChange  func(webrtc.ICEGatheringState)
	OnTrack                    func(RemoteTrack)
}

// PeerConnection is one direct media connection to a remote participant.
type PeerConnection interface {
	SetHandlers(PeerHandlers)
	// DetachHandlers drops every handler; events raised afterwards are discarded.
	DetachHandlers()

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState
	HasRemoteDescription() bool

	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback returns a have-local-offer connection to stable.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error

	// SetOutgoingTrack puts track on the audio sender without tearing the
	// connection down. It creates the sender, or promotes a receive-only
	// transceiver, when none exists yet and reports whether it did.
	SetOutgoingTrack(track webrtc.TrackLocal) (bool, error)

	Stats() (domain.ConnectionStats, error)
	Close() error
}

// PeerFactory builds connections; track may be nil for listen-only sessions.
type PeerFactory interface {
	NewPeer(remote domain.UserID, cfg webrtc.Configuration, track webrtc.TrackLocal) (PeerConnection, error)
}
