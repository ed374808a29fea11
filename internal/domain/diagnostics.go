package domain

import "time"

// ConnectionStats is what a peer connection reports about its selected path.
type ConnectionStats struct {
	SelectedPairID      string
	SelectedPairState   string
	LocalCandidateType  string
	RemoteCandidateType string
	Writable            bool
	BytesSent           uint64
	BytesReceived       uint64
}

// DiagnosticsRecord is one consumer-facing snapshot per tracked peer.
type DiagnosticsRecord struct {
	UserID              UserID    `json:"user_id"`
	ConnectionState     string    `json:"connection_state"`
	ICEConnectionState  string    `json:"ice_connection_state"`
	SignalingState      string    `json:"signaling_state"`
	ICEGatheringState   string    `json:"ice_gathering_state"`
	SelectedPairID      string    `json:"selected_pair_id,omitempty"`
	SelectedPairState   string    `json:"selected_pair_state,omitempty"`
	LocalCandidateType  string    `json:"local_candidate_type,omitempty"`
	RemoteCandidateType string    `json:"remote_candidate_type,omitempty"`
	Writable            bool      `json:"writable"`
	BytesSent           uint64    `json:"bytes_sent"`
	BytesReceived       uint64    `json:"bytes_received"`
	UpdatedAt           time.Time `json:"updated_at"`
}
