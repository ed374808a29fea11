package domain

type SessionPhase string

const (
	PhaseIdle    SessionPhase = "idle"
	PhaseJoining SessionPhase = "joining"
	PhaseJoined  SessionPhase = "joined"
	PhaseLeaving SessionPhase = "leaving"
)

// VoiceSessionState is mutated only by the session controller.
type VoiceSessionState struct {
	Phase      SessionPhase `json:"phase"`
	Channel    ChannelKey   `json:"-"`
	Joined     bool         `json:"joined"`
	Joining    bool         `json:"joining"`
	IsMuted    bool         `json:"is_muted"`
	IsDeafened bool         `json:"is_deafened"`
	ListenOnly bool         `json:"listen_only"`
}

// AudioDevice is one capture or playback endpoint.
type AudioDevice struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Kind      string `json:"kind"`
	IsDefault bool   `json:"is_default"`
}

const (
	DeviceKindInput  = "audioinput"
	DeviceKindOutput = "audiooutput"
)

const (
	MinRemoteVolume     = 0
	DefaultRemoteVolume = 100
	MaxRemoteVolume     = 200
)
