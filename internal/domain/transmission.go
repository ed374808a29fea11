package domain

import "errors"

type TransmissionMode string

const (
	ModeOpenMic       TransmissionMode = "open_mic"
	ModeVoiceActivity TransmissionMode = "voice_activity"
	ModePushToTalk    TransmissionMode = "push_to_talk"
)

const (
	DefaultVoiceActivationThreshold = 30
	MaxVoiceActivationThreshold     = 100
)

var ErrUnknownMode = errors.New("unknown transmission mode")

func ParseTransmissionMode(s string) (TransmissionMode, error) {
	switch m := TransmissionMode(s); m {
	case ModeOpenMic, ModeVoiceActivity, ModePushToTalk:
		return m, nil
	}
	return "", ErrUnknownMode
}

// KeyBinding identifies a push-to-talk key by its key code (e.g. "Space", "KeyV").
type KeyBinding struct {
	Code string `json:"code" mapstructure:"code"`
}

// TransmissionSettings is user configuration, read-only to the session core.
type TransmissionSettings struct {
	Mode                     TransmissionMode
	VoiceActivationThreshold int
	PushToTalkBinding        *KeyBinding
	InputDeviceID            string
	OutputDeviceID           string
}

func DefaultTransmissionSettings() TransmissionSettings {
	return TransmissionSettings{
		Mode:                     ModeVoiceActivity,
		VoiceActivationThreshold: DefaultVoiceActivationThreshold,
	}
}

// ClampThreshold keeps the activation threshold inside 0..100.
func ClampThreshold(v int) int {
	return max(0, min(v, MaxVoiceActivationThreshold))
}
