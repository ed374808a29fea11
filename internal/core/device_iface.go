package core

import (
	"context"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	SampleRate    = 48000
	FrameDuration = 20 // ms
	FrameSamples  = SampleRate * FrameDuration / 1000
)

type CaptureConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// CaptureStream delivers mono 48 kHz PCM in FrameSamples chunks.
// Done is closed when the stream stops, including on device loss.
type CaptureStream interface {
	ID() string
	DeviceID() string
	Frames() <-chan []int16
	Done() <-chan struct{}
	Stop()
}

type AudioBackend interface {
	Devices(ctx context.Context) ([]domain.AudioDevice, error)
	OpenCapture(ctx context.Context, deviceID string, c CaptureConstraints) (CaptureStream, error)
}

// OutgoingTrack is the local audio track shared by every peer connection.
// Disabling it is cheap and never renegotiates.
type OutgoingTrack interface {
	ID() string
	Local() webrtc.TrackLocal
	SetEnabled(bool)
	Enabled() bool
	Stop()
}

// TrackFactory turns a capture stream into an outgoing track; tap observes
// every captured frame whether or not the track is enabled.
type TrackFactory interface {
	NewOutgoingTrack(stream CaptureStream, tap func([]int16)) (OutgoingTrack, error)
}

// Playback renders remote audio to the selected output device.
type Playback interface {
	Attach(remote domain.UserID, track RemoteTrack)
	Detach(remote domain.UserID)
	SetVolume(remote domain.UserID, percent int)
	SetDeafened(deafened bool)
	SetOutputDevice(deviceID string) error
	Close()
}
