// Package devices owns local audio devices: enumeration, the capture stream
// behind the outgoing track, live input switching and the output sink.
package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

type Options struct {
	Backend  core.AudioBackend
	Tracks   core.TrackFactory
	Playback core.Playback
	// Tap observes every captured frame, typically the VAD analyzer.
	Tap func([]int16)
	// OnDeviceLost fires when the active capture ends without being stopped.
	OnDeviceLost func(deviceID string)
}

type Manager struct {
	opts Options

	mu     sync.Mutex
	stream core.CaptureStream
	track  core.OutgoingTrack
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

func (m *Manager) ListDevices(ctx context.Context) ([]domain.AudioDevice, error) {
	devs, err := m.opts.Backend.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devs, nil
}

// Track is the current outgoing track, nil when nothing is captured.
func (m *Manager) Track() core.OutgoingTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

// AcquireCapture opens deviceID ("" for the system default) and builds the
// outgoing track on top of it. The track starts disabled. Any capture held
// before is released.
func (m *Manager) AcquireCapture(ctx context.Context, deviceID string) (core.OutgoingTrack, error) {
	stream, track, err := m.open(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	oldStream, oldTrack := m.stream, m.track
	m.stream, m.track = stream, track
	m.mu.Unlock()
	stop(oldStream, oldTrack)

	go m.watch(stream)
	log.Info().Str("module", "devices").Str("device", deviceID).Str("track_id", track.ID()).Msg("capture acquired")
	return track, nil
}

// SwitchCapture moves the outgoing audio to deviceID. The new track is handed
// to attach before the previous capture stops; on failure the previous
// capture stays active and the error wraps domain.ErrDeviceSwitch.
func (m *Manager) SwitchCapture(ctx context.Context, deviceID string, attach func(core.OutgoingTrack)) (core.OutgoingTrack, error) {
	stream, track, err := m.open(ctx, deviceID)
	if err != nil {
		log.Warn().Err(err).Str("module", "devices").Str("device", deviceID).Msg("switch failed, keeping current input")
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceSwitch, err)
	}

	m.mu.Lock()
	oldStream, oldTrack := m.stream, m.track
	m.mu.Unlock()
	if oldTrack != nil {
		track.SetEnabled(oldTrack.Enabled())
	}
	if attach != nil {
		attach(track)
	}

	m.mu.Lock()
	m.stream, m.track = stream, track
	m.mu.Unlock()
	stop(oldStream, oldTrack)

	go m.watch(stream)
	log.Info().Str("module", "devices").Str("device", deviceID).Str("track_id", track.ID()).Msg("input switched")
	return track, nil
}

func (m *Manager) open(ctx context.Context, deviceID string) (core.CaptureStream, core.OutgoingTrack, error) {
	stream, err := m.opts.Backend.OpenCapture(ctx, deviceID, core.DefaultCaptureConstraints())
	if err != nil {
		return nil, nil, fmt.Errorf("open capture %q: %w", deviceID, err)
	}
	track, err := m.opts.Tracks.NewOutgoingTrack(stream, m.opts.Tap)
	if err != nil {
		stream.Stop()
		return nil, nil, fmt.Errorf("outgoing track: %w", err)
	}
	track.SetEnabled(false)
	return stream, track, nil
}

// watch reports device loss; a stream that was replaced or released is not lost.
func (m *Manager) watch(stream core.CaptureStream) {
	<-stream.Done()
	m.mu.Lock()
	current := m.stream == stream
	m.mu.Unlock()
	if !current {
		return
	}
	log.Warn().Str("module", "devices").Str("device", stream.DeviceID()).Msg("capture device lost")
	if m.opts.OnDeviceLost != nil {
		m.opts.OnDeviceLost(stream.DeviceID())
	}
}

// ApplyOutputDevice routes remote audio to deviceID.
func (m *Manager) ApplyOutputDevice(deviceID string) error {
	if m.opts.Playback == nil {
		return nil
	}
	if err := m.opts.Playback.SetOutputDevice(deviceID); err != nil {
		return fmt.Errorf("output device %q: %w", deviceID, err)
	}
	return nil
}

// Release stops the outgoing track and its capture.
func (m *Manager) Release() {
	m.mu.Lock()
	stream, track := m.stream, m.track
	m.stream, m.track = nil, nil
	m.mu.Unlock()
	if stream != nil || track != nil {
		log.Info().Str("module", "devices").Msg("capture released")
	}
	stop(stream, track)
}

// Discard releases track only if it is still the current one.
func (m *Manager) Discard(track core.OutgoingTrack) {
	m.mu.Lock()
	if track == nil || m.track != track {
		m.mu.Unlock()
		return
	}
	stream := m.stream
	m.stream, m.track = nil, nil
	m.mu.Unlock()
	stop(stream, track)
}

func stop(stream core.CaptureStream, track core.OutgoingTrack) {
	if track != nil {
		track.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
}
