// Package audio implements capture, device enumeration and playback on miniaudio.
package audio

import (
	"context"
	"fmt"
	"sync"

	malgo "github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// Backend owns the miniaudio context shared by capture and playback devices.
type Backend struct {
	ctx *malgo.AllocatedContext

	// NoAutoGain overrides the AutoGainControl constraint.
	NoAutoGain bool

	warnOnce sync.Once
}

func NewBackend() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Str("module", "audio").Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	return &Backend{ctx: ctx}, nil
}

func (b *Backend) Close() {
	_ = b.ctx.Uninit()
	b.ctx.Free()
}

func (b *Backend) Devices(ctx context.Context) ([]domain.AudioDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.AudioDevice
	for _, kind := range []struct {
		typ  malgo.DeviceType
		name string
	}{{malgo.Capture, domain.DeviceKindInput}, {malgo.Playback, domain.DeviceKindOutput}} {
		infos, err := b.ctx.Devices(kind.typ)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", kind.name, err)
		}
		for _, info := range infos {
			out = append(out, domain.AudioDevice{
				ID:        info.ID.String(),
				Label:     info.Name(),
				Kind:      kind.name,
				IsDefault: info.IsDefault != 0,
			})
		}
	}
	return out, nil
}

// lookup finds the device with the given id; "" selects the system default.
func (b *Backend) lookup(typ malgo.DeviceType, id string) (*malgo.DeviceInfo, error) {
	if id == "" {
		return nil, nil
	}
	infos, err := b.ctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	for i := range infos {
		if infos[i].ID.String() == id {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no device %q", domain.ErrDeviceUnavailable, id)
}

// OpenCapture starts a mono 48 kHz capture. Only auto gain is applied in
// software; the other constraints are logged once as unsupported.
func (b *Backend) OpenCapture(ctx context.Context, deviceID string, c core.CaptureConstraints) (core.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression {
		b.warnOnce.Do(func() {
			log.Warn().Str("module", "audio").Bool("echo_cancellation", c.EchoCancellation).Bool("noise_suppression", c.NoiseSuppression).Msg("capture constraints not supported by this backend")
		})
	}
	info, err := b.lookup(malgo.Capture, deviceID)
	if err != nil {
		return nil, err
	}

	s := &captureStream{
		id:       uuid.NewString(),
		deviceID: deviceID,
		frames:   make(chan []int16, 16),
		done:     make(chan struct{}),
		framer:   framer{size: core.FrameSamples},
	}
	if c.AutoGainControl && !b.NoAutoGain {
		s.agc = &agc{}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = core.SampleRate
	cfg.PeriodSizeInFrames = core.FrameSamples
	if info != nil {
		cfg.Capture.DeviceID = info.ID.Pointer()
	}
	dev, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { s.onData(in) },
		Stop: s.end,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	s.dev = dev
	log.Info().Str("module", "audio").Str("device", deviceID).Str("stream", s.id).Msg("capture started")
	return s, nil
}

type captureStream struct {
	id       string
	deviceID string
	dev      *malgo.Device

	frames chan []int16
	done   chan struct{}
	once   sync.Once
	stop   sync.Once

	// touched only from the device callback
	framer framer
	agc    *agc
}

func (s *captureStream) ID() string             { return s.id }
func (s *captureStream) DeviceID() string       { return s.deviceID }
func (s *captureStream) Frames() <-chan []int16 { return s.frames }
func (s *captureStream) Done() <-chan struct{}  { return s.done }

func (s *captureStream) onData(in []byte) {
	if len(in) == 0 {
		return
	}
	s.framer.push(bytesToInt16(in), func(frame []int16) {
		if s.agc != nil {
			s.agc.process(frame)
		}
		select {
		case s.frames <- frame:
		default:
		}
	})
}

func (s *captureStream) end() { s.once.Do(func() { close(s.done) }) }

func (s *captureStream) Stop() {
	s.stop.Do(func() {
		s.end()
		if s.dev != nil {
			_ = s.dev.Stop()
			s.dev.Uninit()
		}
		log.Info().Str("module", "audio").Str("stream", s.id).Msg("capture stopped")
	})
}
