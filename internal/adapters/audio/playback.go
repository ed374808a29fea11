package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	malgo "github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
	"gopkg.in/hraban/opus.v2"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

const (
	// maxBuffered caps each remote's queue at 200 ms; older audio is dropped.
	maxBuffered  = core.SampleRate / 5
	maxOpusFrame = core.SampleRate * 120 / 1000
)

// Mixer implements core.Playback: one decoder per remote, mixed into a
// single output device.
type Mixer struct {
	backend *Backend

	mu       sync.Mutex
	sources  map[domain.UserID]*source
	volumes  map[domain.UserID]int
	deafened bool
	dev      *malgo.Device
	deviceID string
	acc      []int32
}

type source struct {
	mu      sync.Mutex
	pending []int16
	stop    chan struct{}
}

func NewMixer(b *Backend) *Mixer {
	return &Mixer{
		backend: b,
		sources: make(map[domain.UserID]*source),
		volumes: make(map[domain.UserID]int),
	}
}

// Attach starts decoding track for remote, replacing any earlier track.
func (m *Mixer) Attach(remote domain.UserID, track core.RemoteTrack) {
	dec, err := opus.NewDecoder(core.SampleRate, 1)
	if err != nil {
		log.Error().Err(err).Str("module", "audio.mixer").Str("remote", string(remote)).Msg("opus decoder")
		return
	}
	src := &source{stop: make(chan struct{})}

	m.mu.Lock()
	if old, ok := m.sources[remote]; ok {
		close(old.stop)
	}
	m.sources[remote] = src
	needDevice := m.dev == nil
	m.mu.Unlock()

	if needDevice {
		if err := m.SetOutputDevice(m.currentDevice()); err != nil {
			log.Error().Err(err).Str("module", "audio.mixer").Msg("open output device")
		}
	}
	go m.decode(remote, src, track, dec)
}

func (m *Mixer) decode(remote domain.UserID, src *source, track core.RemoteTrack, dec *opus.Decoder) {
	pcm := make([]int16, maxOpusFrame)
	for {
		select {
		case <-src.stop:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "audio.mixer").Str("remote", string(remote)).Msg("remote track ended")
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			log.Debug().Err(err).Str("module", "audio.mixer").Str("remote", string(remote)).Msg("opus decode")
			continue
		}
		src.push(pcm[:n])
	}
}

func (s *source) push(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, samples...)
	if over := len(s.pending) - maxBuffered; over > 0 {
		s.pending = s.pending[over:]
	}
}

// pull removes up to n samples.
func (s *source) pull(n int) []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(n, len(s.pending))
	out := s.pending[:n:n]
	s.pending = s.pending[n:]
	return out
}

func (m *Mixer) Detach(remote domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[remote]; ok {
		close(src.stop)
		delete(m.sources, remote)
	}
	delete(m.volumes, remote)
}

func (m *Mixer) SetVolume(remote domain.UserID, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[remote] = max(domain.MinRemoteVolume, min(percent, domain.MaxRemoteVolume))
}

func (m *Mixer) SetDeafened(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deafened = v
}

func (m *Mixer) currentDevice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

// SetOutputDevice reopens the output on deviceID ("" for the default). The
// previous device keeps playing if the new one cannot be opened.
func (m *Mixer) SetOutputDevice(deviceID string) error {
	info, err := m.backend.lookup(malgo.Playback, deviceID)
	if err != nil {
		return err
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = core.SampleRate
	cfg.PeriodSizeInFrames = core.FrameSamples
	if info != nil {
		cfg.Playback.DeviceID = info.ID.Pointer()
	}
	dev, err := malgo.InitDevice(m.backend.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) { m.render(out, int(frames)) },
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}

	m.mu.Lock()
	old := m.dev
	m.dev, m.deviceID = dev, deviceID
	m.mu.Unlock()
	if old != nil {
		_ = old.Stop()
		old.Uninit()
	}
	log.Info().Str("module", "audio.mixer").Str("device", deviceID).Msg("output device set")
	return nil
}

// render fills out with the mix of every source; silence while deafened.
func (m *Mixer) render(out []byte, frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cap(m.acc) < frames {
		m.acc = make([]int32, frames)
	}
	acc := m.acc[:frames]
	clear(acc)
	if !m.deafened {
		for id, src := range m.sources {
			vol, ok := m.volumes[id]
			if !ok {
				vol = domain.DefaultRemoteVolume
			}
			mixInto(acc, src.pull(frames), vol)
		}
	} else {
		for _, src := range m.sources {
			src.pull(frames)
		}
	}
	mixed := make([]int16, frames)
	clampMix(mixed, acc)
	putInt16(out, mixed)
}

func (m *Mixer) Close() {
	m.mu.Lock()
	dev := m.dev
	m.dev = nil
	for id, src := range m.sources {
		close(src.stop)
		delete(m.sources, id)
	}
	m.mu.Unlock()
	if dev != nil {
		_ = dev.Stop()
		dev.Uninit()
	}
}
