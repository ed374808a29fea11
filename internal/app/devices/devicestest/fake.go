// Package devicestest provides in-memory audio backends, tracks and playback.
package devicestest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// Stream implements core.CaptureStream; frames are pushed by the test.
type Stream struct {
	id       string
	deviceID string
	frames   chan []int16
	done     chan struct{}
	once     sync.Once
	stopped  atomic.Bool
}

func NewStream(id, deviceID string) *Stream {
	return &Stream{id: id, deviceID: deviceID, frames: make(chan []int16, 16), done: make(chan struct{})}
}

func (s *Stream) ID() string             { return s.id }
func (s *Stream) DeviceID() string       { return s.deviceID }
func (s *Stream) Frames() <-chan []int16 { return s.frames }
func (s *Stream) Done() <-chan struct{}  { return s.done }
func (s *Stream) Stopped() bool          { return s.stopped.Load() }
func (s *Stream) Stop()                  { s.stopped.Store(true); s.end() }

// Push delivers one captured frame.
func (s *Stream) Push(frame []int16) { s.frames <- frame }

func (s *Stream) Lose() { s.end() }
func (s *Stream) end()  { s.once.Do(func() { close(s.done) }) }

// Backend implements core.AudioBackend.
type Backend struct {
	mu      sync.Mutex
	List    []domain.AudioDevice
	ListErr error
	// Fail maps a device id ("" is the default device) to the error opening it returns.
	Fail map[string]error

	opened      []*Stream
	constraints []core.CaptureConstraints
}

func (b *Backend) Devices(context.Context) ([]domain.AudioDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AudioDevice(nil), b.List...), b.ListErr
}

func (b *Backend) OpenCapture(ctx context.Context, deviceID string, c core.CaptureConstraints) (core.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.Fail[deviceID]; err != nil {
		return nil, err
	}
	s := NewStream(fmt.Sprintf("capture-%d", len(b.opened)+1), deviceID)
	b.opened = append(b.opened, s)
	b.constraints = append(b.constraints, c)
	return s, nil
}

func (b *Backend) SetFail(deviceID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail == nil {
		b.Fail = make(map[string]error)
	}
	b.Fail[deviceID] = err
}

func (b *Backend) Opened() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Stream(nil), b.opened...)
}

func (b *Backend) Constraints() []core.CaptureConstraints {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.CaptureConstraints(nil), b.constraints...)
}

// Track implements core.OutgoingTrack over a real pion sample track.
type Track struct {
	Stream  core.CaptureStream
	local   *webrtc.TrackLocalStaticSample
	tap     func([]int16)
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *Track) ID() string               { return t.local.ID() }
func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *Track) Enabled() bool            { return t.enabled.Load() }
func (t *Track) Stop()                    { t.stopped.Store(true) }
func (t *Track) Stopped() bool            { return t.stopped.Load() }

// Speak feeds one frame through the capture tap as the encoder loop would.
func (t *Track) Speak(samples []int16) {
	if t.tap != nil {
		t.tap(samples)
	}
}

// Tracks implements core.TrackFactory.
type Tracks struct {
	mu   sync.Mutex
	made []*Track
	Err  error
}

func (f *Tracks) NewOutgoingTrack(stream core.CaptureStream, tap func([]int16)) (core.OutgoingTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	id := fmt.Sprintf("mic-%d", len(f.made)+1)
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, id, "meshvoice")
	if err != nil {
		return nil, err
	}
	t := &Track{Stream: stream, local: local, tap: tap}
	f.made = append(f.made, t)
	return t, nil
}

func (f *Tracks) Made() []*Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Track(nil), f.made...)
}

// Last is the most recently created track, or nil.
func (f *Tracks) Last() *Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

// Playback implements core.Playback and records what it was told.
type Playback struct {
	mu        sync.Mutex
	attached  map[domain.UserID]core.RemoteTrack
	volumes   map[domain.UserID]int
	deafened  bool
	output    string
	OutputErr error
	closed    bool
}

func NewPlayback() *Playback {
	return &Playback{attached: make(map[domain.UserID]core.RemoteTrack), volumes: make(map[domain.UserID]int)}
}

func (p *Playback) Attach(remote domain.UserID, track core.RemoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[remote] = track
}

func (p *Playback) Detach(remote domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, remote)
}

func (p *Playback) SetVolume(remote domain.UserID, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[remote] = percent
}

func (p *Playback) SetDeafened(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deafened = v
}

func (p *Playback) SetOutputDevice(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OutputErr != nil {
		return p.OutputErr
	}
	p.output = id
	return nil
}

func (p *Playback) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Playback) Attached(remote domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.attached[remote]
	return ok
}

func (p *Playback) Volume(remote domain.UserID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.volumes[remote]
	return v, ok
}

func (p *Playback) Deafened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deafened
}

func (p *Playback) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}
