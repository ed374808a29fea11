package rtc

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"gopkg.in/hraban/opus.v2"

	"github.com/dkeye/meshvoice/internal/core"
)

const maxOpusPacket = 4000

// TrackFactory encodes capture streams to Opus sample tracks.
type TrackFactory struct{}

func (TrackFactory) NewOutgoingTrack(stream core.CaptureStream, tap func([]int16)) (core.OutgoingTrack, error) {
	enc, err := opus.NewEncoder(core.SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+id, "meshvoice-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	t := &LocalTrack{
		local:  local,
		stream: stream,
		enc:    enc,
		tap:    tap,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.pump()
	return t, nil
}

// LocalTrack implements core.OutgoingTrack. Frames are always tapped; they are
// only encoded and written while enabled.
type LocalTrack struct {
	local  *webrtc.TrackLocalStaticSample
	stream core.CaptureStream
	enc    *opus.Encoder
	tap    func([]int16)

	enabled atomic.Bool
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

func (t *LocalTrack) ID() string               { return t.local.ID() }
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.local }
func (t *LocalTrack) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *LocalTrack) Enabled() bool            { return t.enabled.Load() }

func (t *LocalTrack) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

func (t *LocalTrack) pump() {
	defer close(t.done)
	buf := make([]byte, maxOpusPacket)
	frame := time.Duration(core.FrameDuration) * time.Millisecond
	dropped := uint16(0)
	for {
		select {
		case <-t.stop:
			return
		case <-t.stream.Done():
			return
		case pcm, ok := <-t.stream.Frames():
			if !ok {
				return
			}
			if t.tap != nil {
				t.tap(pcm)
			}
			if !t.enabled.Load() {
				dropped = skip(dropped)
				continue
			}
			n, err := t.enc.Encode(pcm, buf)
			if err != nil {
				log.Warn().Err(err).Str("module", "webrtc.track").Msg("opus encode")
				dropped = skip(dropped)
				continue
			}
			sample := media.Sample{Data: append([]byte(nil), buf[:n]...), Duration: frame, PrevDroppedPackets: dropped}
			if err := t.local.WriteSample(sample); err != nil {
				log.Debug().Err(err).Str("module", "webrtc.track").Msg("write sample")
			}
			dropped = 0
		}
	}
}

// skip counts a frame that was not sent so RTP timestamps keep advancing.
func skip(n uint16) uint16 {
	if n == math.MaxUint16 {
		return n
	}
	return n + 1
}
