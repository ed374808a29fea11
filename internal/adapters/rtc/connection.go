// Package rtc adapts pion peer connections to the session's PeerConnection contract.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// Factory builds peer connections that share one pion API (codecs and interceptors).
type Factory struct {
	api *webrtc.API
}

func NewFactory() (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &Factory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))}, nil
}

// NewPeer opens a connection to remote. With a nil track the connection only
// receives audio until a track is set.
func (f *Factory) NewPeer(remote domain.UserID, cfg webrtc.Configuration, track webrtc.TrackLocal) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{pc: pc, remote: remote}
	if track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add recvonly transceiver: %w", err)
	}
	c.bind()
	return c, nil
}

// Connection implements core.PeerConnection over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID

	mu       sync.Mutex
	handlers core.PeerHandlers
}

// bind registers pion callbacks once; they dispatch to whatever handlers are
// set at the time they fire.
func (c *Connection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		h := c.current()
		if cand != nil && h.OnICECandidate != nil {
			h.OnICECandidate(cand.ToJSON())
		}
		if h.OnICEGatheringStateChange != nil {
			h.OnICEGatheringStateChange(c.pc.ICEGatheringState())
		}
	})
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h := c.current(); h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(s)
		}
	})
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if h := c.current(); h.OnICEConnectionStateChange != nil {
			h.OnICEConnectionStateChange(s)
		}
	})
	c.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if h := c.current(); h.OnSignalingStateChange != nil {
			h.OnSignalingStateChange(s)
		}
	})
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("remote", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if h := c.current(); h.OnTrack != nil {
			h.OnTrack(track)
		}
	})
}

func (c *Connection) current() core.PeerHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *Connection) SetHandlers(h core.PeerHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Connection) DetachHandlers() { c.SetHandlers(core.PeerHandlers{}) }

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) ConnectionState() webrtc.PeerConnectionState { return c.pc.ConnectionState() }

func (c *Connection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *Connection) ICEGatheringState() webrtc.ICEGatheringState { return c.pc.ICEGatheringState() }

func (c *Connection) HasRemoteDescription() bool { return c.pc.RemoteDescription() != nil }

func (c *Connection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

// Rollback discards the pending local offer.
func (c *Connection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// SetOutgoingTrack replaces the track on the existing audio sender. Without a
// sender the track is added, which turns a receive-only transceiver into
// send-receive; that change needs an offer to take effect.
func (c *Connection) SetOutgoingTrack(track webrtc.TrackLocal) (bool, error) {
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeAudio || tr.Sender() == nil {
			continue
		}
		if err := tr.Sender().ReplaceTrack(track); err != nil {
			return false, fmt.Errorf("replace track: %w", err)
		}
		return false, nil
	}
	if track == nil {
		return false, nil
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return false, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)
	return true, nil
}

func (c *Connection) Stats() (domain.ConnectionStats, error) {
	if c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return domain.ConnectionStats{}, errClosed
	}
	return SelectedPair(c.pc.GetStats()), nil
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		return err
	}
	log.Info().Str("module", "webrtc").Str("remote", string(c.remote)).Msg("closed")
	return nil
}

var errClosed = errors.New("peer connection closed")

// drainRTCP reads sender reports so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
