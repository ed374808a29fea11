// Package peerstest provides in-memory peer connections that follow the
// offer/answer state machine without any network.
package peerstest

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// SDP is a minimal audio session description accepted by pion/sdp.
const SDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

var ErrClosed = errors.New("peer connection closed")

// Conn implements core.PeerConnection.
type Conn struct {
	Remote domain.UserID

	mu           sync.Mutex
	handlers     core.PeerHandlers
	detached     bool
	signaling    webrtc.SignalingState
	connection   webrtc.PeerConnectionState
	ice          webrtc.ICEConnectionState
	gathering    webrtc.ICEGatheringState
	remote       *webrtc.SessionDescription
	hasSender    bool
	track        webrtc.TrackLocal
	applied      []webrtc.ICECandidateInit
	offers       int
	iceRestarts  int
	rollbacks    int
	closed       bool
	stats        domain.ConnectionStats
	statsErr     error
	candidateErr error
}

func NewConn(remote domain.UserID, track webrtc.TrackLocal) *Conn {
	return &Conn{
		Remote:     remote,
		signaling:  webrtc.SignalingStateStable,
		connection: webrtc.PeerConnectionStateNew,
		ice:        webrtc.ICEConnectionStateNew,
		gathering:  webrtc.ICEGatheringStateNew,
		hasSender:  track != nil,
		track:      track,
	}
}

func (c *Conn) SetHandlers(h core.PeerHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
	c.detached = false
}

func (c *Conn) DetachHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = core.PeerHandlers{}
	c.detached = true
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *Conn) ICEConnectionState() webrtc.ICEConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ice
}

func (c *Conn) ICEGatheringState() webrtc.ICEGatheringState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gathering
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.offers++
	if iceRestart {
		c.iceRestarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SDP}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: SDP}, nil
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveRemoteOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return errors.New("set local description: invalid state transition")
	}
	c.mu.Unlock()
	c.fireSignaling()
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveLocalOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return errors.New("set remote description: invalid state transition")
	}
	desc := d
	c.remote = &desc
	c.mu.Unlock()
	c.fireSignaling()
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		c.mu.Unlock()
		return errors.New("rollback: no local offer")
	}
	c.signaling = webrtc.SignalingStateStable
	c.rollbacks++
	c.mu.Unlock()
	c.fireSignaling()
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("add candidate: remote description not set")
	}
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.applied = append(c.applied, ci)
	return nil
}

func (c *Conn) SetOutgoingTrack(track webrtc.TrackLocal) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	added := !c.hasSender && track != nil
	if track != nil {
		c.hasSender = true
	}
	c.track = track
	return added, nil
}

func (c *Conn) Stats() (domain.ConnectionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.statsErr
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connection = webrtc.PeerConnectionStateClosed
	c.signaling = webrtc.SignalingStateClosed
	return nil
}

func (c *Conn) fireSignaling() {
	c.mu.Lock()
	fn, st := c.handlers.OnSignalingStateChange, c.signaling
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// SetConnectionState moves the connection and raises the handler as pion would.
func (c *Conn) SetConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.connection = s
	fn := c.handlers.OnConnectionStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate raises a locally gathered candidate.
func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.handlers.OnICECandidate
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *Conn) SetStats(s domain.ConnectionStats, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats, c.statsErr = s, err
}

func (c *Conn) FailCandidates(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidateErr = err
}

func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) ICERestarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceRestarts
}

func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func (c *Conn) Track() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

func (c *Conn) HasSender() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasSender
}

// Factory implements core.PeerFactory and remembers every connection it made.
type Factory struct {
	mu      sync.Mutex
	created []*Conn
	Err     error
}

func (f *Factory) NewPeer(remote domain.UserID, _ webrtc.Configuration, track webrtc.TrackLocal) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn(remote, track)
	f.created = append(f.created, c)
	return c, nil
}

// Created lists connections to remote in creation order.
func (f *Factory) Created(remote domain.UserID) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, c := range f.created {
		if c.Remote == remote {
			out = append(out, c)
		}
	}
	return out
}

// Last is the most recent connection to remote, or nil.
func (f *Factory) Last(remote domain.UserID) *Conn {
	all := f.Created(remote)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}
