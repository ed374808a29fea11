package peers

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/app/presence"
	"github.com/dkeye/meshvoice/internal/domain"
)

// Router applies inbound signaling messages to the registry's connections.
type Router struct {
	self    domain.UserID
	reg     *Registry
	present func(domain.UserID) bool
}

// NewRouter creates a router. present reports whether a user is in the
// current presence set; signals from anyone else never create a connection.
// A nil present admits nobody.
func NewRouter(self domain.UserID, reg *Registry, present func(domain.UserID) bool) *Router {
	if present == nil {
		present = func(domain.UserID) bool { return false }
	}
	return &Router{self: self, reg: reg, present: present}
}

// Handle routes one message. Messages from self or for someone else are dropped.
// Negotiation failures stay isolated to the peer they concern.
func (rt *Router) Handle(msg domain.SignalMessage) {
	if !msg.AddressedTo(rt.self) || msg.From == "" {
		return
	}
	switch msg.Type {
	case domain.SignalOffer:
		rt.handleOffer(msg)
	case domain.SignalAnswer:
		rt.handleAnswer(msg)
	case domain.SignalICE:
		rt.handleCandidate(msg)
	default:
		log.Warn().Str("module", "signal.router").Str("type", string(msg.Type)).Str("from", string(msg.From)).Msg("unknown signal")
	}
}

func (rt *Router) handleOffer(msg domain.SignalMessage) {
	logger := log.With().Str("module", "signal.router").Str("remote", string(msg.From)).Logger()
	if err := validSDP(msg.SDP); err != nil {
		logger.Error().Err(err).Msg("malformed offer")
		return
	}
	e, ok, err := rt.peer(msg.From, true)
	if err != nil {
		logger.Error().Err(err).Msg("offer for unavailable peer")
		return
	}
	if !ok {
		logger.Debug().Msg("offer from user not in presence")
		return
	}
	pc := e.conn

	// Glare: both sides offered. Drop ours and take theirs.
	if st := pc.SignalingState(); st != webrtc.SignalingStateStable {
		logger.Info().Str("signaling_state", st.String()).Msg("glare, rolling back local offer")
		if err := pc.Rollback(); err != nil {
			logger.Error().Err(err).Msg("rollback")
			return
		}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		logger.Error().Err(err).Msg("set remote offer")
		return
	}
	rt.flush(e)

	answer, err := pc.CreateAnswer()
	if err != nil {
		logger.Error().Err(err).Msg("create answer")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		logger.Error().Err(err).Msg("set local answer")
		return
	}
	rt.reg.send(domain.SignalMessage{Type: domain.SignalAnswer, To: msg.From, SDP: answer.SDP})
}

func (rt *Router) handleAnswer(msg domain.SignalMessage) {
	logger := log.With().Str("module", "signal.router").Str("remote", string(msg.From)).Logger()
	e, ok := rt.reg.Get(msg.From)
	if !ok {
		logger.Debug().Msg("answer for untracked peer")
		return
	}
	if st := e.conn.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		logger.Debug().Str("signaling_state", st.String()).Msg("stale answer ignored")
		return
	}
	if err := validSDP(msg.SDP); err != nil {
		logger.Error().Err(err).Msg("malformed answer")
		return
	}
	if err := e.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
		logger.Error().Err(err).Msg("set remote answer")
		return
	}
	rt.flush(e)
}

func (rt *Router) handleCandidate(msg domain.SignalMessage) {
	if msg.Candidate == nil {
		return
	}
	e, ok, err := rt.peer(msg.From, false)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.router").Str("remote", string(msg.From)).Msg("candidate for unavailable peer")
		return
	}
	if !ok {
		log.Debug().Str("module", "signal.router").Str("remote", string(msg.From)).Msg("candidate from user not in presence")
		return
	}
	if !e.conn.HasRemoteDescription() {
		e.pending = append(e.pending, *msg.Candidate)
		return
	}
	rt.apply(e, *msg.Candidate)
}

// peer returns the entry for a signal sender, creating it only for present
// users. A connection created for an inbound offer answers it; otherwise the
// pair's initiator sends the first offer, as reconcile would have.
func (rt *Router) peer(from domain.UserID, answering bool) (*Entry, bool, error) {
	if e, ok := rt.reg.Get(from); ok {
		return e, true, nil
	}
	if !rt.present(from) {
		return nil, false, nil
	}
	e, err := rt.reg.Ensure(from, !answering && presence.IsInitiator(rt.self, from))
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// flush applies buffered candidates once each, in receipt order. The queue is
// detached first so nothing can be applied twice.
func (rt *Router) flush(e *Entry) {
	queued := e.pending
	e.pending = nil
	for _, c := range queued {
		rt.apply(e, c)
	}
}

func (rt *Router) apply(e *Entry, c webrtc.ICECandidateInit) {
	if err := e.conn.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "signal.router").Str("remote", string(e.RemoteID)).Msg("add ice candidate")
	}
}

func validSDP(raw string) error {
	var desc sdp.SessionDescription
	return desc.Unmarshal([]byte(raw))
}
