// Package peers owns the per-remote peer connections of a voice session and
// the signaling that negotiates them. Nothing here is safe for concurrent use:
// every method must run on the session loop.
package peers

import (
	"fmt"
	"slices"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// Entry is the registry's record for one remote participant.
type Entry struct {
	RemoteID domain.UserID

	conn        core.PeerConnection
	pending     []webrtc.ICECandidateInit
	diagnostics *domain.DiagnosticsRecord
	restartICE  bool
}

func (e *Entry) Conn() core.PeerConnection { return e.conn }

// PendingCandidates is the number of buffered remote candidates.
func (e *Entry) PendingCandidates() int { return len(e.pending) }

type Options struct {
	Self    domain.UserID
	Factory core.PeerFactory
	// Send delivers a signaling message; it is called on the session loop.
	Send func(domain.SignalMessage)
	// Post schedules fn on the session loop; connection callbacks go through it.
	Post     func(fn func())
	Playback core.Playback
	// OnRemoved clears derived state for a closed peer.
	OnRemoved func(domain.UserID)
	// OnStateChange fires after any connection, ICE, signaling or gathering change.
	OnStateChange func(domain.UserID)
}

type Registry struct {
	opts    Options
	cfg     webrtc.Configuration
	track   webrtc.TrackLocal
	entries map[domain.UserID]*Entry
}

func NewRegistry(opts Options) *Registry {
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	return &Registry{opts: opts, entries: make(map[domain.UserID]*Entry)}
}

// SetConfiguration sets the ICE configuration used for connections created from now on.
func (r *Registry) SetConfiguration(cfg webrtc.Configuration) { r.cfg = cfg }

// OutgoingTrack is the track attached to new connections, nil when listen-only.
func (r *Registry) OutgoingTrack() webrtc.TrackLocal { return r.track }

func (r *Registry) SetOutgoingTrack(track webrtc.TrackLocal) { r.track = track }

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Get(id domain.UserID) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// IDs returns the tracked remote ids in sorted order.
func (r *Registry) IDs() []domain.UserID {
	out := make([]domain.UserID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Ensure returns the entry for id, creating the connection if needed. A newly
// created connection sends the first offer when initiator is set.
func (r *Registry) Ensure(id domain.UserID, initiator bool) (*Entry, error) {
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	if id == "" || id == r.opts.Self {
		return nil, fmt.Errorf("ensure peer %q: invalid remote id", id)
	}
	conn, err := r.opts.Factory.NewPeer(id, r.cfg, r.track)
	if err != nil {
		return nil, fmt.Errorf("create peer %s: %w", id, err)
	}
	e := &Entry{RemoteID: id, conn: conn}
	r.entries[id] = e
	conn.SetHandlers(r.handlers(e))

	log.Info().Str("module", "peers").Str("remote", string(id)).Bool("initiator", initiator).Msg("peer created")
	if initiator {
		r.Offer(e)
	}
	return e, nil
}

// handlers route connection events onto the loop. A handler that fires after
// its entry was closed or replaced finds nothing and returns.
func (r *Registry) handlers(e *Entry) core.PeerHandlers {
	id := e.RemoteID
	live := func() bool {
		cur, ok := r.entries[id]
		return ok && cur == e
	}
	changed := func() {
		if r.opts.OnStateChange != nil {
			r.opts.OnStateChange(id)
		}
	}
	return core.PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			r.opts.Post(func() {
				if !live() {
					return
				}
				cand := c
				r.send(domain.SignalMessage{Type: domain.SignalICE, To: id, Candidate: &cand})
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			r.opts.Post(func() {
				if !live() {
					return
				}
				log.Info().Str("module", "peers").Str("remote", string(id)).Str("state", s.String()).Msg("connection state")
				if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
					r.Close(id)
				}
				changed()
			})
		},
		OnICEConnectionStateChange: func(s webrtc.ICEConnectionState) {
			r.opts.Post(func() {
				if !live() {
					return
				}
				log.Debug().Str("module", "peers").Str("remote", string(id)).Str("ice_state", s.String()).Msg("ICE state")
				changed()
			})
		},
		OnSignalingStateChange: func(webrtc.SignalingState) {
			r.opts.Post(func() {
				if live() {
					changed()
				}
			})
		},
		OnICEGatheringStateChange: func(webrtc.ICEGatheringState) {
			r.opts.Post(func() {
				if live() {
					changed()
				}
			})
		},
		OnTrack: func(track core.RemoteTrack) {
			r.opts.Post(func() {
				if !live() || r.opts.Playback == nil {
					return
				}
				log.Info().Str("module", "peers").Str("remote", string(id)).Str("track_id", track.ID()).Msg("remote audio attached")
				r.opts.Playback.Attach(id, track)
			})
		},
	}
}

// Close detaches handlers, stops the connection and forgets its pending
// candidates and diagnostics. Closing an unknown id is a no-op.
func (r *Registry) Close(id domain.UserID) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	e.conn.DetachHandlers()
	if err := e.conn.Close(); err != nil {
		log.Error().Err(err).Str("module", "peers").Str("remote", string(id)).Msg("close error")
	}
	e.pending = nil
	e.diagnostics = nil
	if r.opts.Playback != nil {
		r.opts.Playback.Detach(id)
	}
	if r.opts.OnRemoved != nil {
		r.opts.OnRemoved(id)
	}
	log.Info().Str("module", "peers").Str("remote", string(id)).Msg("peer closed")
	return true
}

func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		r.Close(id)
	}
}

// ReplaceOutgoingTrack swaps the local track on every connection in place.
// Connections are only renegotiated when asked to and when stable.
func (r *Registry) ReplaceOutgoingTrack(track webrtc.TrackLocal, renegotiate bool) {
	r.track = track
	for _, id := range r.IDs() {
		e := r.entries[id]
		added, err := e.conn.SetOutgoingTrack(track)
		if err != nil {
			log.Error().Err(err).Str("module", "peers").Str("remote", string(id)).Msg("replace track")
			continue
		}
		if added {
			log.Debug().Str("module", "peers").Str("remote", string(id)).Msg("audio sender added")
		}
		if renegotiate && e.conn.SignalingState() == webrtc.SignalingStateStable {
			r.Offer(e)
		}
	}
}

// RestartICE flags every connection for an ICE restart and re-offers the stable ones.
// Unstable connections restart with their next offer.
func (r *Registry) RestartICE() {
	for _, id := range r.IDs() {
		e := r.entries[id]
		e.restartICE = true
		if e.conn.SignalingState() == webrtc.SignalingStateStable {
			r.Offer(e)
		}
	}
}

// Offer creates, applies and sends a fresh offer on a stable connection.
func (r *Registry) Offer(e *Entry) {
	if st := e.conn.SignalingState(); st != webrtc.SignalingStateStable {
		log.Debug().Str("module", "peers").Str("remote", string(e.RemoteID)).Str("signaling_state", st.String()).Msg("offer skipped")
		return
	}
	offer, err := e.conn.CreateOffer(e.restartICE)
	if err != nil {
		log.Error().Err(err).Str("module", "peers").Str("remote", string(e.RemoteID)).Msg("create offer")
		return
	}
	if err := e.conn.SetLocalDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "peers").Str("remote", string(e.RemoteID)).Msg("set local offer")
		return
	}
	e.restartICE = false
	r.send(domain.SignalMessage{Type: domain.SignalOffer, To: e.RemoteID, SDP: offer.SDP})
}

func (r *Registry) send(msg domain.SignalMessage) {
	msg.From = r.opts.Self
	if r.opts.Send != nil {
		r.opts.Send(msg)
	}
}

// RefreshDiagnostics samples one peer and caches the record on its entry.
func (r *Registry) RefreshDiagnostics(id domain.UserID, now time.Time) (domain.DiagnosticsRecord, error) {
	e, ok := r.entries[id]
	if !ok {
		return domain.DiagnosticsRecord{}, fmt.Errorf("diagnostics for %s: peer not tracked", id)
	}
	rec := domain.DiagnosticsRecord{
		UserID:             id,
		ConnectionState:    e.conn.ConnectionState().String(),
		ICEConnectionState: e.conn.ICEConnectionState().String(),
		SignalingState:     e.conn.SignalingState().String(),
		ICEGatheringState:  e.conn.ICEGatheringState().String(),
		UpdatedAt:          now,
	}
	stats, err := e.conn.Stats()
	if err != nil {
		return domain.DiagnosticsRecord{}, fmt.Errorf("stats for %s: %w", id, err)
	}
	rec.SelectedPairID = stats.SelectedPairID
	rec.SelectedPairState = stats.SelectedPairState
	rec.LocalCandidateType = stats.LocalCandidateType
	rec.RemoteCandidateType = stats.RemoteCandidateType
	rec.Writable = stats.Writable
	rec.BytesSent = stats.BytesSent
	rec.BytesReceived = stats.BytesReceived
	e.diagnostics = &rec
	return rec, nil
}

// Diagnostics returns the cached records of every tracked peer that has one.
func (r *Registry) Diagnostics() []domain.DiagnosticsRecord {
	out := make([]domain.DiagnosticsRecord, 0, len(r.entries))
	for _, id := range r.IDs() {
		if d := r.entries[id].diagnostics; d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// DropDiagnostics forgets the cached record of id (its last sample failed).
func (r *Registry) DropDiagnostics(id domain.UserID) {
	if e, ok := r.entries[id]; ok {
		e.diagnostics = nil
	}
}
