package orch

import (
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Track stores sid's presence on its topic and resyncs every subscriber.
func (o *Orchestrator) Track(sid core.SessionID, p domain.PresencePayload) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	topic, _, ok := o.Registry.TopicOf(sid)
	if !ok {
		return false
	}
	room, ok := o.Rooms.Get(topic)
	if !ok || !room.Track(sid, p) {
		return false
	}
	o.syncLocked(room)
	return true
}

func (o *Orchestrator) Untrack(sid core.SessionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	topic, _, ok := o.Registry.TopicOf(sid)
	if !ok {
		return false
	}
	room, ok := o.Rooms.Get(topic)
	if !ok {
		return false
	}
	if room.Untrack(sid) {
		o.syncLocked(room)
	}
	return true
}

// syncLocked sends the full presence set to every subscriber of room.
func (o *Orchestrator) syncLocked(room core.RoomService) {
	frame, err := encode(domain.Envelope{
		Type:      domain.EnvPresenceSync,
		Topic:     room.Topic(),
		Presences: room.Presences(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("encode presence sync")
		return
	}
	res := room.BroadcastAll(frame)
	log.Debug().Str("module", "app.orch").Str("topic", string(room.Topic())).Int("sent_to", res.SendTo).Msg("presence sync")
	for _, sid := range o.slowMembers(room, res) {
		o.kickLocked(sid)
	}
}
