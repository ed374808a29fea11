package orch

import (
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Subscribe moves sid onto topic, confirms it and sends the current presence set.
func (o *Orchestrator) Subscribe(sid core.SessionID, topic domain.Topic) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return false
	}
	if cur, _, ok := o.Registry.TopicOf(sid); ok {
		if cur == topic {
			return o.confirmLocked(session, o.Rooms.GetOrCreate(topic))
		}
		o.leaveLocked(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from_topic", string(cur)).Msg("left previous topic")
	}
	room := o.Rooms.GetOrCreate(topic)
	room.AddMember(sid, session)
	o.Registry.SetTopic(sid, topic)
	return o.confirmLocked(session, room)
}

func (o *Orchestrator) confirmLocked(session core.MemberSession, room core.RoomService) bool {
	sc := session.Signal()
	if sc == nil {
		return false
	}
	for _, env := range []domain.Envelope{
		{Type: domain.EnvSubscribed, Topic: room.Topic()},
		{Type: domain.EnvPresenceSync, Topic: room.Topic(), Presences: room.Presences()},
	} {
		frame, err := encode(env)
		if err != nil {
			log.Error().Err(err).Str("module", "app.orch").Msg("encode confirm")
			return false
		}
		if err := sc.TrySend(frame); err != nil {
			return false
		}
	}
	return true
}

func (o *Orchestrator) Unsubscribe(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaveLocked(sid)
}

// KickBySID drops sid's membership and closes its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kickLocked(sid)
}

func (o *Orchestrator) kickLocked(sid core.SessionID) {
	o.leaveLocked(sid)
	o.Registry.Cancel(sid)
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Msg("kicked")
}

func (o *Orchestrator) leaveLocked(sid core.SessionID) {
	topic, _, ok := o.Registry.TopicOf(sid)
	if !ok {
		return
	}
	o.Registry.ClearTopic(sid)
	room, ok := o.Rooms.Get(topic)
	if !ok {
		return
	}
	tracked := room.RemoveMember(sid)
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(topic)
		return
	}
	if tracked {
		o.syncLocked(room)
	}
}

// EvictTopic disconnects every subscriber of topic.
func (o *Orchestrator) EvictTopic(topic domain.Topic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, snap := range o.Registry.MembersOfTopic(topic) {
		o.kickLocked(snap.SID)
	}
	o.Rooms.StopRoom(topic)
}
