package orch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/meshvoice/internal/app"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator owns hub membership: which connection listens on which topic
// and what presence each one tracks.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy

	// mu orders membership changes so presence syncs reach clients in order.
	mu sync.Mutex
}

// Attach binds a new connection. A previous connection under the same sid
// loses its membership first.
func (o *Orchestrator) Attach(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.Registry.GetSession(sid); ok && prev != sess {
		o.leaveLocked(sid)
	}
	o.Registry.BindSignal(sid, sess, cancel)
}

// Detach runs when a connection's read loop ends.
func (o *Orchestrator) Detach(sid core.SessionID, sess core.MemberSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.Registry.GetSession(sid); !ok || cur != sess {
		return
	}
	o.leaveLocked(sid)
	o.Registry.Unbind(sid, sess)
}

// Broadcast relays payload to every other subscriber of the sender's topic.
func (o *Orchestrator) Broadcast(sid core.SessionID, payload json.RawMessage) bool {
	topic, _, ok := o.Registry.TopicOf(sid)
	if !ok {
		return false
	}
	room, ok := o.Rooms.Get(topic)
	if !ok {
		return false
	}
	frame, err := encode(domain.Envelope{Type: domain.EnvBroadcast, Topic: topic, Event: domain.EventSignal, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("encode broadcast")
		return false
	}
	res := room.Broadcast(sid, frame)
	if kicks := o.slowMembers(room, res); len(kicks) > 0 {
		o.mu.Lock()
		for _, k := range kicks {
			o.kickLocked(k)
		}
		o.mu.Unlock()
	}
	return true
}

// slowMembers applies the policy to dropped deliveries and returns who to kick.
func (o *Orchestrator) slowMembers(room core.RoomService, res core.PublishResult) []core.SessionID {
	if o.Policy == nil {
		return nil
	}
	var kicks []core.SessionID
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			if sid, ok := o.Registry.SIDOf(slow); ok {
				kicks = append(kicks, sid)
			}
		case app.DropFrame, app.NoAction:
			log.Warn().Str("module", "app.orch").Str("topic", string(room.Topic())).Msg("frame dropped for slow member")
		}
	}
	return kicks
}

func encode(env domain.Envelope) (core.Frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
