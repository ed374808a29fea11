package core

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory topic.
// It never closes adapter-owned resources.
type roomImpl struct {
	topic    domain.Topic
	mu       sync.RWMutex
	bySID    map[SessionID]MemberSession
	presence map[SessionID]domain.PresencePayload
}

func NewRoomService(topic domain.Topic) RoomService {
	return &roomImpl{
		topic:    topic,
		bySID:    make(map[SessionID]MemberSession),
		presence: make(map[SessionID]domain.PresencePayload),
	}
}

func (r *roomImpl) Topic() domain.Topic { return r.topic }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) HasMember(sid SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySID[sid]
	return ok
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = ms
	log.Info().Str("module", "core.room").Str("topic", string(r.topic)).Str("sid", string(sid)).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, tracked := r.presence[sid]
	delete(r.presence, sid)
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("topic", string(r.topic)).Str("sid", string(sid)).Msg("member removed")
	return tracked
}

// Track stores p for a subscribed member; it reports false for non-members.
func (r *roomImpl) Track(sid SessionID, p domain.PresencePayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		return false
	}
	r.presence[sid] = p
	log.Debug().Str("module", "core.room").Str("topic", string(r.topic)).Str("sid", string(sid)).Str("user", string(p.UserID)).Msg("presence tracked")
	return true
}

func (r *roomImpl) Untrack(sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.presence[sid]; !ok {
		return false
	}
	delete(r.presence, sid)
	return true
}

// Presences returns one entry per user id ordered by join time then id.
// A user tracked from several sessions keeps the most recent join.
func (r *roomImpl) Presences() []domain.PresencePayload {
	r.mu.RLock()
	byUser := make(map[domain.UserID]domain.PresencePayload, len(r.presence))
	for _, p := range r.presence {
		if cur, ok := byUser[p.UserID]; ok && cur.JoinedAt.After(p.JoinedAt) {
			continue
		}
		byUser[p.UserID] = p
	}
	r.mu.RUnlock()

	out := make([]domain.PresencePayload, 0, len(byUser))
	for _, p := range byUser {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.PresencePayload) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.UserID), string(b.UserID))
	})
	return out
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		r.send(m, data, &res)
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) BroadcastAll(data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, m := range r.bySID {
		r.send(m, data, &res)
	}
	return res
}

func (r *roomImpl) send(m MemberSession, data Frame, res *PublishResult) {
	sc := m.Signal()
	if sc == nil {
		return
	}
	if err := sc.TrySend(data); err != nil {
		res.Dropped = append(res.Dropped, m)
		return
	}
	res.SendTo++
}
