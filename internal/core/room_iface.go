package core

import (
	"github.com/dkeye/meshvoice/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of one topic on the hub.
// It owns the subscriber and presence sets but never touches transport resources.
type RoomService interface {
	Topic() domain.Topic
	MemberCount() int
	HasMember(sid SessionID) bool

	AddMember(sid SessionID, ms MemberSession)
	// RemoveMember reports whether the member had tracked presence.
	RemoveMember(sid SessionID) bool

	Track(sid SessionID, p domain.PresencePayload) bool
	Untrack(sid SessionID) bool
	Presences() []domain.PresencePayload

	Broadcast(from SessionID, data Frame) PublishResult
	BroadcastAll(data Frame) PublishResult
}

type RoomInfo struct {
	Topic       domain.Topic `json:"topic"`
	MemberCount int          `json:"client_count"`
	Presences   int          `json:"presence_count"`
}

type RoomManager interface {
	GetOrCreate(topic domain.Topic) RoomService
	Get(topic domain.Topic) (RoomService, bool)
	List() []RoomInfo
	StopRoom(topic domain.Topic)
}
