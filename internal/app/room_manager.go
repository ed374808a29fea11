package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.Topic]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.Topic]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(topic domain.Topic) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[topic]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[topic]; ok {
		return room
	}
	room = core.NewRoomService(topic)
	f.rooms[topic] = room
	return room
}

func (f *RoomManagerImpl) Get(topic domain.Topic) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[topic]
	return room, ok
}

// List is ordered by topic.
func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for topic, r := range f.rooms {
		out = append(out, core.RoomInfo{
			Topic:       topic,
			MemberCount: r.MemberCount(),
			Presences:   len(r.Presences()),
		})
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		return strings.Compare(string(a.Topic), string(b.Topic))
	})
	return out
}

func (f *RoomManagerImpl) StopRoom(topic domain.Topic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, topic)
}
