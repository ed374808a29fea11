package signal

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dkeye/meshvoice/internal/core"
)

// RoomRateLimiter is a sliding-window limit on subscribe attempts per session.
// Histories expire one window after the last attempt, so reconnecting does
// not reset the count.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  *ttlcache.Cache[core.SessionID, []time.Time]
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history: ttlcache.New[core.SessionID, []time.Time](
			ttlcache.WithTTL[core.SessionID, []time.Time](interval),
			ttlcache.WithDisableTouchOnHit[core.SessionID, []time.Time](),
		),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RoomRateLimiter) Allow(sid core.SessionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.history.DeleteExpired()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	var attempts []time.Time
	if item := rl.history.Get(sid); item != nil {
		attempts = item.Value()
	}
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		return false
	}
	rl.history.Set(sid, append(fresh, now), ttlcache.DefaultTTL)
	return true
}

// Tracked is the number of sessions with a live history.
func (rl *RoomRateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.history.DeleteExpired()
	return rl.history.Len()
}
