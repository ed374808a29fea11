// Package diag samples peer connection statistics while someone is watching.
package diag

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/app/peers"
	"github.com/dkeye/meshvoice/internal/domain"
)

const DefaultInterval = 2 * time.Second

// Collector refreshes the registry's diagnostics cache. Refresh methods run on
// the session loop; the ticker only posts work to it.
type Collector struct {
	reg      *peers.Registry
	post     func(fn func())
	publish  func([]domain.DiagnosticsRecord)
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

func NewCollector(reg *peers.Registry, post func(fn func()), publish func([]domain.DiagnosticsRecord), interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{reg: reg, post: post, publish: publish, interval: interval, now: time.Now}
}

func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetActive starts or stops periodic sampling. Starting samples immediately.
func (c *Collector) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active == c.active {
		return
	}
	c.active = active
	if !active {
		c.cancel()
		c.cancel = nil
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.post(c.RefreshAll)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.post(func() {
				if ctx.Err() == nil {
					c.RefreshAll()
				}
			})
		}
	}
}

// RefreshAll samples every tracked peer. A peer whose stats fail is omitted
// from this cycle.
func (c *Collector) RefreshAll() {
	now := c.now()
	for _, id := range c.reg.IDs() {
		c.sample(id, now)
	}
	c.emit()
}

// RefreshPeer is the state-change trigger; it does nothing while inactive.
func (c *Collector) RefreshPeer(id domain.UserID) {
	if !c.Active() {
		return
	}
	if _, ok := c.reg.Get(id); ok {
		c.sample(id, c.now())
	}
	c.emit()
}

func (c *Collector) sample(id domain.UserID, now time.Time) {
	if _, err := c.reg.RefreshDiagnostics(id, now); err != nil {
		log.Warn().Err(err).Str("module", "diag").Str("remote", string(id)).Msg("stats sample failed")
		c.reg.DropDiagnostics(id)
	}
}

func (c *Collector) emit() {
	if c.publish != nil {
		c.publish(c.reg.Diagnostics())
	}
}

// Stop ends periodic sampling.
func (c *Collector) Stop() { c.SetActive(false) }
