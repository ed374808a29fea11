package session

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// bus is an in-memory hub: topic-scoped presence plus broadcast to every
// other subscriber, delivered synchronously.
type bus struct {
	mu       sync.Mutex
	subs     map[domain.Topic]map[*busTransport]struct{}
	presence map[domain.Topic]map[*busTransport]domain.PresencePayload

	// hold makes Subscribe wait for its context; subscribing is signalled first.
	hold        bool
	subscribing chan struct{}
}

func newBus() *bus {
	return &bus{
		subs:        make(map[domain.Topic]map[*busTransport]struct{}),
		presence:    make(map[domain.Topic]map[*busTransport]domain.PresencePayload),
		subscribing: make(chan struct{}, 8),
	}
}

func (b *bus) ForChannel(key domain.ChannelKey) core.SignalingTransport {
	return &busTransport{bus: b, topic: key.Topic()}
}

func (b *bus) setHold(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = v
}

// present reports whether user has a presence entry on topic.
func (b *bus) present(topic domain.Topic, user domain.UserID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.presence[topic] {
		if p.UserID == user {
			return true
		}
	}
	return false
}

// drop cuts user's connection as a failing hub would: its subscription and
// presence vanish, the others get a sync and the dropped transport reports err.
func (b *bus) drop(topic domain.Topic, user domain.UserID, err error) bool {
	b.mu.Lock()
	var victim *busTransport
	for t, p := range b.presence[topic] {
		if p.UserID == user {
			victim = t
		}
	}
	if victim != nil {
		delete(b.subs[topic], victim)
		delete(b.presence[topic], victim)
	}
	b.mu.Unlock()
	if victim == nil {
		return false
	}
	b.sync(topic)
	victim.mu.Lock()
	fn := victim.onClosed
	victim.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return true
}

func (b *bus) subscribers(topic domain.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// sync sends the full presence set to every subscriber of topic.
func (b *bus) sync(topic domain.Topic) {
	b.mu.Lock()
	list := make([]domain.PresencePayload, 0, len(b.presence[topic]))
	for _, p := range b.presence[topic] {
		list = append(list, p)
	}
	slices.SortFunc(list, func(x, y domain.PresencePayload) int {
		if c := x.JoinedAt.Compare(y.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(string(x.UserID), string(y.UserID))
	})
	var handlers []func([]domain.PresencePayload)
	for t := range b.subs[topic] {
		if fn := t.syncHandler(); fn != nil {
			handlers = append(handlers, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(slices.Clone(list))
	}
}

type busTransport struct {
	bus   *bus
	topic domain.Topic

	mu          sync.Mutex
	onSync      func([]domain.PresencePayload)
	onBroadcast func(domain.SignalMessage)
	onClosed    func(error)
}

func (t *busTransport) OnClosed(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *busTransport) OnPresenceSync(fn func([]domain.PresencePayload)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSync = fn
}

func (t *busTransport) OnBroadcast(fn func(domain.SignalMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBroadcast = fn
}

func (t *busTransport) syncHandler() func([]domain.PresencePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onSync
}

func (t *busTransport) broadcastHandler() func(domain.SignalMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onBroadcast
}

func (t *busTransport) Subscribe(ctx context.Context) error {
	b := t.bus
	b.mu.Lock()
	hold := b.hold
	b.mu.Unlock()
	if hold {
		b.subscribing <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	if b.subs[t.topic] == nil {
		b.subs[t.topic] = make(map[*busTransport]struct{})
	}
	b.subs[t.topic][t] = struct{}{}
	b.mu.Unlock()
	b.sync(t.topic)
	return nil
}

func (t *busTransport) Unsubscribe() error {
	b := t.bus
	b.mu.Lock()
	_, subscribed := b.subs[t.topic][t]
	delete(b.subs[t.topic], t)
	delete(b.presence[t.topic], t)
	b.mu.Unlock()
	if subscribed {
		b.sync(t.topic)
	}
	return nil
}

func (t *busTransport) PublishPresence(_ context.Context, p domain.PresencePayload) error {
	b := t.bus
	b.mu.Lock()
	if _, ok := b.subs[t.topic][t]; !ok {
		b.mu.Unlock()
		return domain.ErrNotSubscribed
	}
	if b.presence[t.topic] == nil {
		b.presence[t.topic] = make(map[*busTransport]domain.PresencePayload)
	}
	b.presence[t.topic][t] = p
	b.mu.Unlock()
	b.sync(t.topic)
	return nil
}

func (t *busTransport) UntrackPresence(context.Context) error {
	b := t.bus
	b.mu.Lock()
	_, tracked := b.presence[t.topic][t]
	delete(b.presence[t.topic], t)
	b.mu.Unlock()
	if tracked {
		b.sync(t.topic)
	}
	return nil
}

func (t *busTransport) Broadcast(_ context.Context, msg domain.SignalMessage) error {
	b := t.bus
	b.mu.Lock()
	if _, ok := b.subs[t.topic][t]; !ok {
		b.mu.Unlock()
		return domain.ErrNotSubscribed
	}
	var handlers []func(domain.SignalMessage)
	for other := range b.subs[t.topic] {
		if other == t {
			continue
		}
		if fn := other.broadcastHandler(); fn != nil {
			handlers = append(handlers, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

// staticICE implements core.ICEConfigProvider.
type staticICE struct {
	cfg domain.ICEConfig
	err error
}

func (s staticICE) Fetch(ctx context.Context, _ domain.ChannelKey) (domain.ICEConfig, error) {
	if err := ctx.Err(); err != nil {
		return domain.ICEConfig{}, err
	}
	return s.cfg, s.err
}
