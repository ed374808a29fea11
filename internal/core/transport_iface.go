package core

import (
	"context"

	"github.com/dkeye/meshvoice/internal/domain"
)

// SignalingTransport is a room-scoped pub/sub channel with presence.
// Handlers must be registered before Subscribe.
type SignalingTransport interface {
	// Subscribe blocks until the hub confirms the subscription or ctx ends.
	Subscribe(ctx context.Context) error
	Unsubscribe() error

	PublishPresence(ctx context.Context, p domain.PresencePayload) error
	UntrackPresence(ctx context.Context) error
	Broadcast(ctx context.Context, msg domain.SignalMessage) error

	OnPresenceSync(func([]domain.PresencePayload))
	OnBroadcast(func(domain.SignalMessage))
	// OnClosed fires once if the connection ends without Unsubscribe.
	OnClosed(func(error))
}

// TransportFactory opens a transport scoped to one voice channel.
type TransportFactory interface {
	ForChannel(key domain.ChannelKey) SignalingTransport
}

// ICEConfigProvider resolves the ICE servers for a channel at join time.
type ICEConfigProvider interface {
	Fetch(ctx context.Context, key domain.ChannelKey) (domain.ICEConfig, error)
}
