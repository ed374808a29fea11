package domain

import "encoding/json"

type EnvelopeType string

// Client to hub.
const (
	EnvSubscribe   EnvelopeType = "subscribe"
	EnvUnsubscribe EnvelopeType = "unsubscribe"
	EnvTrack       EnvelopeType = "track"
	EnvUntrack     EnvelopeType = "untrack"
	EnvBroadcast   EnvelopeType = "broadcast"
	EnvPing        EnvelopeType = "ping"
)

// Hub to client. EnvBroadcast is reused for delivered broadcasts.
const (
	EnvSubscribed   EnvelopeType = "subscribed"
	EnvPresenceSync EnvelopeType = "presence_sync"
	EnvError        EnvelopeType = "error"
	EnvPong         EnvelopeType = "pong"
)

// EventSignal is the only broadcast event the hub relays.
const EventSignal = "signal"

// Envelope is one JSON frame on the hub websocket.
type Envelope struct {
	Type      EnvelopeType      `json:"type"`
	Topic     Topic             `json:"topic,omitempty"`
	Event     string            `json:"event,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Presences []PresencePayload `json:"presences,omitempty"`
	Error     string            `json:"error,omitempty"`
}
