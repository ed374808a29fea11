// Package wsclient is the client side of the hub websocket protocol.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

const (
	signalPath = "/api/ws/signal"
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// ErrRejected wraps an error envelope received while subscribing.
var ErrRejected = errors.New("hub rejected subscription")

// Factory implements core.TransportFactory against one hub.
type Factory struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

// NewFactory derives the websocket endpoint from the hub's http(s) base URL.
func NewFactory(serverURL string) (*Factory, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + signalPath
	return &Factory{URL: u.String(), Dialer: websocket.DefaultDialer}, nil
}

func (f *Factory) ForChannel(key domain.ChannelKey) core.SignalingTransport {
	return &Transport{
		url:    f.URL,
		dialer: f.Dialer,
		header: f.Header,
		topic:  key.Topic(),
	}
}

// Transport is one websocket connection subscribed to one topic.
// It is single use: after Unsubscribe a new Transport is needed.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	topic  domain.Topic

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	cancel      context.CancelFunc
	confirmed   chan error
	subscribed  bool
	closed      bool
	onSync      func([]domain.PresencePayload)
	onBroadcast func(domain.SignalMessage)
	onClosed    func(error)
}

func (t *Transport) OnPresenceSync(fn func([]domain.PresencePayload)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSync = fn
}

func (t *Transport) OnBroadcast(fn func(domain.SignalMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBroadcast = fn
}

func (t *Transport) OnClosed(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

// Subscribe dials the hub and waits for the subscription to be confirmed.
// ctx bounds only the handshake; the connection lives until Unsubscribe.
func (t *Transport) Subscribe(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil || t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport already used", domain.ErrInvalidState)
	}
	t.mu.Unlock()

	dialer := t.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	life, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
		return fmt.Errorf("%w: unsubscribed while dialing", domain.ErrTransport)
	}
	t.conn = conn
	t.send = make(chan []byte, sendBuffer)
	t.done = make(chan struct{})
	t.cancel = cancel
	t.confirmed = make(chan error, 1)
	confirmed, done := t.confirmed, t.done
	t.mu.Unlock()

	go t.writePump(life, conn)
	go t.readPump(conn)

	if err := t.enqueue(ctx, domain.Envelope{Type: domain.EnvSubscribe, Topic: t.topic}); err != nil {
		t.shutdown()
		return err
	}

	select {
	case err := <-confirmed:
		if err != nil {
			t.shutdown()
			return err
		}
		log.Info().Str("module", "wsclient").Str("topic", string(t.topic)).Msg("subscribed")
		return nil
	case <-done:
		// A confirmation read just before the close still counts; the loss is
		// then reported through onClosed.
		select {
		case err := <-confirmed:
			if err == nil {
				return nil
			}
			t.shutdown()
			return err
		default:
		}
		t.shutdown()
		return fmt.Errorf("%w: connection closed before subscription confirmed", domain.ErrTransport)
	case <-ctx.Done():
		t.shutdown()
		return ctx.Err()
	}
}

// Unsubscribe leaves the topic and closes the connection. Safe to repeat.
func (t *Transport) Unsubscribe() error {
	t.mu.Lock()
	wasSubscribed := t.subscribed
	t.subscribed = false
	t.mu.Unlock()
	if wasSubscribed {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_ = t.enqueue(ctx, domain.Envelope{Type: domain.EnvUnsubscribe})
		cancel()
	}
	t.shutdown()
	return nil
}

func (t *Transport) PublishPresence(ctx context.Context, p domain.PresencePayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return t.publish(ctx, domain.Envelope{Type: domain.EnvTrack, Payload: payload})
}

func (t *Transport) UntrackPresence(ctx context.Context) error {
	return t.publish(ctx, domain.Envelope{Type: domain.EnvUntrack})
}

func (t *Transport) Broadcast(ctx context.Context, msg domain.SignalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return t.publish(ctx, domain.Envelope{Type: domain.EnvBroadcast, Event: domain.EventSignal, Payload: payload})
}

func (t *Transport) publish(ctx context.Context, env domain.Envelope) error {
	t.mu.Lock()
	ok := t.subscribed
	t.mu.Unlock()
	if !ok {
		return domain.ErrNotSubscribed
	}
	return t.enqueue(ctx, env)
}

// enqueue hands env to the write pump.
func (t *Transport) enqueue(ctx context.Context, env domain.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	t.mu.Lock()
	send, done := t.send, t.done
	t.mu.Unlock()
	if send == nil {
		return domain.ErrNotSubscribed
	}
	select {
	case send <- b:
		return nil
	case <-done:
		return fmt.Errorf("%w: connection closed", domain.ErrTransport)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.subscribed = false
	conn, cancel := t.conn, t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}
