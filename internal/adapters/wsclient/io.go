package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/domain"
)

func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn) {
	t.mu.Lock()
	send := t.send
	done := t.done
	t.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Msg("writePump write error")
				_ = conn.Close()
				return
			}
		}
	}
}

// readPump dispatches hub envelopes until the connection ends, then closes
// done. Losing a confirmed subscription without Unsubscribe fires onClosed.
func (t *Transport) readPump(conn *websocket.Conn) {
	var readErr error
	defer func() {
		t.mu.Lock()
		close(t.done)
		lost := t.subscribed && !t.closed
		t.subscribed = false
		fn := t.onClosed
		t.mu.Unlock()
		if !lost {
			return
		}
		log.Warn().Err(readErr).Str("module", "wsclient").Str("topic", string(t.topic)).Msg("hub connection lost")
		if fn != nil {
			fn(fmt.Errorf("%w: %w", domain.ErrTransport, readErr))
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("module", "wsclient").Msg("readPump read error")
			}
			return
		}
		t.handle(data)
	}
}

func (t *Transport) handle(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "wsclient").Msg("bad envelope")
		return
	}
	switch env.Type {
	case domain.EnvSubscribed:
		t.mu.Lock()
		t.subscribed = !t.closed
		t.mu.Unlock()
		t.confirm(nil)
	case domain.EnvPresenceSync:
		if env.Topic != t.topic {
			return
		}
		t.mu.Lock()
		fn := t.onSync
		t.mu.Unlock()
		if fn != nil {
			fn(env.Presences)
		}
	case domain.EnvBroadcast:
		if env.Topic != t.topic || env.Event != domain.EventSignal {
			return
		}
		var msg domain.SignalMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad signal payload")
			return
		}
		t.mu.Lock()
		fn := t.onBroadcast
		t.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	case domain.EnvError:
		log.Warn().Str("module", "wsclient").Str("error", env.Error).Msg("hub error")
		t.confirm(fmt.Errorf("%w: %s", ErrRejected, env.Error))
	case domain.EnvPong:
	default:
		log.Debug().Str("module", "wsclient").Str("type", string(env.Type)).Msg("unknown envelope")
	}
}

// confirm resolves a pending Subscribe; later calls are no-ops.
func (t *Transport) confirm(err error) {
	t.mu.Lock()
	ch := t.confirmed
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
