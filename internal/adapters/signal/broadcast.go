package signal

import (
	"encoding/json"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleBroadcast relays a signal message. The hub checks its shape but never
// interprets the SDP or candidate.
func (ctl *SignalWSController) handleBroadcast(sid core.SessionID, conn *WsSignalConn, env domain.Envelope) {
	if env.Event != domain.EventSignal {
		ctl.sendError(conn, "unknown_event")
		return
	}
	var msg domain.SignalMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.From == "" {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("bad signal payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	switch msg.Type {
	case domain.SignalOffer, domain.SignalAnswer, domain.SignalICE:
	default:
		ctl.sendError(conn, "bad_payload")
		return
	}
	if !ctl.Orch.Broadcast(sid, env.Payload) {
		ctl.sendError(conn, "not_subscribed")
	}
}
