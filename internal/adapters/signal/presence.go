package signal

import (
	"encoding/json"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleTrack(sid core.SessionID, conn *WsSignalConn, env domain.Envelope) {
	var p domain.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" || len(p.UserID) > domain.MaxUserIDLen {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("bad presence payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if len(p.DisplayName) > domain.MaxUsernameLen {
		p.DisplayName = p.DisplayName[:domain.MaxUsernameLen]
	}
	if !ctl.Orch.Track(sid, p) {
		ctl.sendError(conn, "not_subscribed")
	}
}

func (ctl *SignalWSController) handleUntrack(sid core.SessionID) {
	ctl.Orch.Untrack(sid)
}
