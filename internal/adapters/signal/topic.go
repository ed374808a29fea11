package signal

import (
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleSubscribe(sid core.SessionID, conn *WsSignalConn, env domain.Envelope) {
	key, err := domain.ParseTopic(string(env.Topic))
	if err != nil {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("topic", string(env.Topic)).Msg("bad topic")
		ctl.sendError(conn, "bad_topic")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("subscribe rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("topic", key.String()).Msg("subscribe")
	if !ctl.Orch.Subscribe(sid, key.Topic()) {
		ctl.sendError(conn, "subscribe_failed")
	}
}

func (ctl *SignalWSController) handleUnsubscribe(sid core.SessionID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("unsubscribe")
	ctl.Orch.Unsubscribe(sid)
}
