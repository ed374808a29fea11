package signal

import "github.com/dkeye/meshvoice/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, domain.Envelope{Type: domain.EnvPong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, reason string) {
	ctl.sendJSON(conn, domain.Envelope{Type: domain.EnvError, Error: reason})
}
