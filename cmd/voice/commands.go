package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/adapters/term"
	"github.com/dkeye/meshvoice/internal/app/session"
	"github.com/dkeye/meshvoice/internal/app/transmit"
	"github.com/dkeye/meshvoice/internal/domain"
)

const helpText = "joined: m mute, d deafen, t mode, +/- threshold, p participants, " +
	"l devices, 1-9 input device, e enable mic, r retry ice, i diagnostics, q quit"

var modes = []domain.TransmissionMode{domain.ModeVoiceActivity, domain.ModePushToTalk, domain.ModeOpenMic}

// commands maps terminal keys onto session actions. Every event also reaches
// the push-to-talk handler; the bound key never doubles as a command.
type commands struct {
	ctrl     *session.Controller
	settings *session.SettingsCell
	quit     func()

	devices []domain.AudioDevice
	diag    bool
}

func (c *commands) handle(ev transmit.KeyEvent) {
	c.ctrl.HandleKey(ev)
	if !ev.Down || ev.Repeat {
		return
	}
	if b := c.settings.Load().PushToTalkBinding; b != nil && b.Code == ev.Code {
		return
	}

	var err error
	switch ev.Code {
	case term.CodeInterrupt, "KeyQ":
		c.quit()
	case "KeyM":
		err = c.ctrl.ToggleMute()
	case "KeyD":
		err = c.ctrl.ToggleDeafen()
	case "KeyT":
		c.cycleMode()
	case "Equal":
		c.nudgeThreshold(5)
	case "Minus":
		c.nudgeThreshold(-5)
	case "KeyP":
		c.printParticipants()
	case "KeyL":
		err = c.listDevices()
	case "KeyE":
		err = c.withTimeout(c.ctrl.EnableMicrophone)
	case "KeyR":
		err = c.ctrl.RetryICE()
	case "KeyI":
		c.diag = !c.diag
		c.ctrl.SetDiagnosticsActive(c.diag)
		log.Info().Str("module", "voice").Bool("active", c.diag).Msg("diagnostics")
	default:
		if n, ok := strings.CutPrefix(ev.Code, "Digit"); ok {
			err = c.switchInput(n)
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Str("key", ev.Code).Msg("command failed")
	}
}

func (c *commands) withTimeout(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx)
}

func (c *commands) cycleMode() {
	s := c.settings.Load()
	next := modes[0]
	for i, m := range modes {
		if m == s.Mode {
			next = modes[(i+1)%len(modes)]
		}
	}
	s.Mode = next
	c.settings.Store(s)
	c.ctrl.SettingsChanged()
	log.Info().Str("module", "voice").Str("mode", string(next)).Msg("transmission mode")
}

func (c *commands) nudgeThreshold(delta int) {
	s := c.settings.Load()
	s.VoiceActivationThreshold += delta
	c.settings.Store(s)
	c.ctrl.SettingsChanged()
	log.Info().Str("module", "voice").Int("threshold", c.settings.Threshold()).Msg("voice activation threshold")
}

func (c *commands) printParticipants() {
	st := c.ctrl.State()
	log.Info().Str("module", "voice").Str("phase", string(st.Phase)).Bool("muted", st.IsMuted).
		Bool("deafened", st.IsDeafened).Bool("listen_only", st.ListenOnly).Bool("transmitting", c.ctrl.Transmitting()).
		Float64("level", c.ctrl.Level()).Msg("self")
	for _, p := range c.ctrl.Participants() {
		log.Info().Str("module", "voice").Str("user", string(p.UserID)).Str("name", p.DisplayName).
			Bool("muted", p.Muted).Bool("deafened", p.Deafened).Bool("listen_only", p.ListenOnly).
			Int("volume", c.ctrl.RemoteVolume(p.UserID)).Msg("participant")
	}
}

func (c *commands) listDevices() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all, err := c.ctrl.Devices().ListDevices(ctx)
	if err != nil {
		return err
	}
	c.devices = c.devices[:0]
	for _, d := range all {
		if d.Kind == domain.DeviceKindInput {
			c.devices = append(c.devices, d)
		}
	}
	for i, d := range c.devices {
		log.Info().Str("module", "voice").Int("key", i+1).Str("label", d.Label).Bool("default", d.IsDefault).Msg("input device")
	}
	return nil
}

func (c *commands) switchInput(digit string) error {
	var n int
	if _, err := fmt.Sscanf(digit, "%d", &n); err != nil || n < 1 || n > len(c.devices) {
		return fmt.Errorf("no input device %s, press l to list", digit)
	}
	d := c.devices[n-1]
	if err := c.withTimeout(func(ctx context.Context) error { return c.ctrl.SwitchInputDevice(ctx, d.ID) }); err != nil {
		return err
	}
	s := c.settings.Load()
	s.InputDeviceID = d.ID
	c.settings.Store(s)
	log.Info().Str("module", "voice").Str("label", d.Label).Msg("input device switched")
	return nil
}

func observer() session.Observer {
	return session.Observer{
		OnState: func(s domain.VoiceSessionState) {
			log.Info().Str("module", "voice").Str("phase", string(s.Phase)).Bool("muted", s.IsMuted).
				Bool("deafened", s.IsDeafened).Bool("listen_only", s.ListenOnly).Msg("state")
		},
		OnParticipants: func(ps []domain.VoiceParticipant) {
			names := make([]string, 0, len(ps))
			for _, p := range ps {
				names = append(names, p.DisplayName)
			}
			log.Info().Str("module", "voice").Strs("participants", names).Msg("participants")
		},
		OnWarning: func(err error) {
			log.Warn().Err(err).Str("module", "voice").Msg("session warning")
		},
		OnTransmitting: func(on bool) {
			log.Debug().Str("module", "voice").Bool("transmitting", on).Msg("transmit")
		},
		OnDiagnostics: func(recs []domain.DiagnosticsRecord) {
			for _, r := range recs {
				log.Info().Str("module", "voice").Str("remote", string(r.UserID)).
					Str("state", r.ConnectionState).Str("ice", r.ICEConnectionState).
					Str("pair", r.SelectedPairState).Str("local", r.LocalCandidateType).Str("remote_type", r.RemoteCandidateType).
					Uint64("sent", r.BytesSent).Uint64("recv", r.BytesReceived).Msg("diagnostics")
			}
		},
	}
}
