// Package session is the voice-session state machine. It owns the session
// flags and drives presence reconciliation, signaling, devices and the
// transmit decision from a single loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/app/devices"
	"github.com/dkeye/meshvoice/internal/app/diag"
	"github.com/dkeye/meshvoice/internal/app/peers"
	"github.com/dkeye/meshvoice/internal/app/presence"
	"github.com/dkeye/meshvoice/internal/app/transmit"
	"github.com/dkeye/meshvoice/internal/app/vad"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

const (
	DefaultSubscribeTimeout = 12 * time.Second
	publishTimeout          = 5 * time.Second
)

// Observer receives session updates on the session loop. Callbacks must not
// call back into the Controller synchronously.
type Observer struct {
	OnState        func(domain.VoiceSessionState)
	OnParticipants func([]domain.VoiceParticipant)
	// OnWarning reports non-fatal problems: degraded ICE, listen-only fallback, device loss.
	OnWarning      func(error)
	OnDiagnostics  func([]domain.DiagnosticsRecord)
	OnTransmitting func(bool)
}

type Options struct {
	Self        domain.UserID
	DisplayName string

	Transports core.TransportFactory
	ICE        core.ICEConfigProvider
	Peers      core.PeerFactory
	Audio      core.AudioBackend
	Tracks     core.TrackFactory
	Playback   core.Playback
	Settings   *SettingsCell
	Observer   Observer

	SubscribeTimeout    time.Duration
	DiagnosticsInterval time.Duration
}

type JoinRequest struct {
	Channel domain.ChannelKey
	// CanSpeak is false for members without voice permission; they join listen-only.
	CanSpeak    bool
	DisplayName string
}

// Controller fields below the loop are owned by the session loop.
type Controller struct {
	opts     Options
	loop     *loop
	devices  *devices.Manager
	analyzer *vad.Analyzer
	diag     *diag.Collector

	reg    *peers.Registry
	router *peers.Router

	state          domain.VoiceSessionState
	gen            uint64
	joinCancel     context.CancelFunc
	transport      core.SignalingTransport
	displayName    string
	joinedAt       time.Time
	participants   []domain.VoiceParticipant
	volumes        map[domain.UserID]int
	ptt            transmit.PushToTalk
	preDeafenMuted bool
	transmitting   bool
}

func NewController(opts Options) *Controller {
	if opts.Settings == nil {
		opts.Settings = NewSettingsCell(domain.DefaultTransmissionSettings())
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	c := &Controller{
		opts:    opts,
		loop:    newLoop(),
		state:   domain.VoiceSessionState{Phase: domain.PhaseIdle},
		volumes: make(map[domain.UserID]int),
	}
	c.analyzer = vad.NewAnalyzer(opts.Settings.Threshold, func(bool) {
		c.loop.post(c.applyTransmission)
	})
	c.devices = devices.NewManager(devices.Options{
		Backend:  opts.Audio,
		Tracks:   opts.Tracks,
		Playback: opts.Playback,
		Tap:      c.analyzer.Feed,
		OnDeviceLost: func(id string) {
			c.loop.post(func() { c.onDeviceLost(id) })
		},
	})
	c.reg = peers.NewRegistry(peers.Options{
		Self:     opts.Self,
		Factory:  opts.Peers,
		Send:     c.sendSignal,
		Post:     func(fn func()) { c.loop.post(fn) },
		Playback: opts.Playback,
		OnRemoved: func(id domain.UserID) {
			c.diag.RefreshPeer(id)
		},
		OnStateChange: func(id domain.UserID) {
			c.diag.RefreshPeer(id)
		},
	})
	c.router = peers.NewRouter(opts.Self, c.reg, c.isPresent)
	c.diag = diag.NewCollector(c.reg, func(fn func()) { c.loop.post(fn) }, func(recs []domain.DiagnosticsRecord) {
		if c.opts.Observer.OnDiagnostics != nil {
			c.opts.Observer.OnDiagnostics(recs)
		}
	}, opts.DiagnosticsInterval)
	return c
}

func (c *Controller) Self() domain.UserID { return c.opts.Self }

// Devices exposes device enumeration and the current outgoing track.
func (c *Controller) Devices() *devices.Manager { return c.devices }

// Level is the current input level on the 0..100 threshold scale.
func (c *Controller) Level() float64 { return c.analyzer.CurrentLevel() }

// joinAttempt tracks what one Join acquired so a superseded attempt can give it back.
type joinAttempt struct {
	gen   uint64
	track core.OutgoingTrack
	tr    core.SignalingTransport
}

// Join connects to req.Channel. It is only valid while idle. Blocking I/O
// runs on the caller's goroutine; each step re-checks that no Leave or newer
// Join superseded this attempt.
func (c *Controller) Join(ctx context.Context, req JoinRequest) error {
	a := &joinAttempt{}
	var jctx context.Context
	var err error
	if cerr := c.loop.call(func() {
		if c.state.Phase != domain.PhaseIdle {
			err = fmt.Errorf("join from %s: %w", c.state.Phase, domain.ErrInvalidState)
			return
		}
		c.gen++
		a.gen = c.gen
		jctx, c.joinCancel = context.WithCancel(ctx)
		c.displayName = req.DisplayName
		if c.displayName == "" {
			c.displayName = c.opts.DisplayName
		}
		c.state = domain.VoiceSessionState{Phase: domain.PhaseJoining, Joining: true, Channel: req.Channel}
		c.emitState()
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	logger := log.With().Str("module", "session").Str("user", string(c.opts.Self)).Str("topic", string(req.Channel.Topic())).Logger()
	logger.Info().Bool("can_speak", req.CanSpeak).Msg("joining")

	iceCfg, err := c.opts.ICE.Fetch(jctx, req.Channel)
	if err != nil {
		return c.failJoin(a, fmt.Errorf("ice config: %w", err))
	}
	if iceCfg.Degraded {
		c.warn(fmt.Errorf("%w: using public STUN fallback", domain.ErrICEUnavailable))
	}

	listenOnly := !req.CanSpeak
	if req.CanSpeak {
		a.track, err = c.devices.AcquireCapture(jctx, c.opts.Settings.Load().InputDeviceID)
		if err != nil {
			if jctx.Err() != nil {
				return c.failJoin(a, jctx.Err())
			}
			logger.Warn().Err(err).Msg("capture unavailable, joining listen-only")
			c.warn(fmt.Errorf("joining listen-only: %w", err))
			listenOnly = true
		}
	}

	a.tr = c.opts.Transports.ForChannel(req.Channel)
	gen := a.gen
	a.tr.OnPresenceSync(func(ps []domain.PresencePayload) {
		c.loop.post(func() { c.onPresence(gen, ps) })
	})
	a.tr.OnBroadcast(func(msg domain.SignalMessage) {
		c.loop.post(func() { c.onSignal(gen, msg) })
	})
	a.tr.OnClosed(func(err error) {
		c.loop.post(func() { c.onTransportLost(gen, err) })
	})

	stale := false
	if cerr := c.loop.call(func() {
		if !c.current(a.gen) {
			stale = true
			return
		}
		c.transport = a.tr
		c.state.ListenOnly = listenOnly
		c.reg.SetConfiguration(iceCfg.WebRTC())
		if a.track != nil && !listenOnly {
			c.reg.SetOutgoingTrack(a.track.Local())
		}
	}); cerr != nil {
		stale = true
	}
	if stale {
		return c.failJoin(a, domain.ErrJoinAborted)
	}

	sctx, cancel := context.WithTimeout(jctx, c.opts.SubscribeTimeout)
	err = a.tr.Subscribe(sctx)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded) && jctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut {
			err = domain.ErrSubscribeTimeout
		} else if !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: %w", domain.ErrTransport, err)
		}
		return c.failJoin(a, fmt.Errorf("subscribe: %w", err))
	}

	if cerr := c.loop.call(func() {
		if !c.current(a.gen) {
			stale = true
			return
		}
		c.joinCancel()
		c.joinCancel = nil
		c.joinedAt = time.Now().UTC()
		c.state.Phase = domain.PhaseJoined
		c.state.Joined = true
		c.state.Joining = false
		if !c.state.ListenOnly {
			c.analyzer.Start()
		}
		c.publishPresence()
		c.applyTransmission()
		c.emitState()
	}); cerr != nil {
		stale = true
	}
	if stale {
		return c.failJoin(a, domain.ErrJoinAborted)
	}
	logger.Info().Bool("listen_only", listenOnly).Msg("joined")
	return nil
}

// current reports whether gen is the live join attempt.
func (c *Controller) current(gen uint64) bool {
	return c.gen == gen && c.state.Phase == domain.PhaseJoining
}

// failJoin rolls the session back to idle when a is still the live attempt,
// then returns whatever a acquired that teardown did not already release.
func (c *Controller) failJoin(a *joinAttempt, err error) error {
	superseded := false
	_ = c.loop.call(func() {
		if !c.current(a.gen) {
			superseded = true
			return
		}
		c.teardown()
		c.emitState()
	})
	if a.track != nil {
		c.devices.Discard(a.track)
	}
	if a.tr != nil {
		if uerr := a.tr.Unsubscribe(); uerr != nil {
			log.Debug().Err(uerr).Str("module", "session").Msg("unsubscribe after failed join")
		}
	}
	if superseded && !errors.Is(err, domain.ErrJoinAborted) {
		err = fmt.Errorf("%w: %w", domain.ErrJoinAborted, err)
	}
	log.Warn().Err(err).Str("module", "session").Str("user", string(c.opts.Self)).Msg("join failed")
	return err
}

// Leave tears the session down from any non-idle phase, aborting a join in flight.
func (c *Controller) Leave() error {
	var err error
	if cerr := c.loop.call(func() {
		if c.state.Phase == domain.PhaseIdle {
			err = fmt.Errorf("leave while idle: %w", domain.ErrInvalidState)
			return
		}
		c.state.Phase = domain.PhaseLeaving
		c.emitState()
		c.gen++
		c.teardown()
		c.emitState()
	}); cerr != nil {
		return cerr
	}
	if err == nil {
		log.Info().Str("module", "session").Str("user", string(c.opts.Self)).Msg("left")
	}
	return err
}

// teardown releases every session resource and resets the flags to idle.
func (c *Controller) teardown() {
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	c.analyzer.Stop()
	c.ptt.Release()
	c.reg.CloseAll()
	c.reg.SetOutgoingTrack(nil)
	c.devices.Release()
	if c.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := c.transport.UntrackPresence(ctx); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("untrack presence")
		}
		cancel()
		if err := c.transport.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("unsubscribe")
		}
		c.transport = nil
	}
	c.participants = nil
	clear(c.volumes)
	c.preDeafenMuted = false
	c.joinedAt = time.Time{}
	c.state = domain.VoiceSessionState{Phase: domain.PhaseIdle}
	c.setTransmitting(false)
	if c.opts.Playback != nil {
		c.opts.Playback.SetDeafened(false)
	}
	if c.opts.Observer.OnParticipants != nil {
		c.opts.Observer.OnParticipants(nil)
	}
}

func (c *Controller) live(gen uint64) bool {
	return c.gen == gen && (c.state.Phase == domain.PhaseJoining || c.state.Phase == domain.PhaseJoined)
}

func (c *Controller) onPresence(gen uint64, ps []domain.PresencePayload) {
	if !c.live(gen) {
		return
	}
	c.participants = domain.RemoteParticipants(c.opts.Self, ps)
	plan := presence.Reconcile(c.opts.Self, c.reg.IDs(), presence.IDs(c.participants))
	for _, id := range plan.Close {
		c.reg.Close(id)
	}
	for _, act := range plan.Ensure {
		if _, err := c.reg.Ensure(act.ID, act.Initiator); err != nil {
			log.Error().Err(err).Str("module", "session").Str("remote", string(act.ID)).Msg("ensure peer")
		}
	}
	present := make(map[domain.UserID]struct{}, len(c.participants))
	for _, p := range c.participants {
		present[p.UserID] = struct{}{}
	}
	for id := range c.volumes {
		if _, ok := present[id]; !ok {
			delete(c.volumes, id)
		}
	}
	if c.opts.Observer.OnParticipants != nil {
		c.opts.Observer.OnParticipants(append([]domain.VoiceParticipant(nil), c.participants...))
	}
}

// isPresent reports whether id is in the last presence snapshot.
func (c *Controller) isPresent(id domain.UserID) bool {
	for _, p := range c.participants {
		if p.UserID == id {
			return true
		}
	}
	return false
}

// onTransportLost ends the session when the hub connection drops under it.
// A join still in flight sees the bumped generation and fails as aborted.
func (c *Controller) onTransportLost(gen uint64, err error) {
	if !c.live(gen) {
		return
	}
	c.warn(fmt.Errorf("hub connection lost, left channel: %w", err))
	c.state.Phase = domain.PhaseLeaving
	c.emitState()
	c.gen++
	c.teardown()
	c.emitState()
}

func (c *Controller) onSignal(gen uint64, msg domain.SignalMessage) {
	if !c.live(gen) {
		return
	}
	c.router.Handle(msg)
}

func (c *Controller) sendSignal(msg domain.SignalMessage) {
	if c.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.transport.Broadcast(ctx, msg); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("type", string(msg.Type)).Str("remote", string(msg.To)).Msg("signal send failed")
	}
}

func (c *Controller) publishPresence() {
	if c.transport == nil || c.state.Phase != domain.PhaseJoined {
		return
	}
	p := domain.PresencePayload{
		UserID:      c.opts.Self,
		DisplayName: c.displayName,
		Muted:       c.state.IsMuted,
		Deafened:    c.state.IsDeafened,
		ListenOnly:  c.state.ListenOnly,
		JoinedAt:    c.joinedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.transport.PublishPresence(ctx, p); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("publish presence")
	}
}

// applyTransmission recomputes the transmit decision and applies it to the
// outgoing track's enabled flag.
func (c *Controller) applyTransmission() {
	s := c.opts.Settings.Load()
	on := c.state.Phase == domain.PhaseJoined && transmit.ShouldTransmit(transmit.Inputs{
		ListenOnly: c.state.ListenOnly,
		Muted:      c.state.IsMuted,
		Deafened:   c.state.IsDeafened,
		Mode:       s.Mode,
		GateOpen:   c.analyzer.Open(),
		KeyHeld:    c.ptt.Held(s.PushToTalkBinding),
	})
	if track := c.devices.Track(); track != nil {
		track.SetEnabled(on)
	}
	c.setTransmitting(on)
}

func (c *Controller) setTransmitting(on bool) {
	if on == c.transmitting {
		return
	}
	c.transmitting = on
	if c.opts.Observer.OnTransmitting != nil {
		c.opts.Observer.OnTransmitting(on)
	}
}

func (c *Controller) onDeviceLost(deviceID string) {
	if c.state.Phase != domain.PhaseJoined || c.state.ListenOnly {
		return
	}
	c.warn(fmt.Errorf("input %q lost, now listen-only: %w", deviceID, domain.ErrDeviceUnavailable))
	c.analyzer.Stop()
	c.reg.ReplaceOutgoingTrack(nil, false)
	c.devices.Release()
	c.state.ListenOnly = true
	c.setTransmitting(false)
	c.publishPresence()
	c.emitState()
}

func (c *Controller) emitState() {
	if c.opts.Observer.OnState != nil {
		c.opts.Observer.OnState(c.state)
	}
}

func (c *Controller) warn(err error) {
	log.Warn().Err(err).Str("module", "session").Str("user", string(c.opts.Self)).Msg("session warning")
	if c.opts.Observer.OnWarning != nil {
		c.opts.Observer.OnWarning(err)
	}
}

// whileJoined runs fn on the loop if the session is joined.
func (c *Controller) whileJoined(action string, fn func() error) error {
	var err error
	if cerr := c.loop.call(func() {
		if c.state.Phase != domain.PhaseJoined {
			err = fmt.Errorf("%s while %s: %w", action, c.state.Phase, domain.ErrInvalidState)
			return
		}
		err = fn()
	}); cerr != nil {
		return cerr
	}
	return err
}

// ToggleMute flips the mute flag. Unmuting while deafened also undeafens.
func (c *Controller) ToggleMute() error {
	return c.whileJoined("toggle mute", func() error {
		c.state.IsMuted = !c.state.IsMuted
		if !c.state.IsMuted && c.state.IsDeafened {
			c.state.IsDeafened = false
			c.setDeafened(false)
		}
		c.applyTransmission()
		c.publishPresence()
		c.emitState()
		return nil
	})
}

// ToggleDeafen flips deafen. Deafening forces mute; undeafening restores the
// mute state from before deafening.
func (c *Controller) ToggleDeafen() error {
	return c.whileJoined("toggle deafen", func() error {
		if c.state.IsDeafened {
			c.state.IsDeafened = false
			c.state.IsMuted = c.preDeafenMuted
		} else {
			c.preDeafenMuted = c.state.IsMuted
			c.state.IsDeafened = true
			c.state.IsMuted = true
		}
		c.setDeafened(c.state.IsDeafened)
		c.applyTransmission()
		c.publishPresence()
		c.emitState()
		return nil
	})
}

func (c *Controller) setDeafened(v bool) {
	if c.opts.Playback != nil {
		c.opts.Playback.SetDeafened(v)
	}
}

// EnableMicrophone promotes a listen-only session to speaking. The new track
// is negotiated with every stable peer.
func (c *Controller) EnableMicrophone(ctx context.Context) error {
	var gen uint64
	if err := c.whileJoined("enable microphone", func() error {
		if !c.state.ListenOnly {
			return fmt.Errorf("microphone already enabled: %w", domain.ErrInvalidState)
		}
		gen = c.gen
		return nil
	}); err != nil {
		return err
	}
	track, err := c.devices.AcquireCapture(ctx, c.opts.Settings.Load().InputDeviceID)
	if err != nil {
		return fmt.Errorf("enable microphone: %w", err)
	}
	applied := false
	if cerr := c.loop.call(func() {
		if c.gen != gen || c.state.Phase != domain.PhaseJoined {
			return
		}
		applied = true
		c.reg.ReplaceOutgoingTrack(track.Local(), true)
		c.state.ListenOnly = false
		c.analyzer.Start()
		c.applyTransmission()
		c.publishPresence()
		c.emitState()
	}); cerr != nil || !applied {
		c.devices.Discard(track)
		return fmt.Errorf("enable microphone: %w", domain.ErrJoinAborted)
	}
	return nil
}

// SwitchInputDevice moves capture to deviceID without touching any peer
// connection. On failure the previous device stays active.
func (c *Controller) SwitchInputDevice(ctx context.Context, deviceID string) error {
	var gen uint64
	if err := c.whileJoined("switch input", func() error {
		if c.state.ListenOnly {
			return fmt.Errorf("switch input while listen-only: %w", domain.ErrInvalidState)
		}
		gen = c.gen
		return nil
	}); err != nil {
		return err
	}
	track, err := c.devices.SwitchCapture(ctx, deviceID, func(t core.OutgoingTrack) {
		_ = c.loop.call(func() {
			if c.gen == gen {
				c.reg.ReplaceOutgoingTrack(t.Local(), false)
			}
		})
	})
	if err != nil {
		return err
	}
	_ = c.loop.call(func() {
		if c.gen != gen {
			c.devices.Discard(track)
			return
		}
		c.applyTransmission()
	})
	return nil
}

// SwitchOutputDevice routes remote audio to deviceID; it is valid in any phase.
func (c *Controller) SwitchOutputDevice(deviceID string) error {
	return c.devices.ApplyOutputDevice(deviceID)
}

// SetRemoteVolume sets the playback volume of a present participant, clamped to 0..200.
func (c *Controller) SetRemoteVolume(id domain.UserID, percent int) error {
	return c.whileJoined("set volume", func() error {
		if !c.isPresent(id) {
			return fmt.Errorf("volume for %s: not in channel: %w", id, domain.ErrInvalidState)
		}
		percent = max(domain.MinRemoteVolume, min(percent, domain.MaxRemoteVolume))
		c.volumes[id] = percent
		if c.opts.Playback != nil {
			c.opts.Playback.SetVolume(id, percent)
		}
		return nil
	})
}

// RemoteVolume is the stored volume for id, DefaultRemoteVolume when unset.
func (c *Controller) RemoteVolume(id domain.UserID) int {
	v := domain.DefaultRemoteVolume
	_ = c.loop.call(func() {
		if got, ok := c.volumes[id]; ok {
			v = got
		}
	})
	return v
}

// RetryICE restarts ICE on every tracked connection. It is never automatic.
func (c *Controller) RetryICE() error {
	return c.whileJoined("retry ice", func() error {
		log.Info().Str("module", "session").Int("peers", c.reg.Len()).Msg("ICE restart requested")
		c.reg.RestartICE()
		return nil
	})
}

// RefreshDiagnostics samples every tracked peer now.
func (c *Controller) RefreshDiagnostics() []domain.DiagnosticsRecord {
	var out []domain.DiagnosticsRecord
	_ = c.loop.call(func() {
		c.diag.RefreshAll()
		out = c.reg.Diagnostics()
	})
	return out
}

// SetDiagnosticsActive starts or stops periodic sampling.
func (c *Controller) SetDiagnosticsActive(active bool) {
	c.diag.SetActive(active)
}

// SettingsChanged re-evaluates the transmit decision after the settings cell
// was written. Leaving push-to-talk mode or rebinding the key releases a held key.
func (c *Controller) SettingsChanged() {
	c.loop.post(func() {
		s := c.opts.Settings.Load()
		if s.Mode != domain.ModePushToTalk {
			c.ptt.Release()
		}
		c.ptt.Rebind(s.PushToTalkBinding)
		c.applyTransmission()
	})
}

// HandleKey feeds one key transition to push-to-talk tracking.
func (c *Controller) HandleKey(ev transmit.KeyEvent) {
	c.loop.post(func() {
		if c.ptt.Handle(c.opts.Settings.Load().PushToTalkBinding, ev) {
			c.applyTransmission()
		}
	})
}

// HandleFocusLoss force-releases push-to-talk.
func (c *Controller) HandleFocusLoss() {
	c.loop.post(func() {
		if c.ptt.Release() {
			c.applyTransmission()
		}
	})
}

func (c *Controller) State() domain.VoiceSessionState {
	var s domain.VoiceSessionState
	_ = c.loop.call(func() { s = c.state })
	return s
}

func (c *Controller) Participants() []domain.VoiceParticipant {
	var out []domain.VoiceParticipant
	_ = c.loop.call(func() { out = append(out, c.participants...) })
	return out
}

// Transmitting reports whether the outgoing track is currently enabled.
func (c *Controller) Transmitting() bool {
	var on bool
	_ = c.loop.call(func() { on = c.transmitting })
	return on
}

// PeerIDs lists the remote ids with a tracked connection.
func (c *Controller) PeerIDs() []domain.UserID {
	var out []domain.UserID
	_ = c.loop.call(func() { out = c.reg.IDs() })
	return out
}

// Close leaves any active session and stops the loop.
func (c *Controller) Close() {
	_ = c.loop.call(func() {
		if c.state.Phase != domain.PhaseIdle {
			c.gen++
			c.teardown()
			c.emitState()
		}
	})
	c.diag.Stop()
	c.loop.stop()
	if c.opts.Playback != nil {
		c.opts.Playback.Close()
	}
}
