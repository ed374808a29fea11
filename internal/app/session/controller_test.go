package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshvoice/internal/app/devices/devicestest"
	"github.com/dkeye/meshvoice/internal/app/peers/peerstest"
	"github.com/dkeye/meshvoice/internal/app/transmit"
	"github.com/dkeye/meshvoice/internal/domain"
)

var lobby = domain.ChannelKey{Community: "guild", Channel: "lobby"}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type node struct {
	c        *Controller
	peers    *peerstest.Factory
	audio    *devicestest.Backend
	tracks   *devicestest.Tracks
	playback *devicestest.Playback
	settings *SettingsCell

	mu       sync.Mutex
	warnings []error
}

func (n *node) Warnings() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.warnings...)
}

func newNode(t *testing.T, b *bus, id domain.UserID, tune ...func(*Options)) *node {
	t.Helper()
	n := &node{
		peers:    &peerstest.Factory{},
		audio:    &devicestest.Backend{},
		tracks:   &devicestest.Tracks{},
		playback: devicestest.NewPlayback(),
		settings: NewSettingsCell(domain.DefaultTransmissionSettings()),
	}
	opts := Options{
		Self:        id,
		DisplayName: string(id),
		Transports:  b,
		ICE:         staticICE{cfg: domain.ICEConfig{Servers: domain.FallbackSTUNServers}},
		Peers:       n.peers,
		Audio:       n.audio,
		Tracks:      n.tracks,
		Playback:    n.playback,
		Settings:    n.settings,
		Observer: Observer{OnWarning: func(err error) {
			n.mu.Lock()
			n.warnings = append(n.warnings, err)
			n.mu.Unlock()
		}},
	}
	for _, fn := range tune {
		fn(&opts)
	}
	n.c = NewController(opts)
	t.Cleanup(n.c.Close)
	return n
}

func (n *node) join(t *testing.T) {
	t.Helper()
	require.NoError(t, n.c.Join(context.Background(), JoinRequest{Channel: lobby, CanSpeak: true}))
}

func stable(c *peerstest.Conn) bool {
	return c != nil && c.SignalingState() == webrtc.SignalingStateStable && c.HasRemoteDescription()
}

func waitPeers(t *testing.T, n *node, ids ...domain.UserID) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := n.c.PeerIDs()
		if len(got) != len(ids) {
			return false
		}
		for i := range ids {
			if got[i] != ids[i] {
				return false
			}
		}
		return true
	}, waitFor, tick, "%s peers", n.c.Self())
}

func loud() []int16 {
	s := make([]int16, 960)
	for i := range s {
		s[i] = 16000
	}
	return s
}

func TestThreeParticipantMesh(t *testing.T) {
	b := newBus()
	a, bb, c := newNode(t, b, "a"), newNode(t, b, "b"), newNode(t, b, "c")

	a.join(t)
	bb.join(t)
	waitPeers(t, a, "b")
	waitPeers(t, bb, "a")
	require.Eventually(t, func() bool {
		return stable(a.peers.Last("b")) && stable(bb.peers.Last("a"))
	}, waitFor, tick)
	assert.Equal(t, 1, a.peers.Last("b").Offers(), "lower id offers")
	assert.Equal(t, 0, bb.peers.Last("a").Offers())

	c.join(t)
	waitPeers(t, a, "b", "c")
	waitPeers(t, bb, "a", "c")
	waitPeers(t, c, "a", "b")
	require.Eventually(t, func() bool {
		return stable(a.peers.Last("c")) && stable(bb.peers.Last("c")) &&
			stable(c.peers.Last("a")) && stable(c.peers.Last("b"))
	}, waitFor, tick)

	assert.Equal(t, 1, a.peers.Last("c").Offers())
	assert.Equal(t, 1, bb.peers.Last("c").Offers())
	assert.Equal(t, 0, c.peers.Last("a").Offers())
	assert.Equal(t, 0, c.peers.Last("b").Offers())

	// a-b was not perturbed by c joining.
	assert.Len(t, a.peers.Created("b"), 1)
	assert.Len(t, bb.peers.Created("a"), 1)
	assert.Equal(t, 1, a.peers.Last("b").Offers())
	assert.False(t, a.peers.Last("b").Closed())

	names := make([]domain.UserID, 0, 2)
	for _, p := range c.c.Participants() {
		names = append(names, p.UserID)
	}
	assert.Equal(t, []domain.UserID{"a", "b"}, names)
}

func TestPermissionDeniedJoinsListenOnly(t *testing.T) {
	b := newBus()
	a, bb, c := newNode(t, b, "a"), newNode(t, b, "b"), newNode(t, b, "c")
	bb.audio.SetFail("", domain.ErrPermissionDenied)

	a.join(t)
	bb.join(t)
	c.join(t)

	st := bb.c.State()
	assert.True(t, st.Joined)
	assert.True(t, st.ListenOnly)
	require.NotEmpty(t, bb.Warnings())
	assert.ErrorIs(t, bb.Warnings()[0], domain.ErrPermissionDenied)

	waitPeers(t, bb, "a", "c")
	require.Eventually(t, func() bool {
		return stable(bb.peers.Last("a")) && stable(bb.peers.Last("c"))
	}, waitFor, tick)
	assert.False(t, bb.peers.Last("a").HasSender(), "no track to send")
	assert.True(t, a.peers.Last("b").HasSender(), "a still sends to b")
	assert.True(t, c.peers.Last("b").HasSender(), "c still sends to b")
	assert.False(t, bb.c.Transmitting())

	require.Eventually(t, func() bool {
		for _, p := range a.c.Participants() {
			if p.UserID == "b" {
				return p.ListenOnly
			}
		}
		return false
	}, waitFor, tick)
}

func TestJoinWithoutSpeakPermission(t *testing.T) {
	n := newNode(t, newBus(), "a")
	require.NoError(t, n.c.Join(context.Background(), JoinRequest{Channel: lobby}))
	assert.True(t, n.c.State().ListenOnly)
	assert.Empty(t, n.audio.Opened())
	assert.Empty(t, n.Warnings())
}

func TestJoinOnlyFromIdle(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.join(t)
	err := n.c.Join(context.Background(), JoinRequest{Channel: lobby, CanSpeak: true})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	require.NoError(t, n.c.Leave())
	assert.ErrorIs(t, n.c.Leave(), domain.ErrInvalidState)
}

func TestActionsRequireJoined(t *testing.T) {
	n := newNode(t, newBus(), "a")
	assert.ErrorIs(t, n.c.ToggleMute(), domain.ErrInvalidState)
	assert.ErrorIs(t, n.c.ToggleDeafen(), domain.ErrInvalidState)
	assert.ErrorIs(t, n.c.RetryICE(), domain.ErrInvalidState)
	assert.ErrorIs(t, n.c.SwitchInputDevice(context.Background(), "mic-2"), domain.ErrInvalidState)
	assert.ErrorIs(t, n.c.EnableMicrophone(context.Background()), domain.ErrInvalidState)
}

func TestDeafenImpliesMute(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.join(t)

	require.NoError(t, n.c.ToggleDeafen())
	st := n.c.State()
	assert.True(t, st.IsDeafened)
	assert.True(t, st.IsMuted)
	assert.True(t, n.playback.Deafened())

	require.NoError(t, n.c.ToggleDeafen())
	st = n.c.State()
	assert.False(t, st.IsDeafened)
	assert.False(t, st.IsMuted, "undeafen restores the earlier mute state")
	assert.False(t, n.playback.Deafened())

	require.NoError(t, n.c.ToggleMute())
	require.NoError(t, n.c.ToggleDeafen())
	require.NoError(t, n.c.ToggleDeafen())
	assert.True(t, n.c.State().IsMuted, "muted before deafen stays muted")

	require.NoError(t, n.c.ToggleDeafen())
	require.NoError(t, n.c.ToggleMute())
	st = n.c.State()
	assert.False(t, st.IsMuted)
	assert.False(t, st.IsDeafened, "unmuting undeafens")
}

func TestMuteIsPublished(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	require.NoError(t, bb.c.ToggleMute())
	require.Eventually(t, func() bool {
		for _, p := range a.c.Participants() {
			if p.UserID == "b" {
				return p.Muted
			}
		}
		return false
	}, waitFor, tick)
}

func TestSwitchInputKeepsConnections(t *testing.T) {
	b := newBus()
	a, bb, c := newNode(t, b, "a"), newNode(t, b, "b"), newNode(t, b, "c")
	a.settings.Store(domain.TransmissionSettings{Mode: domain.ModeOpenMic})
	a.join(t)
	bb.join(t)
	c.join(t)
	waitPeers(t, a, "b", "c")
	require.Eventually(t, func() bool {
		return stable(a.peers.Last("b")) && stable(a.peers.Last("c"))
	}, waitFor, tick)

	created := a.peers.Count()
	offers := a.peers.Last("b").Offers() + a.peers.Last("c").Offers()
	first := a.tracks.Last()
	require.True(t, first.Enabled())

	require.NoError(t, a.c.SwitchInputDevice(context.Background(), "mic-2"))

	next := a.tracks.Last()
	require.NotSame(t, first, next)
	assert.Equal(t, created, a.peers.Count())
	for _, id := range []domain.UserID{"b", "c"} {
		conn := a.peers.Last(id)
		assert.False(t, conn.Closed())
		assert.Equal(t, next.Local(), conn.Track())
	}
	assert.Equal(t, offers, a.peers.Last("b").Offers()+a.peers.Last("c").Offers(), "no renegotiation")
	assert.True(t, first.Stopped())
	assert.True(t, a.audio.Opened()[0].Stopped())
	assert.True(t, next.Enabled())
	assert.False(t, bb.peers.Last("a").Closed())
}

func TestSwitchInputFailureKeepsDevice(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.join(t)
	n.audio.SetFail("broken", domain.ErrDeviceUnavailable)
	err := n.c.SwitchInputDevice(context.Background(), "broken")
	require.ErrorIs(t, err, domain.ErrDeviceSwitch)
	assert.True(t, n.c.State().Joined)
	assert.False(t, n.tracks.Last().Stopped())
}

func TestLeaveCleansUp(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	waitPeers(t, a, "b")
	conn := a.peers.Last("b")

	require.NoError(t, a.c.Leave())
	assert.Empty(t, a.c.PeerIDs())
	assert.True(t, conn.Closed())
	assert.True(t, a.tracks.Last().Stopped())
	assert.True(t, a.audio.Opened()[0].Stopped())
	assert.False(t, b.present(lobby.Topic(), "a"))
	assert.Equal(t, domain.VoiceSessionState{Phase: domain.PhaseIdle}, a.c.State())
	assert.Empty(t, a.c.Participants())

	waitPeers(t, bb)
}

func TestLeaveMidJoin(t *testing.T) {
	b := newBus()
	b.setHold(true)
	n := newNode(t, b, "a")

	done := make(chan error, 1)
	go func() {
		done <- n.c.Join(context.Background(), JoinRequest{Channel: lobby, CanSpeak: true})
	}()
	select {
	case <-b.subscribing:
	case <-time.After(waitFor):
		t.Fatal("join never reached subscribe")
	}
	assert.True(t, n.c.State().Joining)

	require.NoError(t, n.c.Leave())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrJoinAborted)
	case <-time.After(waitFor):
		t.Fatal("join did not return after leave")
	}

	assert.Equal(t, domain.PhaseIdle, n.c.State().Phase)
	assert.Empty(t, n.c.PeerIDs())
	require.Len(t, n.audio.Opened(), 1)
	assert.True(t, n.audio.Opened()[0].Stopped())
	assert.Nil(t, n.c.Devices().Track())
	assert.False(t, b.present(lobby.Topic(), "a"))
	assert.Zero(t, b.subscribers(lobby.Topic()))

	// The session is reusable afterwards.
	b.setHold(false)
	n.join(t)
	assert.True(t, n.c.State().Joined)
}

func TestHubLossEndsSession(t *testing.T) {
	b := newBus()
	var mu sync.Mutex
	var phases []domain.SessionPhase
	a := newNode(t, b, "a", func(o *Options) {
		o.Observer.OnState = func(s domain.VoiceSessionState) {
			mu.Lock()
			phases = append(phases, s.Phase)
			mu.Unlock()
		}
	})
	bb := newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	waitPeers(t, a, "b")
	conn := a.peers.Last("b")

	require.True(t, b.drop(lobby.Topic(), "a", fmt.Errorf("%w: read: connection reset", domain.ErrTransport)))

	require.Eventually(t, func() bool { return a.c.State().Phase == domain.PhaseIdle }, waitFor, tick)
	assert.Equal(t, domain.VoiceSessionState{Phase: domain.PhaseIdle}, a.c.State())
	assert.Empty(t, a.c.PeerIDs())
	assert.True(t, conn.Closed())
	assert.True(t, a.tracks.Last().Stopped())
	assert.True(t, a.audio.Opened()[0].Stopped())
	assert.False(t, a.c.Transmitting())

	warnings := a.Warnings()
	require.NotEmpty(t, warnings)
	assert.ErrorIs(t, warnings[len(warnings)-1], domain.ErrTransport)
	mu.Lock()
	assert.Contains(t, phases, domain.PhaseLeaving)
	mu.Unlock()

	waitPeers(t, bb)

	// A fresh join works on a new transport.
	a.join(t)
	waitPeers(t, a, "b")
}

func TestSubscribeTimeout(t *testing.T) {
	b := newBus()
	b.setHold(true)
	n := newNode(t, b, "a", func(o *Options) { o.SubscribeTimeout = 50 * time.Millisecond })

	err := n.c.Join(context.Background(), JoinRequest{Channel: lobby, CanSpeak: true})
	require.ErrorIs(t, err, domain.ErrSubscribeTimeout)
	assert.Equal(t, domain.VoiceSessionState{Phase: domain.PhaseIdle}, n.c.State())
	assert.True(t, n.audio.Opened()[0].Stopped())
	assert.Nil(t, n.c.Devices().Track())
}

func TestICEBlockedFailsJoin(t *testing.T) {
	n := newNode(t, newBus(), "a", func(o *Options) {
		o.ICE = staticICE{err: domain.ErrICEBlocked}
	})
	err := n.c.Join(context.Background(), JoinRequest{Channel: lobby, CanSpeak: true})
	require.ErrorIs(t, err, domain.ErrICEBlocked)
	assert.Equal(t, domain.PhaseIdle, n.c.State().Phase)
	assert.Empty(t, n.audio.Opened())
}

func TestDegradedICEWarns(t *testing.T) {
	n := newNode(t, newBus(), "a", func(o *Options) {
		o.ICE = staticICE{cfg: domain.ICEConfig{Servers: domain.FallbackSTUNServers, Degraded: true}}
	})
	n.join(t)
	require.NotEmpty(t, n.Warnings())
	assert.ErrorIs(t, n.Warnings()[0], domain.ErrICEUnavailable)
}

func TestPushToTalkWithoutBindingNeverTransmits(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.settings.Store(domain.TransmissionSettings{Mode: domain.ModePushToTalk})
	n.join(t)

	for _, code := range []string{"Space", "KeyV"} {
		n.c.HandleKey(transmit.KeyEvent{Code: code, Down: true})
	}
	assert.False(t, n.c.Transmitting())
	require.NoError(t, n.c.ToggleMute())
	require.NoError(t, n.c.ToggleMute())
	require.NoError(t, n.c.ToggleDeafen())
	require.NoError(t, n.c.ToggleDeafen())
	assert.False(t, n.c.Transmitting())
	assert.False(t, n.tracks.Last().Enabled())
}

func TestPushToTalk(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.settings.Store(domain.TransmissionSettings{Mode: domain.ModePushToTalk, PushToTalkBinding: &domain.KeyBinding{Code: "Space"}})
	n.join(t)

	n.c.HandleKey(transmit.KeyEvent{Code: "Space", Down: true})
	assert.True(t, n.c.Transmitting())
	assert.True(t, n.tracks.Last().Enabled())

	n.c.HandleFocusLoss()
	assert.False(t, n.c.Transmitting())
	assert.False(t, n.tracks.Last().Enabled())

	n.c.HandleKey(transmit.KeyEvent{Code: "Space", Down: true})
	require.NoError(t, n.c.ToggleMute())
	assert.False(t, n.c.Transmitting(), "mute wins over a held key")
}

func TestPushToTalkRebindReleasesHeldKey(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.settings.Store(domain.TransmissionSettings{Mode: domain.ModePushToTalk, PushToTalkBinding: &domain.KeyBinding{Code: "Space"}})
	n.join(t)
	n.c.HandleKey(transmit.KeyEvent{Code: "Space", Down: true})
	require.True(t, n.c.Transmitting())

	n.settings.Store(domain.TransmissionSettings{Mode: domain.ModePushToTalk, PushToTalkBinding: &domain.KeyBinding{Code: "KeyF"}})
	n.c.SettingsChanged()
	assert.False(t, n.c.Transmitting())
	assert.False(t, n.tracks.Last().Enabled())

	n.c.HandleKey(transmit.KeyEvent{Code: "KeyF", Down: true})
	assert.True(t, n.c.Transmitting())
	n.c.HandleKey(transmit.KeyEvent{Code: "KeyF"})
	assert.False(t, n.c.Transmitting())
}

func TestVoiceActivityDrivesTrack(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.join(t)
	track := n.tracks.Last()
	assert.False(t, n.c.Transmitting())

	track.Speak(loud())
	require.Eventually(t, n.c.Transmitting, waitFor, tick)
	assert.True(t, track.Enabled())

	time.Sleep(300 * time.Millisecond)
	track.Speak(make([]int16, 960))
	require.Eventually(t, func() bool { return !n.c.Transmitting() }, waitFor, tick)
	assert.False(t, track.Enabled())
}

func TestSettingsChangedApplies(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.join(t)
	assert.False(t, n.c.Transmitting())

	n.settings.Store(domain.TransmissionSettings{Mode: domain.ModeOpenMic})
	n.c.SettingsChanged()
	assert.True(t, n.c.Transmitting())
}

func TestRetryICE(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	require.Eventually(t, func() bool { return stable(a.peers.Last("b")) }, waitFor, tick)

	require.NoError(t, a.c.RetryICE())
	assert.Equal(t, 1, a.peers.Last("b").ICERestarts())
	require.Eventually(t, func() bool {
		return stable(a.peers.Last("b")) && stable(bb.peers.Last("a"))
	}, waitFor, tick)
}

func TestRemoteVolume(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	require.Eventually(t, func() bool { return len(a.c.Participants()) == 1 }, waitFor, tick)

	require.NoError(t, a.c.SetRemoteVolume("b", 350))
	assert.Equal(t, domain.MaxRemoteVolume, a.c.RemoteVolume("b"))
	v, ok := a.playback.Volume("b")
	require.True(t, ok)
	assert.Equal(t, domain.MaxRemoteVolume, v)
	assert.ErrorIs(t, a.c.SetRemoteVolume("zed", 50), domain.ErrInvalidState)

	require.NoError(t, bb.c.Leave())
	require.Eventually(t, func() bool { return len(a.c.Participants()) == 0 }, waitFor, tick)
	assert.Equal(t, domain.DefaultRemoteVolume, a.c.RemoteVolume("b"), "pruned when b left")
}

func TestEnableMicrophone(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	bb.audio.SetFail("", domain.ErrPermissionDenied)
	a.join(t)
	bb.join(t)
	require.Eventually(t, func() bool { return stable(bb.peers.Last("a")) }, waitFor, tick)
	require.True(t, bb.c.State().ListenOnly)

	bb.audio.SetFail("", nil)
	require.NoError(t, bb.c.EnableMicrophone(context.Background()))
	assert.False(t, bb.c.State().ListenOnly)
	conn := bb.peers.Last("a")
	assert.True(t, conn.HasSender())
	assert.Equal(t, 1, conn.Offers(), "new sender is negotiated")
	require.Eventually(t, func() bool { return stable(conn) }, waitFor, tick)
	assert.ErrorIs(t, bb.c.EnableMicrophone(context.Background()), domain.ErrInvalidState)
}

func TestDeviceLossFallsBackToListenOnly(t *testing.T) {
	n := newNode(t, newBus(), "a")
	n.join(t)
	n.audio.Opened()[0].Lose()

	require.Eventually(t, func() bool { return n.c.State().ListenOnly }, waitFor, tick)
	assert.True(t, n.c.State().Joined)
	require.NotEmpty(t, n.Warnings())
	assert.True(t, errors.Is(n.Warnings()[len(n.Warnings())-1], domain.ErrDeviceUnavailable))
	assert.Nil(t, n.c.Devices().Track())
}

func TestFailedPeerIsRecreatedOnNextSync(t *testing.T) {
	b := newBus()
	a, bb, c := newNode(t, b, "a"), newNode(t, b, "b"), newNode(t, b, "c")
	a.join(t)
	bb.join(t)
	waitPeers(t, a, "b")
	failed := a.peers.Last("b")

	failed.SetConnectionState(webrtc.PeerConnectionStateFailed)
	waitPeers(t, a)
	assert.True(t, failed.Closed())

	c.join(t)
	waitPeers(t, a, "b", "c")
	assert.Len(t, a.peers.Created("b"), 2)
}

func TestLateCandidateAfterFailureReconnects(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	require.Eventually(t, func() bool { return stable(a.peers.Last("b")) }, waitFor, tick)

	a.peers.Last("b").SetConnectionState(webrtc.PeerConnectionStateFailed)
	waitPeers(t, a)

	bb.peers.Last("a").EmitCandidate(webrtc.ICECandidateInit{Candidate: "late"})
	waitPeers(t, a, "b")
	require.Eventually(t, func() bool { return stable(a.peers.Last("b")) }, waitFor, tick)
	assert.Len(t, a.peers.Created("b"), 2)
	assert.Equal(t, 1, a.peers.Last("b").Offers(), "lower id still offers")
}

func TestDiagnostics(t *testing.T) {
	b := newBus()
	a, bb := newNode(t, b, "a"), newNode(t, b, "b")
	a.join(t)
	bb.join(t)
	waitPeers(t, a, "b")
	a.peers.Last("b").SetStats(domain.ConnectionStats{SelectedPairID: "pair-1", Writable: true, BytesSent: 10}, nil)

	recs := a.c.RefreshDiagnostics()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.UserID("b"), recs[0].UserID)
	assert.Equal(t, "pair-1", recs[0].SelectedPairID)
	assert.True(t, recs[0].Writable)
}
