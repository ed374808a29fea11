package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshvoice/internal/adapters/wsclient"
	"github.com/dkeye/meshvoice/internal/app"
	"github.com/dkeye/meshvoice/internal/app/orch"
	"github.com/dkeye/meshvoice/internal/config"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

var lobby = domain.ChannelKey{Community: "acme", Channel: "lobby"}

func newHub(t *testing.T, cfg *config.Config) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg == nil {
		cfg = &config.Config{Mode: "test", Secret: "test-secret"}
	}
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, o
}

type client struct {
	tr core.SignalingTransport

	mu      sync.Mutex
	syncs   [][]domain.PresencePayload
	signals []domain.SignalMessage
}

func connect(t *testing.T, srv *httptest.Server, key domain.ChannelKey) *client {
	t.Helper()
	f, err := wsclient.NewFactory(srv.URL)
	require.NoError(t, err)
	c := &client{tr: f.ForChannel(key)}
	c.tr.OnPresenceSync(func(ps []domain.PresencePayload) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.syncs = append(c.syncs, ps)
	})
	c.tr.OnBroadcast(func(m domain.SignalMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.signals = append(c.signals, m)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.tr.Subscribe(ctx))
	t.Cleanup(func() { _ = c.tr.Unsubscribe() })
	return c
}

// users returns the user ids of the latest presence sync.
func (c *client) users() []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.syncs) == 0 {
		return nil
	}
	last := c.syncs[len(c.syncs)-1]
	out := make([]domain.UserID, 0, len(last))
	for _, p := range last {
		out = append(out, p.UserID)
	}
	return out
}

func (c *client) received() []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalMessage(nil), c.signals...)
}

func publish(t *testing.T, c *client, id domain.UserID, joined time.Time) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.tr.PublishPresence(ctx, domain.PresencePayload{UserID: id, DisplayName: string(id), JoinedAt: joined}))
}

func TestHubPresenceAndBroadcast(t *testing.T) {
	srv, _ := newHub(t, nil)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	a := connect(t, srv, lobby)
	b := connect(t, srv, lobby)

	publish(t, b, "bob", base.Add(time.Second))
	publish(t, a, "alice", base)

	want := []domain.UserID{"alice", "bob"}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, a.users()) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, b.users()) }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	offer := domain.SignalMessage{Type: domain.SignalOffer, From: "alice", To: "bob", SDP: "v=0"}
	require.NoError(t, a.tr.Broadcast(ctx, offer))
	require.Eventually(t, func() bool { return len(b.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, offer, b.received()[0])
	assert.Empty(t, a.received())

	require.NoError(t, b.tr.Unsubscribe())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]domain.UserID{"alice"}, a.users())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubTopicsAreIsolated(t *testing.T) {
	srv, _ := newHub(t, nil)
	a := connect(t, srv, lobby)
	other := connect(t, srv, domain.ChannelKey{Community: "acme", Channel: "standup"})

	publish(t, a, "alice", time.Now())
	publish(t, other, "carol", time.Now())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]domain.UserID{"carol"}, other.users())
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]domain.UserID{"alice"}, a.users())
	}, 2*time.Second, 10*time.Millisecond)
	for _, id := range other.users() {
		assert.NotEqual(t, domain.UserID("alice"), id)
	}
}

func TestHubUntrackResyncs(t *testing.T) {
	srv, _ := newHub(t, nil)
	a := connect(t, srv, lobby)
	b := connect(t, srv, lobby)
	publish(t, a, "alice", time.Now())
	require.Eventually(t, func() bool { return len(b.users()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.tr.UntrackPresence(context.Background()))
	require.Eventually(t, func() bool { return len(b.users()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSubscribeRateLimited(t *testing.T) {
	srv, _ := newHub(t, &config.Config{Mode: "test", Secret: "s", SubscribeLimit: 1, SubscribeWindow: time.Minute})
	f, err := wsclient.NewFactory(srv.URL)
	require.NoError(t, err)

	// Same cookie jar: both connections share one client token.
	jar := &http.Cookie{Name: "ct", Value: "fixed-token"}
	f.Header = http.Header{"Cookie": []string{jar.String()}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first := f.ForChannel(lobby)
	require.NoError(t, first.Subscribe(ctx))
	defer first.Unsubscribe()

	second := f.ForChannel(lobby)
	require.ErrorIs(t, second.Subscribe(ctx), wsclient.ErrRejected)
}

func TestChannelsAndICE(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:            "test",
		Secret:          "s",
		ICEServers:      []domain.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		BlockedChannels: []string{"acme:quiet", "broken"},
	}
	srv, _ := newHub(t, cfg)
	a := connect(t, srv, lobby)
	publish(t, a, "alice", time.Now())

	get := func(path string, v any) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var ice domain.ICEResponse
	require.Equal(t, http.StatusOK, get("/api/channels/acme/lobby/ice", &ice))
	assert.False(t, ice.Blocked)
	assert.Equal(t, cfg.ICEServers, ice.ICEServers)

	ice = domain.ICEResponse{}
	require.Equal(t, http.StatusOK, get("/api/channels/acme/quiet/ice", &ice))
	assert.True(t, ice.Blocked)
	assert.Empty(t, ice.ICEServers)

	require.Eventually(t, func() bool {
		var list struct {
			Channels []core.RoomInfo `json:"channels"`
		}
		resp, err := http.Get(srv.URL + "/api/channels")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&list) != nil {
			return false
		}
		return len(list.Channels) == 1 && list.Channels[0].Topic == lobby.Topic() &&
			list.Channels[0].MemberCount == 1 && list.Channels[0].Presences == 1
	}, 2*time.Second, 10*time.Millisecond)
}
