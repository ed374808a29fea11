package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	key, err := ParseTopic("acme:lobby")
	require.NoError(t, err)
	assert.Equal(t, ChannelKey{Community: "acme", Channel: "lobby"}, key)
	assert.Equal(t, Topic("acme:lobby"), key.Topic())

	for _, bad := range []string{"", "acme", ":lobby", "acme:", "a:b:c"} {
		_, err := ParseTopic(bad)
		assert.ErrorIs(t, err, ErrBadTopic, bad)
	}
}

func TestRemoteParticipants(t *testing.T) {
	ps := []PresencePayload{
		{UserID: "alice", DisplayName: "Alice"},
		{UserID: "me"},
		{UserID: "bob", Muted: true},
		{UserID: "alice", DisplayName: "Alice again"},
		{UserID: ""},
	}
	got := RemoteParticipants("me", ps)
	require.Len(t, got, 2)
	assert.Equal(t, VoiceParticipant{UserID: "alice", DisplayName: "Alice"}, got[0])
	assert.Equal(t, VoiceParticipant{UserID: "bob", Muted: true}, got[1])
}

func TestAddressedTo(t *testing.T) {
	assert.True(t, SignalMessage{From: "a", To: "b"}.AddressedTo("b"))
	assert.False(t, SignalMessage{From: "a", To: "c"}.AddressedTo("b"))
	assert.True(t, SignalMessage{From: "a"}.AddressedTo("b"))
	assert.False(t, SignalMessage{From: "b"}.AddressedTo("b"))
}

func TestSignalMessageFromBrowserJSON(t *testing.T) {
	raw := `{"type":"ice","from":"a","to":"b","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	var msg SignalMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, SignalICE, msg.Type)
	require.NotNil(t, msg.Candidate)
	assert.Equal(t, "candidate:1 1 udp 1 10.0.0.1 5000 typ host", msg.Candidate.Candidate)
	require.NotNil(t, msg.Candidate.SDPMid)
	assert.Equal(t, "0", *msg.Candidate.SDPMid)
	require.NotNil(t, msg.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *msg.Candidate.SDPMLineIndex)
}

func TestICEConfigWebRTC(t *testing.T) {
	cfg := ICEConfig{Servers: []ICEServer{
		{URLs: []string{"stun:s.example.org"}},
		{URLs: []string{"turn:t.example.org"}, Username: "u", Credential: "p"},
	}}.WebRTC()
	require.Len(t, cfg.ICEServers, 2)
	assert.Empty(t, cfg.ICEServers[0].Username)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
	assert.Equal(t, "p", cfg.ICEServers[1].Credential)
}

func TestPresenceJSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := json.Marshal(PresencePayload{UserID: "a", DisplayName: "A", ListenOnly: true, JoinedAt: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"a","display_name":"A","muted":false,"deafened":false,"listen_only":true,"joined_at":"2026-03-01T10:00:00Z"}`, string(b))
}

func TestNewUserWithID(t *testing.T) {
	u, err := NewUserWithID("id-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, UserID("id-1"), u.ID)

	_, err = NewUserWithID("", "alice")
	assert.ErrorIs(t, err, ErrUserIDInvalid)
	_, err = NewUserWithID("id-1", "")
	assert.ErrorIs(t, err, ErrUsernameEmpty)
	_, err = NewUserWithID("id-1", strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestClampThreshold(t *testing.T) {
	assert.Equal(t, 0, ClampThreshold(-5))
	assert.Equal(t, 42, ClampThreshold(42))
	assert.Equal(t, 100, ClampThreshold(500))
}
