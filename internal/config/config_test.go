package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/meshvoice/internal/domain"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "kick", cfg.Backpressure)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
port: 9000
ping_period: 20s
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
blocked_channels: ["acme:quiet"]
`)
	cfg, err := load(p)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.PingPeriod)
	assert.Equal(t, []domain.ICEServer{{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"}}, cfg.ICEServers)
	assert.Equal(t, []string{"acme:quiet"}, cfg.BlockedChannels)
}

func TestLoadClientPriority(t *testing.T) {
	p := writeFile(t, `
server_url: http://hub.test
community: acme
channel: lobby
display_name: from-file
vad_threshold: 150
`)
	t.Setenv("VOICE_CHANNEL", "standup")

	fs := ClientFlags()
	require.NoError(t, fs.Parse([]string{"--config", p, "--display_name", "from-flag"}))
	cfg, err := LoadClient(fs)
	require.NoError(t, err)

	assert.Equal(t, "http://hub.test", cfg.ServerURL)
	assert.Equal(t, "from-flag", cfg.DisplayName)
	assert.Equal(t, domain.ChannelKey{Community: "acme", Channel: "standup"}, cfg.ChannelKey())

	s := cfg.Settings()
	assert.Equal(t, domain.ModeVoiceActivity, s.Mode)
	assert.Equal(t, 100, s.VoiceActivationThreshold)
	require.NotNil(t, s.PushToTalkBinding)
	assert.Equal(t, "Space", s.PushToTalkBinding.Code)
}

func TestLoadClientRejectsMissingChannel(t *testing.T) {
	fs := ClientFlags()
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--community", "acme"}))
	_, err := LoadClient(fs)
	require.ErrorIs(t, err, domain.ErrBadTopic)
}

func TestLoadClientRejectsUnknownMode(t *testing.T) {
	fs := ClientFlags()
	require.NoError(t, fs.Parse([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--community", "acme", "--channel", "lobby",
		"--transmission_mode", "shout",
	}))
	_, err := LoadClient(fs)
	require.ErrorIs(t, err, domain.ErrUnknownMode)
}
