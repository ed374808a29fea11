package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/meshvoice/internal/domain"
)

// ClientConfig drives cmd/voice.
type ClientConfig struct {
	ServerURL   string `mapstructure:"server_url"`
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`
	Community   string `mapstructure:"community"`
	Channel     string `mapstructure:"channel"`
	LogLevel    string `mapstructure:"log_level"`

	Mode      string `mapstructure:"transmission_mode"`
	Threshold int    `mapstructure:"vad_threshold"`
	PTTKey    string `mapstructure:"ptt_key"`

	InputDevice  string `mapstructure:"input_device"`
	OutputDevice string `mapstructure:"output_device"`
	AutoGain     bool   `mapstructure:"auto_gain"`

	ICECacheTTL         time.Duration `mapstructure:"ice_cache_ttl"`
	SubscribeTimeout    time.Duration `mapstructure:"subscribe_timeout"`
	DiagnosticsInterval time.Duration `mapstructure:"diagnostics_interval"`
}

// ClientFlags declares the client's command line; LoadClient binds it.
func ClientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("voice", pflag.ContinueOnError)
	fs.String("server_url", "http://localhost:8080", "signaling hub base URL")
	fs.String("user_id", "", "stable user id, generated when empty")
	fs.String("display_name", "guest", "name shown to other participants")
	fs.String("community", "", "community of the voice channel")
	fs.String("channel", "", "voice channel to join")
	fs.String("log_level", "info", "zerolog level")
	fs.String("transmission_mode", string(domain.ModeVoiceActivity), "open_mic, voice_activity or push_to_talk")
	fs.Int("vad_threshold", domain.DefaultVoiceActivationThreshold, "voice activity threshold 0-100")
	fs.String("ptt_key", "Space", "push-to-talk key code, empty for none")
	fs.String("input_device", "", "capture device id, default when empty")
	fs.String("output_device", "", "playback device id, default when empty")
	fs.Bool("auto_gain", true, "automatic gain control on capture")
	fs.Duration("ice_cache_ttl", 5*time.Minute, "how long fetched ICE servers are reused")
	fs.Duration("subscribe_timeout", 12*time.Second, "how long a join waits for the hub")
	fs.Duration("diagnostics_interval", 2*time.Second, "connection stats refresh period")
	fs.String("config", "", "explicit config file")
	return fs
}

// LoadClient merges defaults, the CONFIG_ENV file, VOICE_* env and flags,
// in increasing priority.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fileName := v.GetString("config")
	if fileName == "" {
		fileName = configFile()
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("client config file not found")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded client config")
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if _, err := domain.ParseTopic(c.Community + ":" + c.Channel); err != nil {
		return fmt.Errorf("community and channel: %w", err)
	}
	if _, err := domain.ParseTransmissionMode(c.Mode); err != nil {
		return fmt.Errorf("transmission_mode %q: %w", c.Mode, err)
	}
	return nil
}

// Settings is the initial transmission configuration of the session.
func (c *ClientConfig) Settings() domain.TransmissionSettings {
	s := domain.DefaultTransmissionSettings()
	if m, err := domain.ParseTransmissionMode(c.Mode); err == nil {
		s.Mode = m
	}
	s.VoiceActivationThreshold = domain.ClampThreshold(c.Threshold)
	if c.PTTKey != "" {
		s.PushToTalkBinding = &domain.KeyBinding{Code: c.PTTKey}
	}
	s.InputDeviceID = c.InputDevice
	s.OutputDeviceID = c.OutputDevice
	return s
}

func (c *ClientConfig) ChannelKey() domain.ChannelKey {
	return domain.ChannelKey{Community: c.Community, Channel: c.Channel}
}
