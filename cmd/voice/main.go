package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshvoice/internal/adapters/audio"
	"github.com/dkeye/meshvoice/internal/adapters/iceconfig"
	"github.com/dkeye/meshvoice/internal/adapters/rtc"
	"github.com/dkeye/meshvoice/internal/adapters/term"
	"github.com/dkeye/meshvoice/internal/adapters/wsclient"
	"github.com/dkeye/meshvoice/internal/app/session"
	"github.com/dkeye/meshvoice/internal/config"
	"github.com/dkeye/meshvoice/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := &crlfWriter{w: os.Stderr}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})

	fs := config.ClientFlags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg, out); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("voice client stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, out *crlfWriter) error {
	userID := cfg.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	user, err := domain.NewUserWithID(domain.UserID(userID), cfg.DisplayName)
	if err != nil {
		return err
	}

	backend, err := audio.NewBackend()
	if err != nil {
		return err
	}
	defer backend.Close()
	backend.NoAutoGain = !cfg.AutoGain
	mixer := audio.NewMixer(backend)
	defer mixer.Close()

	peerFactory, err := rtc.NewFactory()
	if err != nil {
		return err
	}
	transports, err := wsclient.NewFactory(cfg.ServerURL)
	if err != nil {
		return err
	}

	settings := session.NewSettingsCell(cfg.Settings())
	ctrl := session.NewController(session.Options{
		Self:                user.ID,
		DisplayName:         user.Username,
		Transports:          transports,
		ICE:                 iceconfig.NewProvider(cfg.ServerURL, cfg.ICECacheTTL),
		Peers:               peerFactory,
		Audio:               backend,
		Tracks:              rtc.TrackFactory{},
		Playback:            mixer,
		Settings:            settings,
		Observer:            observer(),
		SubscribeTimeout:    cfg.SubscribeTimeout,
		DiagnosticsInterval: cfg.DiagnosticsInterval,
	})
	defer ctrl.Close()

	if cfg.OutputDevice != "" {
		if err := mixer.SetOutputDevice(cfg.OutputDevice); err != nil {
			log.Warn().Err(err).Str("module", "voice").Msg("output device")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		req := session.JoinRequest{Channel: cfg.ChannelKey(), CanSpeak: true, DisplayName: user.Username}
		if err := ctrl.Join(gctx, req); err != nil {
			return err
		}
		log.Info().Str("module", "voice").Str("topic", cfg.ChannelKey().String()).Str("user", string(user.ID)).Msg(helpText)
		<-gctx.Done()
		if ctrl.State().Phase != domain.PhaseIdle {
			if err := ctrl.Leave(); err != nil {
				log.Warn().Err(err).Str("module", "voice").Msg("leave")
			}
		}
		return gctx.Err()
	})

	restore, err := term.Raw(os.Stdin)
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("keyboard control disabled")
	} else {
		out.raw.Store(true)
		defer func() {
			restore()
			out.raw.Store(false)
		}()
		cmds := &commands{ctrl: ctrl, settings: settings, quit: cancel}
		g.Go(func() error {
			return term.Run(gctx, os.Stdin, term.DefaultReleaseAfter, cmds.handle)
		})
	}

	return g.Wait()
}

// crlfWriter adds carriage returns while the terminal is in raw mode.
type crlfWriter struct {
	w   io.Writer
	raw atomic.Bool
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	if !c.raw.Load() {
		return c.w.Write(p)
	}
	buf := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' {
			buf = append(buf, '\r')
		}
		buf = append(buf, b)
	}
	if _, err := c.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
