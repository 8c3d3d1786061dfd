package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicelink/internal/adapters/http"
	"github.com/dkeye/voicelink/internal/adapters/api"
	"github.com/dkeye/voicelink/internal/adapters/media"
	"github.com/dkeye/voicelink/internal/adapters/poll"
	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/adapters/ui"
	"github.com/dkeye/voicelink/internal/adapters/ws"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/calls"
	"github.com/dkeye/voicelink/internal/app/delivery"
	"github.com/dkeye/voicelink/internal/app/group"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/app/playout"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	session "github.com/dkeye/voicelink/internal/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Only the log level follows file edits; everything else needs a restart.
	cfg, err := config.Watch(func(next *config.Config) { applyLogLevel(next.LogLevel) })
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	applyLogLevel(cfg.LogLevel)
	self := domain.UserID(cfg.UserID)

	notices := ui.NewNotifier(cfg.Notices.Backlog)
	capturer, err := media.NewCapturer()
	if err != nil {
		log.Fatal().Err(err).Msg("media capture setup")
	}
	peers, err := rtc.NewFactory(cfg.ICEServers, capturer.RegisterCodecs)
	if err != nil {
		log.Fatal().Err(err).Msg("peer factory setup")
	}

	var transports []core.SignalTransport
	if cfg.Signal.WSURL != "" {
		transports = append(transports, &ws.Transport{
			URL:          cfg.Signal.WSURL,
			WriteTimeout: cfg.Signal.WriteTimeout,
			ReadLimit:    cfg.Signal.ReadLimit,
		})
	}
	if cfg.Signal.PollURL != "" {
		transports = append(transports, &poll.Transport{URL: cfg.Signal.PollURL, Wait: cfg.Signal.PollWait})
	}
	mgr := session.NewManager(session.OptionsFrom(cfg), transports...)

	client := api.New(cfg.API.BaseURL, cfg.Token, cfg.API.Timeout)
	ledger := app.NewOfferLedger(cfg.Call.LedgerTTL)
	registry := app.NewRegistry()

	callCtl := calls.New(mgr, capturer, peers, notices, calls.Options{
		Self:               self,
		DeliveryAckTimeout: cfg.Call.DeliveryAckTimeout,
		OfferWaitTimeout:   cfg.Call.OfferWaitTimeout,
	})
	groups := group.New(self, mgr, client, capturer, peers, notices, ledger)
	tracker := delivery.New(self, mgr, client, notices)

	relays := playout.NewManager()
	var sinks []*playout.UDPSink
	for _, s := range []struct {
		name string
		addr string
		kind webrtc.RTPCodecType
	}{
		{"audio", cfg.Playout.Addr, webrtc.RTPCodecTypeAudio},
		{"video", cfg.Playout.VideoAddr, webrtc.RTPCodecTypeVideo},
	} {
		if s.addr == "" {
			continue
		}
		sink, err := playout.DialUDP(s.addr)
		if err != nil {
			log.Error().Err(err).Str("addr", s.addr).Msg("playout sink disabled")
			continue
		}
		relays.AddSink(s.name, s.kind, sink)
		sinks = append(sinks, sink)
		log.Info().Str("sink", s.name).Str("addr", s.addr).Msg("playout sink ready")
	}

	o := &orch.Orchestrator{
		Signal:   mgr,
		Registry: registry,
		Calls:    callCtl,
		Group:    groups,
		UI:       notices,
		Relays:   relays,
	}
	peers.OnTrack(o.OnTrack)
	o.Start(ctx)

	r := router.SetupRouter(cfg, router.Deps{
		Session:  mgr,
		Calls:    callCtl,
		Group:    groups,
		Messages: tracker,
		Rooms:    o,
		Presence: registry,
		Playout:  relays,
		Notices:  notices,
	})
	srv := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ControlAddr).Msg("control surface started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ledger.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		if cfg.Token == "" {
			log.Warn().Msg("no token configured, waiting for shutdown")
			return nil
		}
		// A failed first dial is retried by the reconnect policy.
		if err := mgr.Initialize(gctx, cfg.Token); err != nil {
			log.Warn().Err(err).Msg("initial connect failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("voicelink stopped with error")
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	o.Shutdown(shutdownCtx)
	callCtl.Close()
	groups.Close()
	tracker.Close()
	mgr.Teardown()
	for _, s := range sinks {
		_ = s.Close()
	}
	log.Info().Msg("voicelink exited gracefully")
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Err(err).Str("level", level).Msg("unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
