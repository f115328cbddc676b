package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Mosaic/internal/adapters/http"
	"github.com/dkeye/Mosaic/internal/adapters/redischan"
	"github.com/dkeye/Mosaic/internal/adapters/relay"
	"github.com/dkeye/Mosaic/internal/adapters/rtc"
	"github.com/dkeye/Mosaic/internal/app"
	"github.com/dkeye/Mosaic/internal/config"
	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/directory"
	"github.com/dkeye/Mosaic/internal/domain"
	"github.com/dkeye/Mosaic/internal/peer"
	"github.com/dkeye/Mosaic/internal/signaling"
	"github.com/dkeye/Mosaic/internal/watchdog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	session := domain.NewSession(cfg.Slots)
	self := domain.ParticipantID("host-" + string(session.ID))
	log.Info().Str("session", string(session.ID)).Str("join_url", session.JoinURL(cfg.Origin)).Msg("session created")

	issuer := router.NewTokenIssuer(cfg.Secret, cfg.TokenTTL)
	hostToken, err := issuer.Issue(session.ID, self)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue host token")
	}

	channels := buildChannels(cfg, session.ID, hostToken)
	if len(channels) == 0 {
		log.Fatal().Msg("no signaling channels configured, set redis_addr or relay_url")
	}
	mux := signaling.NewMux(signaling.Config{
		Self:            self,
		Session:         session.ID,
		StalenessWindow: cfg.StalenessWindow,
		StormThreshold:  cfg.StormThreshold,
	}, channels...)

	dir := directory.New(cfg.Slots)
	dog := watchdog.New(watchdog.Config{
		Poll:           cfg.WatchdogPoll,
		StallThreshold: cfg.StallThreshold,
	}, dir)

	engine := app.NewEngine(app.Config{
		Role:        peer.RoleHost,
		Session:     session.ID,
		Self:        self,
		SelfClass:   domain.DeviceDefault,
		DisplayName: "host",
		Capabilities: core.Capabilities{
			Transport: true,
			Capture:   true,
		},
		NewMedia: func(remote domain.ParticipantID) (core.MediaConnection, error) {
			return rtc.New(rtc.DefaultWebRTCConfig(), remote, true)
		},
		RetryBase:        cfg.RetryBase,
		MaxRetries:       cfg.MaxRetries,
		FlushSpacing:     cfg.FlushSpacing,
		HeartbeatMobile:  cfg.HeartbeatMobile,
		HeartbeatDefault: cfg.HeartbeatDefault,
	}, mux, dir, dog)

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine start failed")
	}
	defer engine.Close()
	go dog.Run(ctx)

	hub := relay.NewHub(func(sid domain.SessionID, raw string) error {
		tokenSession, _, err := issuer.Verify(raw)
		if err != nil {
			return err
		}
		if tokenSession != sid {
			return router.ErrBadToken
		}
		return nil
	})
	r := router.SetupRouter(cfg, session, engine, hub, issuer)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Mosaic host started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// buildChannels assembles every configured signaling path. Redis brings
// two (pub/sub and the polled store), the relay hub one more; the mux
// deduplicates whatever subset is up.
func buildChannels(cfg *config.Config, session domain.SessionID, token string) []core.SignalChannel {
	var channels []core.SignalChannel
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		channels = append(channels,
			redischan.NewPubSubChannel(rdb, session),
			redischan.NewStoreChannel(rdb, session, cfg.StorePoll),
		)
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis signaling enabled")
	}
	if cfg.RelayURL != "" {
		channels = append(channels, relay.NewChannel(cfg.RelayURL, session, token))
		log.Info().Str("url", cfg.RelayURL).Msg("relay signaling enabled")
	}
	return channels
}
