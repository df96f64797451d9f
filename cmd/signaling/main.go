package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/ledger"
	"github.com/mossy-p/call-signaling/internal/presence"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/relay"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	deps := handlers.Deps{Registry: registry.New()}
	deps.Presence = presence.New(deps.Registry)
	deps.Relay = relay.New(deps.Registry, relay.NewRateLimiter(cfg.RateLimit.CallRequests, cfg.RateLimit.Interval))

	if cfg.Ledger.Enabled {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		deps.Ledger = ledger.New(rdb)
	} else {
		log.Info().Msg("invitation ledger disabled")
	}

	deps.Registry.Start()
	defer deps.Registry.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("environment", cfg.Environment).Bool("require_auth", cfg.RequireAuth).
			Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Hijacked websockets are not tracked by Shutdown; stopping the registry
	// closes them.
	deps.Registry.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
