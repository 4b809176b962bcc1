package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/auth"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/config"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/logging"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/router"
)

func main() {
	configPath := flag.String("config", "", "router config file (toml)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.DefaultRouterConfig()
	if *configPath != "" {
		loaded, err := loadRouterConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load router config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded router config")
	}
	env, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment")
	}
	cfg = env.ApplyRouter(cfg)
	if err := config.ValidateRouterConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid router config")
	}

	var verifier auth.Verifier = auth.AllowAll{}
	if strings.TrimSpace(cfg.AuthKey) != "" {
		verifier = auth.StaticKey{Key: cfg.AuthKey}
	}

	svc := router.NewService(cfg.RouterService(), verifier)
	status := router.NewStatusServer(cfg.StatusAddr, svc.Table())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := status.Run(ctx); err != nil {
			log.Error().Err(err).Msg("status surface stopped")
			stop()
		}
	}()
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("router stopped")
	}
	log.Info().Msg("router shut down")
}
