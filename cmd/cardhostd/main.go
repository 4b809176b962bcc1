package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/cardhost"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/config"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "cardhost config file (toml)")
	routerURL := flag.String("router", "", "router url, overrides config")
	cardhostID := flag.String("id", "", "cardhost id, overrides config")
	displayName := flag.String("name", "", "display name, overrides config")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.DefaultCardhostConfig()
	if *configPath != "" {
		loaded, err := config.LoadCardhostConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load cardhost config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded cardhost config")
	}
	env, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment")
	}
	cfg = env.ApplyCardhost(cfg)
	if v := strings.TrimSpace(*routerURL); v != "" {
		cfg.RouterURL = v
	}
	if v := strings.TrimSpace(*cardhostID); v != "" {
		cfg.CardhostID = v
	}
	if v := strings.TrimSpace(*displayName); v != "" {
		cfg.DisplayName = v
	}
	if err := config.ValidateCardhostConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid cardhost config")
	}

	host, err := cardhost.NewHost(cfg.Host(), cardhost.NewSimReader())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build cardhost")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("router", cfg.RouterURL).
		Str("cardhost", cfg.CardhostID).
		Msg("cardhost starting")
	if err := host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("cardhost stopped")
	}
	log.Info().Msg("cardhost shut down")
}
