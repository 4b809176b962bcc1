package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/controller"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/logging"
)

// apductl is a one-shot operator client: bind to a cardhost, run a
// single operation, print the result, exit.
func main() {
	routerURL := flag.String("router", "ws://localhost:9200", "router url")
	cardhostID := flag.String("cardhost", "", "target cardhost id")
	sessionID := flag.String("session", "", "controller session id (generated when empty)")
	op := flag.String("op", "status", "operation: transmit|status|describe|ping")
	apdu := flag.String("apdu", "", "command apdu as hex, for -op transmit")
	timeout := flag.Duration("timeout", 30*time.Second, "per-call timeout")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := controller.DefaultClientConfig()
	cfg.RouterURL = *routerURL
	cfg.CardhostID = *cardhostID
	cfg.SessionID = *sessionID
	cfg.CallTimeout = *timeout
	cfg.OnGone = func(id string) {
		log.Warn().Str("cardhost", id).Msg("cardhost left while bound")
	}

	client, err := controller.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("router", *routerURL).Msg("failed to connect")
	}
	defer client.Close()

	if err := run(ctx, client, *op, *apdu); err != nil {
		log.Error().Err(err).Str("op", *op).Msg("operation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, client *controller.Client, op, apdu string) error {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "transmit":
		if strings.TrimSpace(apdu) == "" {
			return fmt.Errorf("transmit requires -apdu")
		}
		response, err := client.Transmit(ctx, apdu)
		if err != nil {
			return err
		}
		fmt.Println(response)
	case "status":
		status, err := client.CardStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("present=%t atr=%s\n", status.Present, status.ATR)
	case "describe":
		desc, err := client.Describe(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cardhost=%s name=%q reader=%s version=%s\n",
			desc.CardhostID, desc.DisplayName, desc.Reader, desc.ProtocolVersion)
	case "ping":
		rtt, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("rtt=%s\n", rtt)
	default:
		return fmt.Errorf("unknown operation: %s", op)
	}
	return nil
}
