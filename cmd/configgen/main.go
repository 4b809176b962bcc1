package main

import (
	"flag"
	"log"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/config"
)

func main() {
	kind := flag.String("kind", "router", "config kind: router|cardhost")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case "router":
			if _, err := config.LoadRouterConfig(path); err != nil {
				log.Fatal(err)
			}
		case "cardhost":
			if _, err := config.LoadCardhostConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "router":
		return "cmd/routerd/config.toml"
	case "cardhost":
		return "cmd/cardhostd/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
