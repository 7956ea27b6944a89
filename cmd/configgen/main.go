package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/stationrelay/internal/config"
	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "relay", "config kind: relay|relay-tls")
	output := flag.String("output", config.DefaultConfigPath, "output path for config template")
	toStdout := flag.Bool("print", false, "write the template to stdout instead of -output")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", config.DefaultConfigPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	observability.InitLogger("configgen")

	switch {
	case *validate:
		if err := config.CheckStrict(*input); err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config has unknown keys")
		}
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config invalid")
		}
		log.Info().
			Str("path", *input).
			Str("listen_addr", cfg.ListenAddr).
			Str("coordinator_url", cfg.CoordinatorURL).
			Msg("relay config valid")
	case *toStdout:
		body, err := config.Template(*kind)
		if err != nil {
			log.Fatal().Err(err).Msg("render template")
		}
		fmt.Fprint(os.Stdout, body)
	default:
		if err := config.WriteTemplate(*output, *kind, *force); err != nil {
			log.Fatal().Err(err).Str("path", *output).Msg("write template")
		}
		log.Info().Str("kind", *kind).Str("path", *output).Msg("wrote config template")
	}
}
