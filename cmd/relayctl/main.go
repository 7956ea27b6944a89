package main

import (
	"flag"
	"os"

	"github.com/danmuck/stationrelay/internal/config"
	"github.com/danmuck/stationrelay/internal/observability"
	"github.com/danmuck/stationrelay/internal/relayd"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	configFlag := flag.String("config", "", "config path (default $RELAY_CONFIG_PATH or cmd/relayctl/config.toml)")
	flag.Parse()

	observability.InitLogger("relay")
	gin.SetMode(gin.ReleaseMode)

	configPath := config.ResolvePath(*configFlag, os.Getenv)
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load relay config")
	}
	log.Info().Str("path", configPath).Msg("loaded relay config")

	svc, err := relayd.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build relay")
	}
	if err := svc.RunWithSignals(); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}
