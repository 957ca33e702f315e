package main

import (
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/client"
	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/metric"
	"github.com/Brownie44l1/cxr-api/internal/webui"
)

const maxUploadBytes = 10 << 20

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.AppName, cfg.LogLevel)

	metrics := metric.New(cfg.MetricAddress, cfg.AppName, cfg.AppEnv, 1)
	defer metrics.Close()

	inference := client.New(cfg.InferenceURL, cfg.InferenceTimeout(), metrics)
	ui := webui.New(inference, maxUploadBytes)
	router := webui.NewRouter(ui, cfg.AppEnv, handlers.HTTPLogger(metrics))

	log.Info().Int("port", cfg.Port).Str("inference_url", cfg.InferenceURL).Msg("UI starting")
	if err := router.Run(":" + strconv.Itoa(cfg.Port)); err != nil {
		log.Fatal().Err(err).Msg("UI server failed")
	}
}
