package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/logger"
	"github.com/Brownie44l1/cxr-api/internal/metric"
	"github.com/Brownie44l1/cxr-api/internal/model"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.AppName, cfg.LogLevel)

	metrics := metric.New(cfg.MetricAddress, cfg.AppName, cfg.AppEnv, cfg.MetricSamplingRate)
	defer metrics.Close()

	log.Info().Str("backend", cfg.ModelBackend).Str("path", cfg.ModelPath).Msg("Loading model")
	classifier, err := model.Open(cfg.ModelBackend, cfg.ModelPath, cfg.ONNXMetadataPath, cfg.ONNXSharedLibraryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize model")
	}
	defer classifier.Close()

	handler := handlers.NewHandler(classifier, cfg.MaxUploadBytes, metrics)
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: handlers.NewRouter(handler, cfg.AppEnv),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server starting")
	log.Info().Msg("Endpoints:")
	log.Info().Msg("  GET  /               - Banner")
	log.Info().Msg("  GET  /health         - Health check")
	log.Info().Msg("  POST /predict        - Predict from image upload (field 'file')")
	log.Info().Msg("  POST /predict/tensor - Predict from a normalized array")
	log.Info().Msgf("Upload test: curl -X POST -F \"file=@xray.jpeg\" http://localhost:%d/predict", cfg.Port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}
