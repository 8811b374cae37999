package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/torontoair/dispatch/internal/config"
	"github.com/torontoair/dispatch/internal/device"
	"github.com/torontoair/dispatch/internal/httpapi"
	"github.com/torontoair/dispatch/internal/lead"
	"github.com/torontoair/dispatch/internal/live"
	"github.com/torontoair/dispatch/internal/observability"
	"github.com/torontoair/dispatch/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(0)
	logger := log.Default()

	ctx := context.Background()
	leadStore, err := lead.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("lead store init failed: %v", err)
	}
	defer leadStore.Close()

	devices, err := device.NewPortAudioProvider()
	if err != nil {
		log.Fatalf("audio device init failed: %v", err)
	}
	defer devices.Terminate()

	machine := session.NewMachine(session.Config{
		Devices: devices,
		Dial:    session.DialLive,
		Leads:   leadStore,
		Metrics: metrics,
		Stages:  stages,
		Logger:  logger,
		Upstream: live.Config{
			Endpoint:       cfg.GeminiLiveEndpoint,
			APIKey:         cfg.GeminiAPIKey,
			Model:          cfg.GeminiLiveModel,
			Voice:          cfg.GeminiVoice,
			ConnectTimeout: cfg.ConnectTimeout,
		},
		CaptureSampleRate:  cfg.CaptureSampleRate,
		CaptureFrameSize:   cfg.CaptureFrameSize,
		PlaybackSampleRate: cfg.PlaybackSampleRate,
		GateCeiling:        cfg.NoiseGateCeiling,
		AnalyserBins:       cfg.AnalyserBins,
		AnalyserSmoothing:  cfg.AnalyserSmoothing,
		VolumeInterval:     cfg.VolumeInterval,
		IdleTimeout:        cfg.CallIdleTimeout,
		RecordDir:          cfg.RecordDir,
	})

	api := httpapi.NewServer(cfg, machine, leadStore, metrics, stages, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("dispatch listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	machine.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
