package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"babblefish/internal/asr"
	"babblefish/internal/config"
	"babblefish/internal/language"
	"babblefish/internal/opuscodec"
	"babblefish/internal/pipeline"
	"babblefish/internal/room"
	"babblefish/internal/server"
	"babblefish/internal/translate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
	})

	logger.Info("starting babblefish server",
		"addr", cfg.Addr(),
		"asr", cfg.ASRBaseURL,
		"translate", cfg.TranslateBaseURL,
		"device", cfg.Device,
		"compute_type", cfg.ComputeType,
		"pipeline_permits", cfg.PipelinePermits)

	registry := language.NewRegistry()
	logger.Info("language registry ready", "languages", len(registry.Supported()))

	pipe := pipeline.New(
		asr.New(cfg.ASRBaseURL, cfg.Device, cfg.ComputeType),
		translate.New(cfg.TranslateBaseURL, cfg.Device, cfg.ComputeType),
		registry,
		int64(cfg.PipelinePermits),
		cfg.UtteranceDeadline(),
		logger,
	)

	manager := room.NewManager(room.ManagerConfig{
		MaxRooms:               cfg.MaxRooms,
		MaxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
		RoomTimeout:            cfg.RoomTimeout(),
		UtteranceHardCapSec:    cfg.UtteranceHardCapSeconds,
	}, pipe, logger)

	janitorDone := make(chan struct{})
	go manager.Run(janitorDone)

	newDecoder := func() (room.OpusSession, error) {
		return opuscodec.NewSession()
	}

	srv := server.New(cfg, registry, manager, newDecoder, logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	close(janitorDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	logger.Info("server stopped")
}
