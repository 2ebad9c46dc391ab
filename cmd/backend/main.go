package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lbakken/callpipe/internal/backend"
	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/convo"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/tracelog"
	"github.com/lbakken/callpipe/internal/transcript"
)

func main() {
	cfg, err := config.LoadBackend()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := tracelog.New("backend", cfg.LogLevel, os.Stderr)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewStageWindow(0)
	health := backend.NewHealth()

	// Degraded dependencies do not stop the server: sessions are accepted and
	// commits answered with a config error until the check clears.
	asr, err := backend.NewWhisperASR(cfg.WhisperCLI, cfg.WhisperModelPath, cfg.WhisperLanguage, cfg.WhisperThreads, cfg.ASRTimeout)
	health.Set("asr", err)
	if err != nil {
		logger.Warn("asr unavailable", "err", err.Error())
	}

	tts, err := backend.StartWorkerTTS(cfg.TTSPython, cfg.TTSWorkerScript, cfg.TTSVoice, cfg.TTSTimeout)
	health.Set("tts", err)
	if err != nil {
		logger.Warn("tts unavailable", "err", err.Error())
	} else {
		defer tts.Close()
	}

	var core convo.Core
	switch cfg.ConvoMode {
	case "command":
		parts := strings.Fields(cfg.ConvoCommand)
		core = convo.NewCommand(parts[0], parts[1:], 0)
		logger.Info("conversation core", "mode", "command", "bin", parts[0])
	default:
		core = convo.NewScripted(cfg.ConvoReplies)
		logger.Info("conversation core", "mode", "scripted")
	}
	health.Set("convo", nil)

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sink, err := transcript.Open(initCtx, cfg.DatabaseURL)
	initCancel()
	if err != nil {
		logger.Warn("transcript sink unavailable", "err", err.Error())
	} else if sink != nil {
		defer sink.Close()
		logger.Info("transcript sink connected")
	}
	// Transcripts are best-effort; a missing database never degrades calls.
	health.Set("db", nil)

	srv := backend.NewServer(cfg, logger, asr, tts, core, sink, metrics, window, health)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("backend listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err.Error())
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
}
