package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lbakken/callpipe/internal/bridge"
	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/tracelog"
)

func main() {
	cfg, err := config.LoadBridge()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := tracelog.New("bridge", cfg.LogLevel, os.Stderr)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewStageWindow(0)

	srv := bridge.NewServer(cfg, logger, metrics, window)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("bridge listening", "addr", cfg.BindAddr)
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
