package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lbakken/callpipe/internal/config"
	"github.com/lbakken/callpipe/internal/observability"
	"github.com/lbakken/callpipe/internal/relay"
	"github.com/lbakken/callpipe/internal/tracelog"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := tracelog.New("relay", cfg.LogLevel, os.Stderr)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	srv := relay.NewServer(cfg, logger, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("relay listening", "addr", cfg.BindAddr, "backend", cfg.BackendWSURL)
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
