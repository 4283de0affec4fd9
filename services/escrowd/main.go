package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grantvault/ledger"
	"grantvault/observability/logging"
	"grantvault/storage/escrowdb"
)

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logging.Setup("escrowd", "", logging.ParseLevel("info")).Error("configuration error", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	store, err := escrowdb.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("open database", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	gateway := ledger.NewRPCClient(cfg.NodeURL, cfg.NodeAuthToken)
	server, err := NewServer(cfg, store, gateway, logger)
	if err != nil {
		logger.Error("assemble server", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resolve any releases interrupted by the previous run before accepting
	// new work.
	if resolved, err := server.Orchestrator().Reconcile(ctx); err != nil {
		logger.Warn("startup reconciliation incomplete", "resolved", resolved, "err", err)
	} else if resolved > 0 {
		logger.Info("startup reconciliation resolved entries", "resolved", resolved)
	}

	go func() {
		if err := server.Orchestrator().Run(ctx, cfg.Policy.ReconcileInterval()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("release worker stopped", "err", err)
		}
	}()
	go func() {
		if err := server.Notifier().Run(ctx, 5*time.Second); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notifier stopped", "err", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("escrowd listening", "addr", cfg.ListenAddress, "network", cfg.Network)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "err", err)
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}
