package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/kirillkom/hansen-persona-rag/internal/bootstrap"
	"github.com/kirillkom/hansen-persona-rag/internal/config"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, "api", cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error("shutdown_close_failed", "error", err)
		}
	}()

	go app.RunWatcher(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           app.Router().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.HTTPRequestTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		logger.Error("api_listen_failed", "addr", server.Addr, "error", err)
		return
	}
	if cfg.HTTPMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.HTTPMaxConnections)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api_listening", "addr", server.Addr, "max_connections", cfg.HTTPMaxConnections,
			"providers", cfg.LLMProviders, "vector_index", cfg.VectorIndex)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("api_server_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
