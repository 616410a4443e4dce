// Command floq-api serves the HTTP submission and status API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floqueue/floq/config"
	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/httpapi"
	"github.com/floqueue/floq/internal/boot"
	"github.com/floqueue/floq/job"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("floq-api exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := boot.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(context.Background())

	brk, closeBroker, err := boot.OpenBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker(context.Background())

	disp := dispatcher.New(store, brk, job.NewRegistry(), dispatcher.WithLogger(logger))
	api := &httpapi.Server{Dispatcher: disp, Logger: logger}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("store", cfg.Store),
			slog.String("broker", cfg.Broker),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
