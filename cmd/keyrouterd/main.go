// Command keyrouterd serves key selection and usage recording over HTTP for
// proxies that pool upstream API keys.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/meter"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "keyrouter.yaml", "Config file path")
	addr := flag.String("addr", "127.0.0.1:8080", "Listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(*configPath, *addr, logger); err != nil {
		logger.Error("keyrouterd stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, logger *slog.Logger) error {
	cfg, err := keyrouter.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	router, err := keyrouter.NewRouter(cfg, store,
		keyrouter.WithMeter(meter.Multi(meter.NewLogMeter(logger), meter.NewPrometheusMeter(reg))),
	)
	if err != nil {
		return err
	}

	if cfg.Seed {
		if err := router.Seed(ctx); err != nil {
			return err
		}
	}

	if p, ok := store.(keyrouter.Pruner); ok && cfg.Store.Retention > 0 {
		go runPruner(ctx, p, cfg.Store.Retention, pruneInterval, logger)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(router, reg, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("keyrouterd listening", "addr", addr, "driver", cfg.Store.Driver, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
