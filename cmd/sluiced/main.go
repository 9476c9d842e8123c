// Command sluiced runs one Sluice broker instance: the durable log, the
// writer, the reader pool, and the /metrics and /healthz HTTP endpoints.
// The RPC framing layer for Publish/Subscribe is an external collaborator
// (spec.md §1) and is not started here.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/sluice/internal/config"
	"github.com/adred-codev/sluice/internal/engine"
	"github.com/adred-codev/sluice/internal/logging"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SLUICE_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting sluiced")
	cfg.LogEvent(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("cannot create data directory")
	}

	promReg := prometheus.NewRegistry()
	eng, err := engine.New(cfg, logger, promReg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := eng.Healthy(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpAddr := cfg.Host + ":" + strconv.Itoa(cfg.MetricsPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", httpAddr).Msg("metrics/healthz server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down http server")
	}
	if err := eng.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing engine")
	}
	logger.Info().Msg("sluiced stopped")
}
