// Package engine wires every Sluice component into one running broker
// instance: the durable log, the single writer, the reader pool, the
// notification bus, the connection registry, the publish and subscribe
// handlers, the admission sampler, and the metrics registry. The RPC
// framing layer that exposes Publish/Subscribe over the wire is out of
// scope (spec.md §1); this type is the seam a transport attaches to.
package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/sluice/internal/admission"
	"github.com/adred-codev/sluice/internal/config"
	"github.com/adred-codev/sluice/internal/logging"
	"github.com/adred-codev/sluice/internal/metrics"
	"github.com/adred-codev/sluice/internal/notify"
	"github.com/adred-codev/sluice/internal/publish"
	"github.com/adred-codev/sluice/internal/readerpool"
	"github.com/adred-codev/sluice/internal/registry"
	"github.com/adred-codev/sluice/internal/store"
	"github.com/adred-codev/sluice/internal/subscribe"
	"github.com/adred-codev/sluice/internal/writer"
)

// Engine holds every live component of a Sluice broker instance.
type Engine struct {
	Config    config.Config
	Logger    zerolog.Logger
	Bus       *notify.Bus
	Registry  *registry.Registry
	Metrics   *metrics.Registry
	Admission *admission.Sampler
	Publish   *publish.Handler
	Subscribe *subscribe.Handler

	writer *writer.Writer
	pool   *readerpool.Pool
}

// New opens the durable log and starts every component. Callers must
// call Close on shutdown.
func New(cfg config.Config, logger zerolog.Logger, promReg *prometheus.Registry) (*Engine, error) {
	writerDB, err := store.OpenWriter(cfg.DBPath(), cfg.WALCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("engine: open writer db: %w", err)
	}

	bus := notify.New(cfg.NotifyChannelSize)

	w := writer.New(writerDB, bus, logging.Component(logger, "writer"), writer.Config{
		BatchSize:   cfg.BatchSize,
		BatchDelay:  cfg.BatchDelay,
		ChannelSize: cfg.WriteChannelSize,
	})

	pool, err := readerpool.Open(cfg.DBPath(), cfg.ReaderPoolSize)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("engine: open reader pool: %w", err)
	}

	reg := registry.New()
	met := metrics.NewRegistry(promReg)
	adm := admission.New(reg, bus, w)
	ph := publish.New(w, nil, met)
	sh := subscribe.New(pool, w, bus, reg, met, logging.Component(logger, "subscribe"))

	return &Engine{
		Config:    cfg,
		Logger:    logger,
		Bus:       bus,
		Registry:  reg,
		Metrics:   met,
		Admission: adm,
		Publish:   ph,
		Subscribe: sh,
		writer:    w,
		pool:      pool,
	}, nil
}

// Close stops the writer (draining its queue first) and closes the
// reader pool. Outstanding Subscribe loops must be cancelled by the
// caller via context before Close is called.
func (e *Engine) Close() error {
	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("engine: close writer: %w", err)
	}
	if err := e.pool.Close(); err != nil {
		return fmt.Errorf("engine: close reader pool: %w", err)
	}
	return nil
}

// Healthy reports whether the engine can still take a reader-pool
// checkout, used by the /healthz endpoint.
func (e *Engine) Healthy(ctx context.Context) error {
	co, err := e.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("reader pool unavailable: %w", err)
	}
	defer co.Release()
	return co.DB().PingContext(ctx)
}
