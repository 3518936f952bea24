// Package runtime assembles the audiocore daemon: embedded NATS, the
// recording store, blob storage, the audio pipeline, and the HTTP surface
// for health and metrics.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meetscribe/audiocore/internal/bus"
	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/natsserver"
	"github.com/meetscribe/audiocore/internal/pipeline"
	"github.com/meetscribe/audiocore/internal/recstore"
	"github.com/meetscribe/audiocore/internal/transcribe"
	"github.com/meetscribe/audiocore/internal/uploader"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *recstore.Store
	pipeline *pipeline.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = busClient

	store, err := recstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open recording store: %w", err)
	}
	r.store = store

	blobs, err := uploader.NewObjectStoreBlobs(busClient.JetStream(), r.cfg.Uploader.Bucket)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	batch, err := transcribe.New(r.cfg.Transcriber)
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}

	r.pipeline = pipeline.NewService(ctx, r.cfg, busClient, store, blobs, batch, r.logger)
	if err := r.pipeline.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("pipeline_mode", r.cfg.Pipeline.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	// The pipeline flushes buffers and waits for uploads before the bus and
	// store go away.
	r.pipeline.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("store close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	if r.embedded != nil {
		r.embedded.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus != nil && r.bus.Healthy() && r.pipeline != nil && r.pipeline.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
