// Package runtime wires the daemon together: configuration, telemetry, the
// optional message bus, the job store and scheduler, and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lecternlabs/lectern/internal/bus"
	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/jobs"
	"github.com/lecternlabs/lectern/internal/library"
	"github.com/lecternlabs/lectern/internal/natsserver"
	"github.com/lecternlabs/lectern/internal/protocol"
	"github.com/lecternlabs/lectern/internal/synth"
	"github.com/lecternlabs/lectern/internal/wave"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	busClient     *bus.Client
	store         *jobs.Store
	sched         *jobs.Scheduler
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is canceled, then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		if err := r.startBus(); err != nil {
			return err
		}
	}

	store, err := jobs.Open(ctx, r.cfg.Jobs, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	r.store = store

	lib := library.New(r.cfg.Library.Root)
	enc, err := wave.NewEncoder(r.cfg.Encoder, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure encoder: %w", err)
	}
	synthClient := synth.NewClient(r.cfg.Synthesis, r.logger)

	r.sched = jobs.NewScheduler(store, lib, synthClient, enc, r.cfg.Synthesis.ChunkChars, r.logger)
	if r.busClient != nil {
		r.sched.SetPublisher(r.publishJobStatus)
	}
	if err := r.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.Handle("GET /library/", http.StripPrefix("/library/", http.FileServer(http.Dir(r.cfg.Library.Root))))
	api := &jobAPI{sched: r.sched, log: r.logger.With(slog.String("component", "http"))}
	api.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http server")

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics server")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.sched.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("job store shutdown error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus() error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) publishJobStatus(ev protocol.JobStatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to marshal job status event", slog.String("error", err.Error()))
		return
	}
	if err := r.busClient.Conn().Publish(protocol.SubjectJobStatus, data); err != nil {
		r.logger.Warn("failed to publish job status event", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
