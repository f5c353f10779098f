// Package runtime assembles the daemon: telemetry, the message bus, the
// session to the generation service, the transition engine, and the
// director that ties them together.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/bus"
	"github.com/nanlingyin/SoulLink-Live2D/internal/config"
	"github.com/nanlingyin/SoulLink-Live2D/internal/director"
	"github.com/nanlingyin/SoulLink-Live2D/internal/history"
	"github.com/nanlingyin/SoulLink-Live2D/internal/natsserver"
	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
	"github.com/nanlingyin/SoulLink-Live2D/internal/preset"
	"github.com/nanlingyin/SoulLink-Live2D/internal/puppet"
	"github.com/nanlingyin/SoulLink-Live2D/internal/session"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	busClient *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, runs until ctx is cancelled, then
// tears them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryClose, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	table := param.EmptyTable()
	if len(r.cfg.Channels) > 0 {
		table, err = param.NewTable(r.cfg.Channels)
		if err != nil {
			return fmt.Errorf("seed channel table: %w", err)
		}
	}
	store := param.NewStore(table)

	engine := puppet.New(r.cfg.Animation, store, table, r.logger)
	engine.Start()
	defer engine.Close()

	sess := session.New(r.cfg.Session, r.logger)
	defer sess.Close()

	presets := preset.NewCatalog(r.cfg.Animation.Aliases,
		time.Duration(r.cfg.Animation.DefaultDuration)*time.Millisecond)

	dir := director.NewService(ctx, r.cfg, busClient, sess, engine, store, presets, hist, r.logger)
	if err := dir.Start(); err != nil {
		return fmt.Errorf("start director: %w", err)
	}
	defer dir.Close()

	// A failed first dial is not fatal: the session keeps retrying
	// within its attempt budget.
	if err := sess.Connect(ctx); err != nil {
		r.logger.Warn("initial session dial failed", slog.String("error", err.Error()))
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
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if telemetryClose != nil {
		if err := telemetryClose(shutdownCtx); err != nil {
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
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
