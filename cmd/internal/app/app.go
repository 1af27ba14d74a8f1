// Package app wires the Ripple client runtime: config, logging, the sync
// engine, and its store/outbox backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ripple/cmd/internal/chat"
)

// App owns the sync engine and the resources it runs on.
type App struct {
	cfg Config
	log Logger

	engine *chat.Engine
	store  chat.RemoteStore
	outbox chat.OutboxStore
	reg    *prometheus.Registry

	wsStore *chat.WSStore // nil in memory mode
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.UserID == "" {
		return nil, errors.New("app: RIPPLE_USER_ID is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := chat.NewMetrics(reg)

	store, wsStore, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	outbox, err := newOutbox(cfg, log)
	if err != nil {
		if wsStore != nil {
			wsStore.Close()
		}
		return nil, err
	}

	var upload chat.Uploader = chat.InlineUploader{}
	if cfg.MediaURL != "" {
		upload = chat.NewHTTPUploader(cfg.MediaURL)
	}

	engine := chat.NewEngine(log, store, upload, outbox, metrics, cfg.UserID,
		chat.WithViewRetention(cfg.ViewRetention),
		chat.WithManagerOptions(
			chat.WithTeardownGrace(cfg.TeardownGrace),
			chat.WithDegradedCooldown(cfg.DegradedCooldown),
		),
		chat.WithSendQueueOptions(
			chat.WithWriteTimeout(cfg.WriteTimeout),
		),
	)

	return &App{
		cfg:     cfg,
		log:     log,
		engine:  engine,
		store:   store,
		outbox:  outbox,
		reg:     reg,
		wsStore: wsStore,
	}, nil
}

// Engine exposes the sync engine to the CLI commands.
func (a *App) Engine() *chat.Engine { return a.engine }

// Start brings the engine up (session index, outbox resume).
func (a *App) Start(ctx context.Context) error {
	return a.engine.Start(ctx)
}

// Run starts the engine and blocks until context cancellation.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	var srv *http.Server
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
		srv = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Info("metrics.listen", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.log.Info("app.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("metrics.fail", "err", err)
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	a.Close()
	return nil
}

// Close tears the runtime down. Journaled sends resume on the next Start.
func (a *App) Close() {
	a.engine.Close()
	if a.wsStore != nil {
		a.wsStore.Close()
	}
	if err := a.outbox.Close(); err != nil {
		a.log.Warn("outbox.close.fail", "err", err)
	}
	a.log.Info("app.stopped")
}

// newStore decides between the websocket store gateway and the in-memory
// dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.RemoteStore, *chat.WSStore, error) {
	if cfg.StoreURL == "" {
		log.Info("store.disabled.inmemory")
		return chat.NewMemoryStore(), nil, nil
	}

	ws, err := chat.DialWSStore(ctx, log, cfg.StoreURL)
	if err != nil {
		return nil, nil, fmt.Errorf("app: dial store: %w", err)
	}
	log.Info("store.enabled.ws", "url", cfg.StoreURL)
	return ws, ws, nil
}

// newOutbox decides between the sqlite journal and the in-memory outbox.
func newOutbox(cfg Config, log Logger) (chat.OutboxStore, error) {
	if cfg.OutboxPath == "" {
		log.Info("outbox.inmemory")
		return chat.NewMemoryOutbox(), nil
	}
	ob, err := chat.NewSQLiteOutbox(cfg.OutboxPath)
	if err != nil {
		return nil, fmt.Errorf("app: open outbox: %w", err)
	}
	log.Info("outbox.sqlite", "path", cfg.OutboxPath)
	return ob, nil
}
