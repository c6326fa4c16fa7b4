// Package app wires the coedit server runtime: config, logging, HTTP routes,
// the collaboration core and its event consumers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coedit/cmd/internal/archive"
	"coedit/cmd/internal/collab"
	"coedit/cmd/internal/fanout"
	"coedit/cmd/internal/metrics"
	"coedit/cmd/internal/realtime"
)

// App is the coedit server runtime. It owns the HTTP server and every
// long-running consumer of the collab bus.
type App struct {
	cfg Config
	log Logger

	store   *collab.Store
	metrics *metrics.Collector

	archive  archive.Store
	recorder *archive.Recorder

	publisher *fanout.RedisPublisher

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	bus := collab.NewBus(log, cfg.BusQueueSize)
	defaults := collab.DefaultSettings()
	if cfg.DefaultMaxParticipants > 0 {
		defaults.MaxParticipants = cfg.DefaultMaxParticipants
	}
	store := collab.NewStore(
		collab.WithLogger(log),
		collab.WithBus(bus),
		collab.WithTransformWindow(cfg.TransformWindow),
		collab.WithPreviewChars(cfg.ExportPreviewChars),
		collab.WithHistoryLimit(cfg.HistoryLimit),
		collab.WithDefaultSettings(defaults),
	)

	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: metrics.New(),
	}
	bus.AddListener(a.metrics.Observe)

	if err := a.openArchive(context.Background()); err != nil {
		return nil, err
	}
	a.recorder = archive.NewRecorder(log, bus, a.archive)
	a.metrics.RegisterDropCounter("archive", a.recorder.Dropped)

	if cfg.RedisURL != "" {
		pub, err := fanout.NewRedisPublisher(log, cfg.RedisURL, bus)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("fanout: %w", err)
		}
		a.publisher = pub
		a.metrics.RegisterDropCounter("fanout", pub.Dropped)
		log.Info("fanout.enabled.redis")
	}

	a.ws = realtime.NewWSGateway(log, store, realtime.GatewayConfig{
		DevInsecure:      cfg.WSDevInsecure,
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatInterval,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	}, realtime.WithArchive(a.archive))

	return a, nil
}

// openArchive decides between the Postgres archive and the in-memory dev archive.
func (a *App) openArchive(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_archive")
		a.archive = archive.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := archive.NewPostgresStore(pool, archive.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ensureCtx); err != nil {
		pool.Close()
		return fmt.Errorf("archive schema: %w", err)
	}

	a.log.Info("db.enabled.postgres_archive", "schema", a.cfg.DBSchema)
	a.archive, a.dbPool, a.dbEnabled = st, pool, true
	return nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and the bus consumers, and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Stopped by recorder.Close so queued changes are drained first.
		a.recorder.Run(context.WithoutCancel(ctx))
	}()
	if a.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.publisher.Run(workCtx)
		}()
	}
	if a.cfg.SessionIdleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reapLoop(workCtx)
		}()
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "fanout_enabled", a.publisher != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	for _, id := range a.store.Sessions() {
		a.store.CloseSession(id)
	}
	a.recorder.Close()
	stopWork()
	wg.Wait()

	a.closeResources()
	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Error("fanout.close.fail", "err", err)
		}
	}
	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
