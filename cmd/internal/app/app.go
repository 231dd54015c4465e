// Package app wires the courier runtime: config, logging, queue storage, the
// connection manager, the conversation cache, the sync engine and the debug
// HTTP listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/chatcache"
	"courier/cmd/internal/engine"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/realtime"
)

// App owns every long-lived component of a `courier run` process.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store  realtime.QueueStore
	dbPool *pgxpool.Pool

	manager *realtime.Manager
	cache   *chatcache.Cache
	engine  *engine.Engine

	closeOnce sync.Once
}

// Options override collaborators (tests).
type Options struct {
	Dialer realtime.Dialer
	Store  realtime.QueueStore
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts Options) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, pool := opts.Store, (*pgxpool.Pool)(nil)
	if st == nil {
		var err error
		st, pool, err = newQueueStore(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		store:    st,
		dbPool:   pool,
	}

	creds := realtime.StaticCredentials{Token: cfg.Token, UserID: cfg.UserID}
	mgr, err := realtime.NewManager(log, cfg.RealtimeConfig(), opts.Dialer, creds, st, m)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.manager = mgr

	cache, err := chatcache.New(log, cfg.CacheConfig(), m)
	if err != nil {
		_ = mgr.Close()
		a.closeStore()
		return nil, err
	}
	a.cache = cache

	eng, err := engine.New(log, mgr, cache, chat.Participant{ID: cfg.UserID, Role: cfg.UserRole},
		engine.WithSendLimit(cfg.SendRateLimit, cfg.SendRateWindow))
	if err != nil {
		_ = mgr.Close()
		a.closeStore()
		return nil, err
	}
	a.engine = eng

	return a, nil
}

// Manager returns the connection manager.
func (a *App) Manager() *realtime.Manager { return a.manager }

// Engine returns the sync engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run connects, joins the configured conversations and blocks until ctx is
// done or a component fails. A failed first connect is not fatal while auto
// reconnect is on.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.cache.Run(gctx) })

	if a.cfg.HTTPAddr != "" {
		g.Go(func() error { return a.serveHTTP(gctx) })
	}

	g.Go(func() error {
		if err := a.manager.Connect(gctx); err != nil {
			if !a.cfg.AutoReconnect || !realtime.IsRecoverable(err) {
				return fmt.Errorf("connect: %w", err)
			}
			a.log.Warn("app.connect.retrying", "err", err)
		}
		for _, id := range a.cfg.Conversations {
			if _, err := a.engine.Open(gctx, id); err != nil {
				return fmt.Errorf("open conversation %s: %w", id, err)
			}
		}
		a.log.Info("app.started", "conversations", len(a.cfg.Conversations), "queue_backend", a.cfg.QueueBackend)
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("app.stopped", "err", err)
	return err
}

// Close disconnects and releases storage. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.engine.Stop()
		if err := a.manager.Close(); err != nil {
			a.log.Warn("app.manager.close.fail", "err", err)
		}
		a.closeStore()
	})
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("app.store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func (a *App) handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.manager, a.registry, a.dbPool)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
	}

	a.log.Info("http.start", "addr", a.cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			a.log.Error("http.fail", "err", err)
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("http.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// newQueueStore opens the configured retry-queue backend. The pool is
// returned for Postgres so the app owns its lifecycle.
func newQueueStore(ctx context.Context, cfg Config, log Logger) (realtime.QueueStore, *pgxpool.Pool, error) {
	if err := cfg.ValidateQueue(); err != nil {
		return nil, nil, err
	}

	switch cfg.QueueBackend {
	case QueueBackendMemory:
		log.Info("queue.store.memory")
		return realtime.NewMemoryQueueStore(), nil, nil

	case QueueBackendFile:
		st, err := realtime.NewFileQueueStore(cfg.QueueDir)
		if err != nil {
			return nil, nil, err
		}
		log.Info("queue.store.file", "dir", cfg.QueueDir)
		return st, nil, nil

	case QueueBackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := realtime.NewPostgresQueueStore(pool, realtime.WithQueueSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("queue.store.postgres", "schema", cfg.DBSchema)
		return st, pool, nil

	case QueueBackendRedis:
		st, err := realtime.OpenRedisQueueStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Info("queue.store.redis", "prefix", cfg.RedisPrefix)
		return st, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}
