// Package main provides the oncelink binary entry point that serves the
// one-time message API. It loads configuration from defaults, an optional
// .env file and ONCELINK_* environment variables, validates it, opens the
// configured backend and then starts the HTTP server.
//
// The application flow:
//  1. Load and validate configuration.
//  2. Ensure the data directory exists.
//  3. Open the metrics database and the secret store backend.
//  4. Start background workers (metrics flush, janitor).
//  5. Serve HTTP until SIGINT/SIGTERM, then shut down gracefully.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/config"
	"github.com/haukened/oncelink/internal/httpx"
	"github.com/haukened/oncelink/internal/janitor"
	"github.com/haukened/oncelink/internal/metrics"
	"github.com/haukened/oncelink/internal/mirror"
	"github.com/haukened/oncelink/internal/store/filesystem"
	"github.com/haukened/oncelink/internal/store/memory"
	pebblestore "github.com/haukened/oncelink/internal/store/pebble"
	redisstore "github.com/haukened/oncelink/internal/store/redis"
	"github.com/haukened/oncelink/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// backend is the opened secret store plus the hooks main needs around it.
type backend struct {
	store     app.SecretStore
	reconcile janitor.Multi
	readiness func(context.Context) error
	closers   []io.Closer
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return fmt.Errorf("data path %q is not a directory", dir)
	}
	return nil
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite driver: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return db, nil
}

// openBackend builds the store named by cfg.Backend, wrapping it in a mirror
// when one is configured. db is the already opened SQLite handle.
func openBackend(ctx context.Context, cfg *config.Config, db *sql.DB, sink app.Metrics, log *slog.Logger) (*backend, error) {
	b := &backend{readiness: db.PingContext}
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := sqlite.New(db)
		if err != nil {
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		b.store = st
	case config.BackendFilesystem:
		dir := cfg.MessagesDir()
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create messages dir: %w", err)
		}
		st, err := filesystem.New(dir)
		if err != nil {
			return nil, fmt.Errorf("init filesystem store: %w", err)
		}
		b.store = st
		b.reconcile = append(b.reconcile, st)
		b.readiness = func(context.Context) error {
			_, err := os.ReadDir(dir)
			return err
		}
	case config.BackendMemory:
		b.store = memory.New()
	case config.BackendRedis:
		st, err := redisstore.Dial(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil && cfg.Mirror == config.MirrorNone {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		if err != nil {
			// the mirror absorbs the outage; keep a client so it can recover
			log.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "err", err)
			st = redisstore.New(redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}), "")
		}
		b.store = st
		b.closers = append(b.closers, st)
		if cfg.Mirror == config.MirrorNone {
			b.readiness = st.Ping
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Mirror != config.MirrorNone {
		local, closer, err := openMirrorStore(cfg, db)
		if err != nil {
			b.Close()
			return nil, err
		}
		if closer != nil {
			b.closers = append(b.closers, closer)
		}
		if r, ok := local.(janitor.Reconciler); ok {
			b.reconcile = append(b.reconcile, r)
		}
		m := mirror.New(b.store, local, mirror.Options{Logger: log, Metrics: sink})
		b.store = m
		b.reconcile = append(b.reconcile, m)
	}
	return b, nil
}

// openMirrorStore opens the local side of the mirror. The sqlite mirror
// shares db; the authoritative backend is redis whenever a mirror is set, so
// the secrets table is otherwise unused.
func openMirrorStore(cfg *config.Config, db *sql.DB) (mirror.LocalStore, io.Closer, error) {
	switch cfg.Mirror {
	case config.MirrorMemory:
		return memory.New(), nil, nil
	case config.MirrorSQLite:
		st, err := sqlite.New(db)
		if err != nil {
			return nil, nil, fmt.Errorf("init sqlite mirror: %w", err)
		}
		return st, nil, nil
	case config.MirrorFilesystem:
		dir := cfg.MirrorDir()
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create mirror dir: %w", err)
		}
		st, err := filesystem.New(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open mirror store: %w", err)
		}
		return st, nil, nil
	case config.MirrorPebble:
		st, err := pebblestore.Open(cfg.MirrorDir())
		if err != nil {
			return nil, nil, fmt.Errorf("open mirror store: %w", err)
		}
		return st, st, nil
	}
	return nil, nil, fmt.Errorf("unknown mirror %q", cfg.Mirror)
}

func buildService(st app.SecretStore, cfg *config.Config, clock app.Clock, sink app.Metrics, log *slog.Logger) *app.Service {
	return &app.Service{Store: st, Clock: clock, MaxBytes: cfg.MaxBytes, Metrics: sink, Logger: log}
}

func buildHandler(cfg *config.Config, svc *app.Service, readiness func(context.Context) error, mgr *metrics.Manager) http.Handler {
	h := httpx.New(svc, cfg.MaxBytes, readiness)
	if mgr != nil {
		h.Metrics = mgr.PromHandler()
		h.Snapshot = metrics.Handler(mgr, cfg.MetricsToken)
	}
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 120 * time.Second}
}

// serve runs srv until ctx is canceled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log := newLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)

	if err := ensureDataDir(cfg.DataDir); err != nil {
		return err
	}
	db, err := openDatabase(cfg.SQLiteDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := metrics.New(db, metrics.Config{FlushInterval: cfg.MetricsFlush, Logger: log})
	if err := mgr.InitSchema(ctx); err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	mgr.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mgr.Stop(sctx)
	}()

	be, err := openBackend(ctx, cfg, db, mgr, log)
	if err != nil {
		return err
	}
	defer be.Close()

	if len(be.reconcile) > 0 {
		jan := janitor.New(be.reconcile, mgr, janitor.Config{Interval: cfg.JanitorInterval, Logger: log})
		jan.Start(ctx)
		defer jan.Stop()
	}

	svc := buildService(be.store, cfg, realClock{}, mgr, log)
	srv := newServer(cfg, buildHandler(cfg, svc, be.readiness, mgr))
	log.Info("starting server", "addr", cfg.Addr, "backend", cfg.Backend, "mirror", cfg.Mirror, "pid", os.Getpid())
	return serve(ctx, srv)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
