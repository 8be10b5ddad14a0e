// Package app assembles a workspace's database, config and background
// workers into one handle shared by the CLI commands and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"missionline/internal/bridge"
	"missionline/internal/chain"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/dispatch"
	"missionline/internal/engine"
	"missionline/internal/metrics"
	"missionline/internal/migrate"
	"missionline/internal/ratelimit"
	"missionline/internal/server"
	"missionline/internal/tracing"
)

// Options control Open.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/missionline.yml.
	ConfigPath string
	Logger     *log.Logger
	// TraceOutput receives stdout-exporter spans. Defaults to stderr.
	TraceOutput io.Writer
	Now         func() time.Time
}

// App is an opened workspace.
type App struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	Registrar  *chain.Registrar
	Runner     *chain.Runner
	Webhooks   *server.WebhookDispatcher
	Bridge     bridge.Bridge
	Metrics    metrics.Sink
	Prometheus *metrics.Prometheus
	Logger     *log.Logger

	closers []func(context.Context) error
}

// Open opens the workspace database, applies migrations, loads config and
// wires the dispatcher, chain runner and webhook pusher.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	cfg, err := loadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Workspace: workspace, DB: conn, Config: cfg, Logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	br, closeBridge, err := newBridge(workspace, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Bridge = br
	if closeBridge != nil {
		a.closers = append(a.closers, closeBridge)
	}

	a.Metrics = metrics.Nop{}
	if cfg.Metrics.Enabled {
		a.Prometheus = metrics.NewPrometheus(prometheus.NewRegistry())
		a.Metrics = a.Prometheus
	}

	shutdown, err := tracing.Setup(cfg.Tracing.Exporter, "missionline", opts.TraceOutput)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a.Engine = engine.New(conn, cfg)
	a.Engine.Bridge = br
	a.Engine.Metrics = a.Metrics
	a.Engine.Now = now

	a.Registrar = &chain.Registrar{
		Repo:    a.Engine.Repo,
		Events:  a.Engine.Events,
		Metrics: a.Metrics,
		Config:  cfg,
		Logger:  logger,
		Now:     now,
	}
	a.Dispatcher = &dispatch.Dispatcher{
		DB:      conn,
		Repo:    a.Engine.Repo,
		Events:  a.Engine.Events,
		Bridge:  br,
		Limiter: newLimiter(cfg),
		Metrics: a.Metrics,
		Chains:  a.Registrar,
		Config:  cfg,
		Logger:  logger,
		Now:     now,
	}
	a.Runner = &chain.Runner{
		DB:      conn,
		Repo:    a.Engine.Repo,
		Engine:  a.Engine,
		Events:  a.Engine.Events,
		Metrics: a.Metrics,
		Config:  cfg,
		Logger:  logger,
		Now:     now,
	}
	a.Webhooks = &server.WebhookDispatcher{
		Repo:     a.Engine.Repo,
		Hooks:    cfg.Webhooks,
		Interval: cfg.Server.WebhookInterval,
		Logger:   logger,
		Now:      now,
	}
	return a, nil
}

func loadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// newBridge builds the relay named by bridge.kind. Relative file relay
// directories are resolved against the workspace.
func newBridge(workspace string, cfg *config.Config) (bridge.Bridge, func(context.Context) error, error) {
	switch cfg.Bridge.Kind {
	case "redis":
		rc := cfg.Bridge.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		closer := func(context.Context) error { return client.Close() }
		rb := bridge.NewRedis(client, rc.QueueKey, rc.ResultsKey)
		rb.MarkerTTL = cfg.LeaseDuration()
		return rb, closer, nil
	default:
		files, err := bridge.NewFile(inWorkspace(workspace, cfg.Bridge.File.Outbox), inWorkspace(workspace, cfg.Bridge.File.Inbox))
		if err != nil {
			return nil, nil, fmt.Errorf("file bridge: %w", err)
		}
		return files, nil, nil
	}
}

func inWorkspace(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func newLimiter(cfg *config.Config) ratelimit.Limiter {
	if n := cfg.Dispatcher.RateLimit.PerSourcePerMinute; n > 0 {
		return ratelimit.NewSlidingWindow(n, time.Minute)
	}
	return ratelimit.Unlimited{}
}

// Handler builds the HTTP API for this workspace.
func (a *App) Handler(auth server.AuthConfig) (http.Handler, error) {
	if auth.Logger == nil {
		auth.Logger = a.Logger
	}
	cfg := server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth:     auth,
	}
	if a.Prometheus != nil {
		cfg.Metrics = a.Prometheus.Handler()
	}
	return server.New(cfg)
}

// TickStats sums one dispatcher tick and one chain runner tick.
type TickStats struct {
	Dispatch dispatch.Stats
	Chains   chain.RunStats
	Webhooks int
}

// Tick runs every background loop once, in dependency order.
func (a *App) Tick(ctx context.Context) (TickStats, error) {
	var st TickStats
	var err error
	if st.Dispatch, err = a.Dispatcher.Tick(ctx); err != nil {
		return st, fmt.Errorf("dispatch: %w", err)
	}
	if st.Chains, err = a.Runner.Tick(ctx); err != nil {
		return st, fmt.Errorf("chain runner: %w", err)
	}
	st.Webhooks = a.Webhooks.Tick(ctx)
	return st, nil
}

// RunWorkers runs the dispatcher, chain runner and webhook pusher until
// ctx is done or one of them fails.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	g.Go(func() error { return a.Runner.Run(ctx) })
	g.Go(func() error { return a.Webhooks.Run(ctx) })
	return g.Wait()
}

// Serve runs the HTTP server next to the workers. It returns after ctx is
// done and the server has shut down.
func (a *App) Serve(ctx context.Context, addr string, auth server.AuthConfig) error {
	handler, err := a.Handler(auth)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunWorkers(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.Logger.Printf("serve: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// Close releases everything Open acquired, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
