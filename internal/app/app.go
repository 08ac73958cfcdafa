// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package app wires the coordinator components from a configuration and
// serves them.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jllopis/steward/pkg/agentclient"
	"github.com/jllopis/steward/pkg/approval"
	"github.com/jllopis/steward/pkg/config"
	"github.com/jllopis/steward/pkg/coordinator"
	"github.com/jllopis/steward/pkg/events"
	"github.com/jllopis/steward/pkg/executor"
	"github.com/jllopis/steward/pkg/planner"
	"github.com/jllopis/steward/pkg/policy"
	"github.com/jllopis/steward/pkg/registry"
	"github.com/jllopis/steward/pkg/resilience"
	"github.com/jllopis/steward/pkg/reviewer"
	"github.com/jllopis/steward/pkg/server"
	"github.com/jllopis/steward/pkg/session"
	"github.com/jllopis/steward/pkg/storage"
	"github.com/jllopis/steward/pkg/telemetry"
)

// ServiceName identifies the process in telemetry.
const ServiceName = "steward"

// Options are process-level settings that do not belong in the
// configuration file.
type Options struct {
	// ConfigPath and Profile enable hot reload of the configuration, the
	// policy document and the route table.
	ConfigPath string
	Profile    string
	Version    string
	Logger     *slog.Logger
}

// App holds the wired components.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics

	db        *storage.DB
	emitters  events.Emitters
	sessions  session.Store
	sweeper   *approval.Sweeper
	closers   []func() error
	telemetry telemetry.ShutdownFunc

	Registry    *registry.Registry
	Policy      *policy.Engine
	Approvals   *approval.Gate
	Stream      *events.Stream
	Audit       events.AuditStore
	Classifier  *planner.TemplateClassifier
	Coordinator *coordinator.Coordinator
	Health      *server.HealthService
	HTTP        *server.Server
}

// New builds every component described by cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	a := &App{cfg: cfg, opts: opts, logger: opts.Logger}
	if a.logger == nil {
		a.logger = telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	version := a.opts.Version
	if version == "" {
		version = "dev"
	}
	shutdown, err := telemetry.Init(ServiceName, version, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = shutdown
	if a.metrics, err = telemetry.NewMetrics(); err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	if cfg.Approval.Store == "sql" || cfg.Events.Audit {
		if a.db, err = storage.Open(ctx, cfg.Storage); err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
	}
	if err := a.buildEvents(ctx); err != nil {
		return err
	}
	if err := a.buildApprovals(ctx); err != nil {
		return err
	}
	if err := a.buildSessions(ctx); err != nil {
		return err
	}
	if err := a.buildRegistry(ctx); err != nil {
		return err
	}
	if err := a.buildPolicy(); err != nil {
		return err
	}
	if err := a.buildCoordinator(); err != nil {
		return err
	}

	a.Health = server.NewHealthService(a.Registry, 0, a.logger)
	a.HTTP = server.New(server.Deps{
		Registry:    a.Registry,
		Policy:      a.Policy,
		Coordinator: a.Coordinator,
		Approvals:   a.Approvals,
		Stream:      a.Stream,
		Audit:       a.Audit,
		Health:      a.Health,
		Logger:      a.logger,
		EventBuffer: cfg.Events.Buffer,
	})
	return nil
}

func (a *App) buildEvents(ctx context.Context) error {
	cfg := a.cfg.Events
	a.Stream = events.NewStream()
	a.emitters = events.Emitters{a.Stream}
	a.closers = append(a.closers, func() error { a.Stream.Close(); return nil })

	if cfg.Audit {
		store, err := events.NewSQLAuditStore(ctx, a.db)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		a.Audit = store
		a.emitters = append(a.emitters, events.NewAuditSink(store, a.logger))
	}
	if cfg.Redis.Address != "" {
		sink, err := events.NewRedisSink(ctx, cfg.Redis, a.logger)
		if err != nil {
			return err
		}
		a.emitters = append(a.emitters, sink)
		a.closers = append(a.closers, sink.Close)
	}
	if cfg.AMQP.URL != "" {
		sink, err := events.NewAMQPSink(cfg.AMQP, a.logger)
		if err != nil {
			return err
		}
		a.emitters = append(a.emitters, sink)
		a.closers = append(a.closers, sink.Close)
	}
	return nil
}

func (a *App) buildApprovals(ctx context.Context) error {
	cfg := a.cfg.Approval
	var store approval.Store
	if cfg.Store == "sql" {
		s, err := approval.NewSQLStore(ctx, a.db)
		if err != nil {
			return fmt.Errorf("open approval store: %w", err)
		}
		store = s
	} else {
		store = approval.NewMemoryStore()
	}

	channels := approval.Channels{events.NewApprovalChannel(a.emitters)}
	if cfg.WebhookURL != "" {
		channels = append(channels, approval.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	a.Approvals = approval.NewGate(store,
		approval.WithTimeout(cfg.Timeout),
		approval.WithChannel(channels),
		approval.WithLogger(a.logger),
		approval.WithMetrics(a.metrics),
	)
	a.sweeper = approval.NewSweeper(store, approval.SweeperConfig{
		Interval: cfg.SweepInterval,
		Timeout:  cfg.Timeout,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	return nil
}

func (a *App) buildSessions(ctx context.Context) error {
	cfg := a.cfg.Session
	if cfg.Backend != "redis" {
		a.sessions = session.NewMemoryStore()
		return nil
	}
	store, err := session.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.sessions = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) buildRegistry(ctx context.Context) error {
	cfg := a.cfg.Registry
	factory := agentclient.NewFactory(a.cfg.Agents, nil, a.logger)
	a.Registry = registry.New(
		registry.WithBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
		registry.WithInvokerFactory(factory.Invoker),
		registry.WithProber(factory.Prober(), cfg.ProbeInterval),
		registry.WithLogger(a.logger),
		registry.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.Registry.Close)

	files, err := ExpandManifests(cfg.Manifests)
	if err != nil {
		return err
	}
	for _, path := range files {
		m, err := LoadManifest(path)
		if err != nil {
			return err
		}
		if _, err := a.Registry.Register(ctx, m); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
	}
	return nil
}

func (a *App) buildPolicy() error {
	cfg := a.cfg.Policy
	doc := policy.Document{Allowlist: cfg.Allowlist}
	if cfg.Path != "" {
		var err error
		if doc, err = policy.LoadFile(cfg.Path); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}
	engine, err := policy.NewEngine(doc.Rules, doc.Allowlist,
		policy.WithLogger(a.logger),
		policy.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}
	a.Policy = engine
	return nil
}

func (a *App) buildCoordinator() error {
	cfg := a.cfg
	retry := resilience.DefaultRetryConfig()
	if cfg.Planner.RetryBase > 0 {
		retry.InitialDelay = cfg.Planner.RetryBase
	}
	if cfg.Planner.RetryMax > 0 {
		retry.MaxDelay = cfg.Planner.RetryMax
	}
	plans := planner.New(a.Registry, a.Policy,
		planner.WithStepBudget(cfg.Planner.StepBudget),
		planner.WithWallClockBudget(cfg.Planner.WallClockBudget),
		planner.WithRetries(cfg.Planner.Retries),
		planner.WithRetryConfig(retry),
		planner.WithLogger(a.logger),
	)
	exec := executor.New(cfg.Executor, a.Registry, a.Approvals,
		executor.WithPolicyEngine(a.Policy),
		executor.WithEmitter(a.emitters),
		executor.WithMetrics(a.metrics),
		executor.WithLogger(a.logger),
	)

	opts := []coordinator.Option{
		coordinator.WithSessionStore(a.sessions),
		coordinator.WithReviewer(reviewer.New(a.logger)),
		coordinator.WithEmitter(a.emitters),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithLogger(a.logger),
	}
	if cfg.Planner.RoutesPath != "" {
		table, err := planner.LoadRoutes(cfg.Planner.RoutesPath)
		if err != nil {
			return fmt.Errorf("load routes: %w", err)
		}
		if a.Classifier, err = planner.NewTemplateClassifier(table.Routes); err != nil {
			return fmt.Errorf("build classifier: %w", err)
		}
		opts = append(opts, coordinator.WithClassifier(a.Classifier))
	}
	a.Coordinator = coordinator.New(coordinator.Config{
		StepBudget:   cfg.Planner.StepBudget,
		HistoryTurns: cfg.Session.HistoryTurns,
	}, plans, exec, opts...)
	return nil
}

// Run binds the configured addresses and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	var grpcLn net.Listener
	if a.cfg.Server.GRPCAddr != "" {
		if grpcLn, err = net.Listen("tcp", a.cfg.Server.GRPCAddr); err != nil {
			httpLn.Close()
			return fmt.Errorf("listen %s: %w", a.cfg.Server.GRPCAddr, err)
		}
	}
	return a.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the background loops and serves HTTP on httpLn and gRPC
// health on grpcLn (optional) until ctx is done, then drains.
func (a *App) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	cfg := a.cfg.Server
	watcher, err := a.watch(ctx)
	if err != nil {
		httpLn.Close()
		if grpcLn != nil {
			grpcLn.Close()
		}
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	a.Registry.Start(ctx)
	a.sweeper.Start(ctx)
	defer a.sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Health.Run(gctx)
		return nil
	})

	httpSrv := &http.Server{
		Handler:      a.HTTP,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	// Event stream clients hold their request open until the stream closes.
	httpSrv.RegisterOnShutdown(a.Stream.Close)
	g.Go(func() error {
		a.logger.InfoContext(ctx, "server.http.listening", slog.String("addr", httpLn.Addr().String()))
		if err := httpSrv.Serve(httpLn); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if grpcLn != nil {
		grpcSrv = grpc.NewServer()
		a.Health.Register(grpcSrv)
		g.Go(func() error {
			a.logger.InfoContext(ctx, "server.grpc.listening", slog.String("addr", grpcLn.Addr().String()))
			if err := grpcSrv.Serve(grpcLn); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.InfoContext(context.Background(), "server.draining")
		a.Registry.Drain(context.Background())
		a.Health.Shutdown()

		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if grpcSrv != nil {
			stopGRPC(shutdownCtx, grpcSrv)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// stopGRPC stops gracefully, forcing the stop when ctx ends first. Open
// health Watch streams would otherwise hold GracefulStop forever.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		<-done
	}
}

// Close releases every component in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		a.db = nil
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry(ctx); err != nil {
			errs = append(errs, err)
		}
		a.telemetry = nil
	}
	return stderrors.Join(errs...)
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}
