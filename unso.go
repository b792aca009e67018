// Package unso is the public API for embedding the unso job authority.
//
// The authority supervises cargo delivery jobs: it accepts reports from
// agents, validates them against each job's state machine, persists the
// resulting events, and pushes snapshots back to the owning agent.
//
//	app, err := unso.New(ctx,
//	    unso.WithVersion(version),
//	    unso.WithLogger(logger),
//	    unso.WithNoticeHook(myDispatchBoard{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types are
// standalone structs; conversion happens here.
package unso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/unso/api"
	"github.com/ashita-ai/unso/internal/auth"
	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/config"
	"github.com/ashita-ai/unso/internal/job"
	"github.com/ashita-ai/unso/internal/mcp"
	"github.com/ashita-ai/unso/internal/ratelimit"
	"github.com/ashita-ai/unso/internal/server"
	"github.com/ashita-ai/unso/internal/service/audit"
	"github.com/ashita-ai/unso/internal/service/recovery"
	"github.com/ashita-ai/unso/internal/storage"
	"github.com/ashita-ai/unso/internal/storage/sqlite"
	"github.com/ashita-ai/unso/internal/supervisor"
	"github.com/ashita-ai/unso/internal/telemetry"
	"github.com/ashita-ai/unso/migrations"
)

// Shutdown phase budgets.
const (
	httpDrainTimeout  = 10 * time.Second
	supervisorTimeout = 15 * time.Second
	auditDrainTimeout = 10 * time.Second
)

// App is the unso server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	store        storage.Store
	notify       server.Listener // nil unless Postgres LISTEN/NOTIFY is configured
	srv          *server.Server
	sup          *supervisor.Supervisor
	recovery     *recovery.Service
	audit        *audit.Buffer
	broker       *server.Broker
	limiter      ratelimit.Limiter
	hooks        *hookDispatcher // nil without hooks
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the authority. It opens storage, runs migrations, and
// wires every subsystem. It does not restore jobs, start goroutines, or
// accept connections: call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("unso starting", "version", version, "port", cfg.Port, "postgres", cfg.UsesPostgres())

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, notify, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	fail := func(err error) (*App, error) {
		store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	clk := clock.Real()
	seed := uint64(cfg.DamageSeed) //nolint:gosec // validated non-negative in config.Validate
	if seed == 0 {
		seed = uint64(clk.Now().UnixNano()) //nolint:gosec // wall clock is positive
	}

	auditBuf := audit.NewBuffer(store, clk, logger, cfg.AuditBufferSize, cfg.AuditFlushInterval)
	broker := server.NewBroker(logger)

	var hooks *hookDispatcher
	var publisher supervisor.Publisher = broker
	if len(o.noticeHooks) > 0 {
		hooks = newHookDispatcher(o.noticeHooks, logger)
		publisher = hookPublisher{Publisher: broker, hooks: hooks}
	}

	sup := supervisor.New(supervisor.Config{
		Store:     store,
		Clock:     clk,
		Deriver:   job.NewTableDeriver(job.DefaultDamage, seed),
		Logger:    logger,
		Publisher: publisher,
		Auditor:   auditBuf,
		Backlog:   cfg.Backlog,
		RetryBase: cfg.RetryBase,
		RetryMax:  cfg.RetryMax,
	})
	rec := recovery.New(store, sup, clk, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(clk, cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.ServerConfig{
		Store:               store,
		Supervisor:          sup,
		Recovery:            rec,
		JWTMgr:              jwtMgr,
		Broker:              broker,
		Logger:              logger,
		Limiter:             limiter,
		Audit:               auditBuf,
		BaseTerms:           cfg.Terms(),
		MaxDeliveryWindow:   cfg.MaxDeliveryWindow,
		IngestWait:          cfg.IngestWait,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	}
	if cfg.MCPEnabled {
		srvCfg.MCPServer = mcp.New(sup, store, logger, version).MCPServer()
	}
	srv := server.New(srvCfg)

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		_ = sup.Close(context.Background())
		_ = limiter.Close()
		return fail(fmt.Errorf("admin seed: %w", err))
	}

	return &App{
		cfg:          cfg,
		store:        store,
		notify:       notify,
		srv:          srv,
		sup:          sup,
		recovery:     rec,
		audit:        auditBuf,
		broker:       broker,
		limiter:      limiter,
		hooks:        hooks,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore connects to Postgres when a database URL is configured and
// falls back to the embedded SQLite file otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, server.Listener, error) {
	if !cfg.UsesPostgres() {
		st, err := sqlite.Open(ctx, cfg.SQLitePath, migrations.SQLite, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return st, nil, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.Postgres); err != nil {
		db.Close(context.Background())
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("storage: postgres", "notify", db.HasNotifyConn())
	if !db.HasNotifyConn() {
		return db, nil, nil
	}
	return db, db, nil
}

// Run restores open jobs, starts background workers and the HTTP server,
// then blocks until ctx is cancelled or a worker fails. Shutdown runs on
// return; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.audit.Start(ctx)

	sum, err := a.recovery.Recover(ctx)
	if err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("recovery: %w", err)
	}
	a.logger.Info("recovery complete",
		"restored", sum.Restored, "archived", sum.Archived,
		"unhealthy", sum.Unhealthy, "failed", sum.Failed)

	g, gctx := errgroup.WithContext(ctx)
	if a.hooks != nil {
		g.Go(func() error {
			a.hooks.run(gctx)
			return nil
		})
	}
	if a.notify != nil {
		g.Go(func() error { return a.broker.Relay(gctx, a.notify) })
	}
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the authority in order: (1) drain job actors so every
// accepted report is persisted, (2) flush the rejection trail, (3) close
// storage and telemetry. The HTTP server is stopped by Run before this.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("unso shutting down")

	var errs []error

	supCtx, supCancel := context.WithTimeout(ctx, supervisorTimeout)
	if err := a.sup.Close(supCtx); err != nil {
		a.logger.Error("supervisor shutdown incomplete", "error", err, "open_jobs", len(a.sup.Open(false)))
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	supCancel()

	auditCtx, auditCancel := context.WithTimeout(ctx, auditDrainTimeout)
	a.audit.Drain(auditCtx)
	auditCancel()
	if n := a.audit.Len(); n > 0 {
		a.logger.Error("rejection trail drain incomplete", "remaining", n)
	}

	_ = a.limiter.Close()
	a.store.Close(context.Background())
	_ = a.otelShutdown(context.Background())

	a.logger.Info("unso stopped")
	return errors.Join(errs...)
}
