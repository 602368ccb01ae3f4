package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	redis "github.com/redis/go-redis/v9"

	"github.com/fahrettinrizaergin/docker-manager/internal/app/migrate"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/events"
	httpx "github.com/fahrettinrizaergin/docker-manager/internal/http"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/postgres"
	"github.com/fahrettinrizaergin/docker-manager/internal/resilience"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/auth"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/container"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/dashboard"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/deploy"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/lifecycle"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/node"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/organization"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/permission"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/project"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/webhook"
	"github.com/fahrettinrizaergin/docker-manager/internal/source"
	"github.com/fahrettinrizaergin/docker-manager/internal/telemetry"
	"github.com/fahrettinrizaergin/docker-manager/internal/ws"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
	"github.com/fahrettinrizaergin/docker-manager/pkg/crypto"
	"github.com/fahrettinrizaergin/docker-manager/pkg/logger"
)

const serviceName = "dockmgr-api"

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if shutdownTracing == nil {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, dbHealth, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer redisClient.Close()
	}

	var locks lock.Locker = lock.NewMemory()
	if cfg.LockBackend == config.LockBackendRedis {
		redisLocks, err := lock.NewRedis(redisClient, cfg.LockTTL, log)
		if err != nil {
			log.Error("redis lock backend unavailable", "error", err)
			os.Exit(1)
		}
		locks = redisLocks
	}

	hub := ws.NewHub()
	defer hub.Close()
	var forward events.Forwarder
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(ctx, cfg.NATSURL, log)
		if err != nil {
			log.Warn("nats forwarding disabled", "error", err)
		} else {
			defer nc.Close()
			forward = nc
		}
	}
	bus := events.NewBus(hub, forward, log)

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	breakers := resilience.NewBreakers(cfg.Node.BreakerFailures, cfg.Node.BreakerCooldown, engine.Unreachable)
	pool := engine.NewPool(engine.DialDocker, breakers, engine.GuardConfig{
		OpTimeout: cfg.Node.OpTimeout,
		Retry:     resilience.RetryPolicy{Attempts: cfg.Node.RetryAttempts},
	}, log)
	defer pool.Close()

	nodeSvc, err := node.New(store, pool, sealer, locks, cfg.Node, log)
	if err != nil {
		log.Error("node registry", "error", err)
		os.Exit(1)
	}
	defer nodeSvc.Close()

	workspace, err := source.NewWorkspace(cfg.Deploy.Workdir)
	if err != nil {
		log.Error("deploy workspace", "error", err)
		os.Exit(1)
	}
	git := source.Git{Binary: cfg.Deploy.GitBinary, Timeout: cfg.Deploy.GitTimeout}

	authSvc := auth.New(store, log, cfg)
	permSvc := permission.New(store, log)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	lifecycleSvc := lifecycle.New(store, nodeSvc, locks, bus, lifecycle.NewMetrics(registry), log)
	deploySvc := deploy.New(store, lifecycleSvc, git, workspace, bus, cfg.Deploy, log)

	if _, err := authSvc.EnsureAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPass); err != nil {
		log.Error("bootstrap admin failed", "error", err)
		os.Exit(1)
	}

	go permSvc.RunJanitor(ctx, cfg.GrantJanitorInterval)
	go nodeSvc.RunMonitor(ctx, cfg.Node.MonitorInterval)

	var limiter httpx.RateLimiter
	if redisClient != nil {
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
	}

	router := httpx.NewRouter(log, httpx.Services{
		Auth:          authSvc,
		Organizations: organization.New(store, lifecycleSvc, locks, log),
		Projects:      project.New(store, permSvc, lifecycleSvc, locks, log),
		Containers:    container.New(store, permSvc, locks, log),
		Lifecycle:     lifecycleSvc,
		Deployments:   deploySvc,
		Webhooks:      webhook.New(store, sealer, deploySvc, log),
		Nodes:         nodeSvc,
		Permissions:   permSvc,
		Dashboard:     dashboard.New(store, log),
		Hub:           hub,
	}, httpx.Options{
		Limiter:           limiter,
		DBHealth:          dbHealth,
		ExposeResetTokens: cfg.Environment != "production",
		Registry:          registry,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Handler(serviceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "locks", cfg.LockBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore connects the configured store, applying migrations for PostgreSQL.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (repository.Store, func(context.Context) error, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil, func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	repo := postgres.New(pool)
	return repo, repo.Ping, runner.Close
}
