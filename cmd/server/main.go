package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/api"
	"github.com/lalith-99/retailcore/internal/auth"
	"github.com/lalith-99/retailcore/internal/cache"
	"github.com/lalith-99/retailcore/internal/catalog"
	"github.com/lalith-99/retailcore/internal/config"
	"github.com/lalith-99/retailcore/internal/db"
	"github.com/lalith-99/retailcore/internal/jobs"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/repository"
	"github.com/lalith-99/retailcore/internal/repository/postgres"
	"github.com/lalith-99/retailcore/internal/tenant"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "retailcore-api")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres and Redis
	//
	// Startup has no request deadline; a bounded context keeps a dead
	// host from hanging the process forever.
	// ---------------------------------------------------------------
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	database, err := db.New(connectCtx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	rdb, err := db.NewRedis(connectCtx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	// ---------------------------------------------------------------
	// 4. Create repositories and services
	//
	// Assigning to the interface types proves at compile time that the
	// postgres stores satisfy them.
	// ---------------------------------------------------------------
	pool := database.Pool()
	var (
		tenantRepo  repository.TenantRepository     = postgres.NewTenantStore(pool)
		userRepo    repository.UserRepository       = postgres.NewUserStore(pool)
		catalogRepo repository.CatalogRepository    = postgres.NewCatalogStore(pool)
		siteRepo    repository.SiteConfigRepository = postgres.NewSiteConfigStore(pool)
	)

	directory := tenant.NewCachedDirectory(tenantRepo, cfg.TenantCacheTTL)
	resolver := tenant.NewResolver(directory, cfg.TenantBaseDomain)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.SessionTTL)

	cacheSvc := cache.New(rdb, logger,
		cache.WithComputeWait(cfg.CacheComputeWait),
		cache.WithComputeTimeout(cfg.CacheComputeTimeout),
		cache.WithDefaultTTL(cfg.DefaultCacheTTL),
		cache.WithOpTimeout(cfg.StoreTimeout),
	)
	queue := jobs.NewQueue(rdb, logger,
		jobs.WithVisibility(cfg.JobVisibilityTimeout),
		jobs.WithRetention(cfg.JobRetention),
		jobs.WithOpTimeout(cfg.StoreTimeout),
	)
	catalogSvc := catalog.NewService(catalogRepo, siteRepo, cacheSvc, queue)

	// ---------------------------------------------------------------
	// 5. Set up HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Logger:   logger,
		Issuer:   issuer,
		Resolver: resolver,
		Auth:     api.NewAuthHandler(userRepo, issuer, resolver, logger),
		Jobs:     api.NewJobHandler(queue, cfg.CORSAllowedOrigins),
		Catalog:  api.NewCatalogHandler(catalogSvc),
		Tenants:  api.NewTenantAdminHandler(tenantRepo, directory),
		Queues:   api.NewQueueAdminHandler(queue),
		Health: map[string]api.HealthCheck{
			"postgres": database.Health,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting retailcore API",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ---------------------------------------------------------------
	// 6. Wait for a signal, then drain in-flight requests
	// ---------------------------------------------------------------
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
