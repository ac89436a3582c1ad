package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/subportal/backend/internal/admission"
	"github.com/subportal/backend/internal/approval"
	"github.com/subportal/backend/internal/auth"
	"github.com/subportal/backend/internal/config"
	"github.com/subportal/backend/internal/geoip"
	"github.com/subportal/backend/internal/health"
	"github.com/subportal/backend/internal/logger"
	"github.com/subportal/backend/internal/metrics"
	"github.com/subportal/backend/internal/middleware"
	"github.com/subportal/backend/internal/notify"
	"github.com/subportal/backend/internal/repository"
)

// Version is set at build time
var Version = "dev"

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg := config.Load()

	if cfg.JWT.Secret == "" {
		log.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	// Postgres holds the session ledger and the attempt log; without it the
	// engine cannot decide anything, so failure here is fatal.
	dbPool, err := setupDatabase(cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	sqlDB, err := setupSQLDatabase(cfg)
	if err != nil {
		log.Error("failed to open attempt log connection", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	// Redis only backs the geo lookup cache; start without it if unreachable.
	redisClient := setupRedis(cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Repositories
	accountRepo := repository.NewAccountRepository(dbPool)
	sessionRepo := repository.NewDeviceSessionRepository(dbPool)
	attemptRepo := repository.NewLoginAttemptRepository(sqlDB)
	notificationRepo := repository.NewNotificationRepository(dbPool)

	// Services
	geoResolver := geoip.NewCachedResolver(
		geoip.NewHTTPResolver(geoip.HTTPResolverConfig{
			BaseURL: cfg.GeoIP.BaseURL,
			Timeout: cfg.GeoIP.Timeout,
			Logger:  log,
		}),
		redisClient,
		cfg.GeoIP.CacheTTL,
		log,
	)

	notifier := notify.NewService(accountRepo, notificationRepo, log)

	engine := admission.NewEngine(admission.Config{
		Accounts: accountRepo,
		Sessions: sessionRepo,
		Attempts: attemptRepo,
		Notifier: notifier,
		Geo:      geoResolver,
		Detector: admission.NewDetector(cfg.Admission.TravelWindow),
		Logger:   log,
	})

	approvalService := approval.NewService(sessionRepo, attemptRepo, notificationRepo, log)

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		Secret:      cfg.JWT.Secret,
		TokenExpiry: cfg.JWT.TokenExpiry,
		Issuer:      cfg.JWT.Issuer,
	})

	// Handlers and middleware
	admissionHandler := admission.NewHandler(engine)
	approvalHandler := approval.NewHandler(approvalService)
	authMiddleware := middleware.NewAuthMiddleware(tokenService)
	admissionRateLimiter := middleware.NewAdmissionRateLimiter(60, time.Minute)

	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Version:     Version,
	})

	dbStats := metrics.NewDBStatsCollector(dbPool, sqlDB.DB, log)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	// Router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://portal.subportal.io", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		admission.RegisterRoutes(r, admissionHandler, admissionRateLimiter.Handler)
		approval.RegisterRoutes(r, approvalHandler, func(next http.Handler) http.Handler {
			return authMiddleware.Authenticate(authMiddleware.RequireAdministrator(next))
		})
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		"db", cfg.Database.DBName,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
	)
	return pool, nil
}

// setupSQLDatabase opens the sqlx connection used by the attempt log repository
func setupSQLDatabase(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// setupRedis connects to Redis for the geo lookup cache. Returns nil when
// Redis is unreachable; the cached resolver degrades to direct lookups.
func setupRedis(cfg *config.Config, log *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, geo lookups will not be cached", "addr", cfg.Redis.Addr, "error", err)
		client.Close()
		return nil
	}

	log.Info("connected to redis", "addr", cfg.Redis.Addr)
	return client
}
