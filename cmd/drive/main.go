// ==============================================================================
// DRIVE SERVICE MAIN - cmd/drive/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"sharedrive/internal/access"
	"sharedrive/internal/account"
	"sharedrive/internal/drive"
	"sharedrive/internal/events"
	"sharedrive/internal/files"
	"sharedrive/internal/handler"
	"sharedrive/internal/metrics"
	"sharedrive/internal/middleware"
	"sharedrive/internal/quota"
	"sharedrive/internal/repository/postgres"
	"sharedrive/internal/scheduler"
	"sharedrive/internal/session"
	"sharedrive/internal/upload"
	"sharedrive/pkg/cache"
	"sharedrive/pkg/config"
	"sharedrive/pkg/logger"
	"sharedrive/pkg/validator"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithWriter("sharedrive", logger.ParseLevel(cfg.LogLevel), os.Stdout)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting drive service", map[string]interface{}{
		"port":          cfg.Server.Port,
		"session_store": cfg.Upload.SessionStore,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	log.Info("Database connected", nil)

	// Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Redis connected", nil)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	// Drive provider
	ts := drive.TokenSource(ctx, drive.OAuthConfig{
		ClientID:     cfg.Drive.ClientID,
		ClientSecret: cfg.Drive.ClientSecret,
		RefreshToken: cfg.Drive.RefreshToken,
		TokenURL:     cfg.Drive.TokenURL,
	})
	google, err := drive.NewGoogleGateway(ctx, ts, drive.GoogleConfig{
		APIEndpoint:    cfg.Drive.APIEndpoint,
		UploadEndpoint: cfg.Drive.UploadEndpoint,
	}, log)
	if err != nil {
		log.Fatal("Failed to create drive gateway", map[string]interface{}{"error": err.Error()})
	}
	gateway := drive.NewInstrumented(google, m)

	// Events
	hub := events.NewHub(32, log)
	relay := events.NewRedisRelay(redisClient, hub, log)
	go relay.Listen(ctx)

	// Services
	accountRepo := postgres.NewAccountRepository(db)
	quotaService := quota.NewService(accountRepo, quota.ExpiryPolicy{FreePlan: cfg.Quota.DefaultPlan}, quota.Config{
		FreeTierBytes:  cfg.Quota.FreeTierBytes,
		AdminUnlimited: cfg.Quota.AdminUnlimited,
	}, log)
	accountService := account.NewService(accountRepo, gateway, quotaService, account.Config{
		DefaultPlan:  cfg.Quota.DefaultPlan,
		DefaultLimit: cfg.Quota.DefaultLimit,
		DriveRootID:  cfg.Drive.RootFolderID,
	}, log)

	redisCache := cache.NewRedisCache(redisClient, "sharedrive:")
	parents := access.NewCachedParents(access.NewGatewayParents(gateway), redisCache, cfg.Drive.ParentCacheTTL, log)
	resolver := access.NewResolver(accountService, parents, log)

	fileService := files.NewService(gateway, resolver, accountService, quotaService, log,
		files.WithListingCache(redisCache, cfg.Drive.ListingCacheTTL),
		files.WithParentForgetter(parents),
		files.WithEvents(relay),
	)

	var sessions session.Registry
	switch cfg.Upload.SessionStore {
	case "redis":
		sessions = session.NewRedisRegistry(redisClient, cfg.Upload.SessionTTL, log)
	default:
		mem := session.NewMemoryRegistry(cfg.Upload.SessionTTL, log)
		m.TrackOpenSessions(mem.Open)
		sessions = mem
	}

	// Background jobs
	jobs := scheduler.NewScheduler(time.Second, log)
	jobs.Schedule(scheduler.Job{
		Name:     "session_sweep",
		Interval: 10 * time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			_, err := sessions.SweepExpired(ctx, now)
			return err
		},
	})
	jobs.Start(ctx)

	uploadService := upload.NewService(gateway, quotaService, resolver, accountService, sessions, upload.Config{
		MaxChunkBytes:   cfg.Upload.MaxChunkBytes,
		URLFetchTimeout: cfg.Upload.URLFetchTimeout,
	}, log,
		upload.WithEvents(relay),
		upload.WithMetrics(m),
		upload.WithListingInvalidator(fileService),
	)

	// Handlers
	val := validator.New()
	driveHandler := handler.NewDriveHandler(fileService, uploadService, accountService, hub, val, cfg.Upload.MaxMultipartBytes, log)
	systemHandler := handler.NewSystemHandler(map[string]handler.Check{
		"database": db.PingContext,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, log)

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recovery(log))

	r.HandleFunc("/health", systemHandler.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", systemHandler.Ready).Methods(http.MethodGet)
	if m != nil {
		r.Handle(cfg.Metrics.Path, m.Handler()).Methods(http.MethodGet)
	}

	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret,
		middleware.WithBlacklist(middleware.NewRedisTokenBlacklist(redisClient)))
	idemMW := middleware.NewIdempotencyMiddleware(redisClient, 24*time.Hour, log)

	// Protected routes
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW.Authenticate)
	api.Use(middleware.NewLoggingMiddleware(log, m).Log)
	api.Use(middleware.NewRateLimiter(redisClient, cfg.Upload.RateLimit, cfg.Upload.RateWindow, log).Limit)
	api.Use(idemMW.Optional)
	driveHandler.Register(api)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		log.Info("Drive service started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down drive service...", nil)
	jobs.Stop()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Drive service forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Drive service stopped gracefully", nil)
}
