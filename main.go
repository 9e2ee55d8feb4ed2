package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/fwe-access/internal/di"
	"github.com/prohmpiriya/fwe-access/internal/handler"
	"github.com/prohmpiriya/fwe-access/internal/metrics"
	"github.com/prohmpiriya/fwe-access/internal/repository"
	"github.com/prohmpiriya/fwe-access/internal/service"
	"github.com/prohmpiriya/fwe-access/migrations"
	"github.com/prohmpiriya/fwe-access/pkg/config"
	"github.com/prohmpiriya/fwe-access/pkg/database"
	"github.com/prohmpiriya/fwe-access/pkg/kafka"
	"github.com/prohmpiriya/fwe-access/pkg/logger"
	"github.com/prohmpiriya/fwe-access/pkg/middleware"
	pkgredis "github.com/prohmpiriya/fwe-access/pkg/redis"
	"github.com/prohmpiriya/fwe-access/pkg/retry"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	// Parse flags and load configuration
	fs := config.Flags(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting access service...",
		zap.String("version", cfg.App.Version),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("lock_backend", cfg.CheckIn.LockBackend),
	)

	ctx := context.Background()

	// Initialize telemetry before anything creates instruments
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
		MetricInterval: cfg.OTel.MetricInterval,
	}); err != nil {
		appLog.Warn("Telemetry init failed, continuing without export", zap.Error(err))
	}
	if err := metrics.Init(); err != nil {
		appLog.Warn("Metrics init failed", zap.Error(err))
	}

	location, err := cfg.CheckIn.Location()
	if err != nil {
		appLog.Fatal("Invalid timezone", zap.Error(err))
	}

	// Initialize the store
	var (
		terminalRepo repository.TerminalRepository
		checkInRepo  repository.CheckInRepository
		dbHealth     handler.HealthChecker
		pgDB         *database.PostgresDB
		closeDB      func()
	)
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		sqliteDB, err := database.NewSQLite(ctx, &database.SQLiteConfig{Path: cfg.Database.SQLitePath})
		if err != nil {
			appLog.Fatal("SQLite open failed", zap.Error(err))
		}
		if cfg.Database.Migrate {
			if err := database.MigrateSQLite(ctx, sqliteDB.DB(), migrations.FS, migrations.SQLiteDir); err != nil {
				appLog.Fatal("SQLite migration failed", zap.Error(err))
			}
		}
		terminalRepo = repository.NewSQLiteTerminalRepository(sqliteDB)
		checkInRepo = repository.NewSQLiteCheckInRepository(sqliteDB)
		dbHealth = sqliteDB
		closeDB = func() { _ = sqliteDB.Close() }
		appLog.Info("SQLite opened", zap.String("path", cfg.Database.SQLitePath))
	default:
		dbCfg := database.DefaultPostgresConfig()
		dbCfg.Host = cfg.Database.Host
		dbCfg.Port = cfg.Database.Port
		dbCfg.User = cfg.Database.User
		dbCfg.Password = cfg.Database.Password
		dbCfg.Database = cfg.Database.DBName
		dbCfg.SSLMode = cfg.Database.SSLMode
		dbCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		dbCfg.MinConns = int32(cfg.Database.MaxIdleConns)
		dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		dbCfg.EnableTracing = cfg.OTel.Enabled

		pgDB, err = database.NewPostgres(ctx, dbCfg)
		if err != nil {
			appLog.Fatal("Database connection failed", zap.Error(err))
		}
		if cfg.Database.Migrate {
			if err := database.MigratePostgres(ctx, pgDB.Pool(), migrations.FS, migrations.PostgresDir); err != nil {
				appLog.Fatal("Database migration failed", zap.Error(err))
			}
		}
		terminalRepo = repository.NewPostgresTerminalRepository(pgDB.Pool())
		checkInRepo = repository.NewPostgresCheckInRepository(pgDB.Pool())
		dbHealth = pgDB
		closeDB = pgDB.Close
		appLog.Info(fmt.Sprintf("Database connected (pool: min=%d, max=%d)", dbCfg.MinConns, dbCfg.MaxConns))
	}
	defer closeDB()

	// Initialize Redis connection
	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisCfg := pkgredis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisClient, err = pkgredis.NewClient(ctx, redisCfg)
		if err != nil {
			appLog.Fatal("Redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		appLog.Info(fmt.Sprintf("Redis connected (pool: %d, minIdle: %d)", redisCfg.PoolSize, redisCfg.MinIdleConns))

		terminalRepo = repository.NewCachedTerminalRepository(terminalRepo, redisClient, cfg.CheckIn.TerminalCacheTTL)
	}

	// Initialize Kafka access events and dead letters
	var (
		eventPublisher service.AccessEventPublisher = service.NewNoOpAccessEventPublisher()
		dlqPublisher   retry.DLQPublisher           = retry.NewNoOpDLQPublisher()
	)
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
		})
		if err != nil {
			appLog.Warn("Kafka connection failed, using no-op publisher", zap.Error(err))
		} else {
			defer producer.Close()
			kafkaPublisher, err := service.NewKafkaAccessEventPublisher(producer, &service.AccessEventPublisherConfig{
				Topic:       cfg.Kafka.AccessTopic,
				ServiceName: cfg.App.Name,
			})
			if err != nil {
				appLog.Fatal("Access event publisher failed", zap.Error(err))
			}
			eventPublisher = kafkaPublisher
			dlqPublisher = retry.NewKafkaDLQPublisher(producer, &retry.DLQConfig{
				Topic:  cfg.Kafka.DLQTopic,
				Source: cfg.App.Name,
			})
			appLog.Info("Kafka publisher connected", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	}

	// Initialize the ticket locker
	var locker service.TicketLocker
	switch cfg.CheckIn.LockBackend {
	case config.LockBackendRedis:
		redisLocker := repository.NewRedisTicketLocker(redisClient, cfg.CheckIn.LockTTL)
		if err := redisLocker.LoadScripts(ctx); err != nil {
			appLog.Warn("Failed to pre-load Lua scripts", zap.Error(err))
		} else {
			appLog.Info("Lua scripts pre-loaded into Redis")
		}
		locker = redisLocker
	case config.LockBackendPostgres:
		locker = repository.NewPostgresTicketLocker(pgDB.Pool())
	default:
		locker = service.NewKeyedLocker(service.DefaultLockStripes)
	}

	// Build dependency injection container
	container := di.NewContainer(&di.ContainerConfig{
		DB:             dbHealth,
		Redis:          redisClient,
		TerminalRepo:   terminalRepo,
		CheckInRepo:    checkInRepo,
		TicketLocker:   locker,
		EventPublisher: eventPublisher,
		DLQPublisher:   dlqPublisher,
		RecorderConfig: &service.AccessRecorderConfig{
			MaxRetries:     cfg.CheckIn.RecordRetries,
			InitialBackoff: cfg.CheckIn.RecordBackoff,
			Topic:          cfg.Kafka.AccessTopic,
			Source:         cfg.App.Name,
		},
		ServiceConfig: &service.CheckInServiceConfig{
			Timeout:     cfg.CheckIn.Timeout,
			Location:    location,
			LockBackend: cfg.CheckIn.LockBackend,
		},
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
	})

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(container, &routerConfig{
		ServiceName:    cfg.App.Name,
		IdempotencyTTL: cfg.CheckIn.IdempotencyTTL,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Start server in goroutine
	go func() {
		appLog.Info(fmt.Sprintf("Access service listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Server forced to shutdown", zap.Error(err))
	}

	// Let in-flight access events reach the broker before the producer closes
	container.AccessRecorder.Wait()
	if err := container.EventPublisher.Close(); err != nil {
		appLog.Warn("Event publisher close failed", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("Telemetry shutdown failed", zap.Error(err))
	}

	appLog.Info("Server exited gracefully")
}

// routerConfig holds the HTTP surface settings
type routerConfig struct {
	ServiceName    string
	IdempotencyTTL time.Duration
}

// setupRouter registers middleware and routes on a new engine
func setupRouter(container *di.Container, cfg *routerConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(telemetry.TracingMiddleware(cfg.ServiceName, "/health", "/ready"))
	router.Use(middleware.RequestLogger(logger.Get(), "/health", "/ready"))

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	// Terminal retries replay the first decision when Redis is available
	register := []gin.HandlerFunc{container.CheckInHandler.Register}
	if container.Redis != nil {
		idempotencyConfig := middleware.DefaultIdempotencyConfig(container.Redis.Client())
		if cfg.IdempotencyTTL > 0 {
			idempotencyConfig.TTL = cfg.IdempotencyTTL
		}
		idempotencyConfig.WriteError = handler.WriteIdempotencyError
		register = append([]gin.HandlerFunc{middleware.IdempotencyMiddleware(idempotencyConfig)}, register...)
	}

	// Legacy terminal firmware posts without the version prefix
	router.POST("/acesso/register", register...)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", container.HealthHandler.Status)

		acesso := v1.Group("/acesso")
		{
			acesso.POST("/register", register...)
			acesso.GET("/tickets/:id/accesses", container.CheckInHandler.ListAccesses)
		}
	}

	return router
}
