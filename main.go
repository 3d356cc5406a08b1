package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/image-classifier/internal/auth"
	"github.com/example/image-classifier/internal/cache"
	"github.com/example/image-classifier/internal/config"
	"github.com/example/image-classifier/internal/handlers"
	"github.com/example/image-classifier/internal/health"
	"github.com/example/image-classifier/internal/imaging"
	"github.com/example/image-classifier/internal/inference"
	"github.com/example/image-classifier/internal/logging"
	"github.com/example/image-classifier/internal/pipeline"
	"github.com/example/image-classifier/internal/repository"
	"github.com/example/image-classifier/internal/search"
	"github.com/example/image-classifier/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	healthcheck := flag.Bool("healthcheck", false, "query the gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *healthcheck {
		os.Exit(runHealthcheck(cfg, logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fetcher := &inference.Fetcher{
		CacheDir: cfg.Model.CacheDir,
		HTTP:     resty.New().SetTimeout(cfg.Model.LoadTimeout),
		S3:       initObjectStorage(cfg.Model.S3, logger),
		Logger:   logger,
	}
	loader := inference.NewONNXLoader(inference.LoaderConfig{
		ModelLocation:  cfg.Model.Location,
		LabelsLocation: cfg.Model.Labels,
		ONNX: inference.ONNXConfig{
			LibraryPath: cfg.Model.LibraryPath,
			NumThreads:  cfg.Model.NumThreads,
			InputScale:  cfg.Model.InputScale,
		},
	}, fetcher, logger)
	store := inference.NewStore(loader, cfg.Model.LoadTimeout, logger)
	defer store.Close()

	normalizer := imaging.DefaultNormalizer()
	normalizer.MaxPixels = cfg.Pipeline.MaxPixels
	pipe := pipeline.New(pipeline.Config{
		Width:    cfg.Pipeline.Width,
		Height:   cfg.Pipeline.Height,
		Deadline: cfg.Pipeline.Deadline,
	}, nil, store, logger, pipeline.WithNormalizer(normalizer))

	var resultCache cache.Cache = cache.NopCache{}
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()
		defer redisClient.Close()
		resultCache = cache.NewRedisCache(redisClient)
	} else {
		logger.Info("redis not configured, results are not cached")
	}

	var repo usecase.PredictionRepository
	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database, logger)
		predictions := repository.NewPredictionRepository(db, logger)
		if err := predictions.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = predictions
	} else {
		logger.Info("database not configured, predictions are not persisted")
	}

	var searcher usecase.Searcher
	if cfg.Search.SearchEnabled() {
		searcher = search.New(search.Config{
			BaseURL: cfg.Search.BaseURL,
			Key:     cfg.Search.Key,
			CX:      cfg.Search.CX,
			Timeout: cfg.Search.Timeout,
			Retries: cfg.Search.Retries,
		}, logger)
	} else {
		logger.Info("search credentials not configured, search is disabled")
	}

	uc := usecase.NewClassificationUseCase(pipe, store, repo, resultCache, searcher, usecase.Config{
		DefaultK:  cfg.Pipeline.TopK,
		ResultTTL: cfg.Redis.TTL,
	}, logger)

	if cfg.GRPC.Addr != "" {
		healthServer := health.NewServer(logger)
		store.OnChange(healthServer.SetModelLoaded)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPC.Addr))
		}
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("gRPC health server stopped", zap.Error(err))
			}
		}()
		defer healthServer.Stop()
	}

	if cfg.Model.Preload {
		go func() {
			res, err := store.Get(context.Background())
			if err != nil {
				logger.Warn("model preload failed, will retry on first request", zap.Error(err))
				return
			}
			res.Release()
		}()
	}

	if cfg.Server.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Logger:        logger,
	}, auth.Middleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("image classifier listening", zap.String("addr", cfg.Server.Addr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	if cfg.GRPC.Addr == "" {
		logger.Error("grpc.addr is not configured")
		return 1
	}
	status, err := health.Check(context.Background(), cfg.GRPC.Addr, health.ServiceName)
	if err != nil {
		logger.Error("health check failed", zap.Error(err))
		return 1
	}
	logger.Info("health check", zap.String("status", status.String()))
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func initObjectStorage(cfg config.S3Config, logger *zap.Logger) *minio.Client {
	if cfg.Endpoint == "" {
		return nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Fatal("failed to create object storage client", zap.Error(err))
	}
	return client
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
