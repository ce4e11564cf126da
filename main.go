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
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-check/internal/auth"
	"github.com/example/face-check/internal/config"
	"github.com/example/face-check/internal/facestore"
	"github.com/example/face-check/internal/grpcserver"
	"github.com/example/face-check/internal/handlers"
	"github.com/example/face-check/internal/logging"
	"github.com/example/face-check/internal/recognition/dlib"
	"github.com/example/face-check/internal/repository"
	"github.com/example/face-check/internal/usecase"
)

const dependencyTimeout = 15 * time.Second

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the gRPC health endpoint and exit")
	flag.Parse()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if *healthcheck {
		os.Exit(runHealthcheck(cfg, logger))
	}

	var health *grpcserver.HealthServer
	if cfg.GRPCHealthAddr != "" {
		health = startHealthServer(cfg.GRPCHealthAddr, logger)
		defer health.Stop()
	}

	store, err := facestore.New(cfg.KnownFacesDir, facestore.WithJPEGQuality(cfg.JPEGQuality))
	if err != nil {
		logger.Fatal("failed to open face store", zap.Error(err))
	}

	// Model loading dominates startup; the health server already answers
	// NOT_SERVING while it runs.
	logger.Info("loading face models", zap.String("dir", cfg.ModelsDir))
	detector, err := dlib.NewDetector(cfg.ModelsDir, logger)
	if err != nil {
		logger.Fatal("failed to load face models", zap.Error(err))
	}
	defer detector.Close()

	opts, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect dependencies", zap.Error(err))
	}

	uc := usecase.NewFaceUseCase(store, detector, logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(handlers.RequestLogger(logger), handlers.Recovery(logger, cfg.ExposeInternalErrors))

	routeOpts := handlers.Options{
		MaxBodyBytes:         cfg.MaxBodyBytes,
		ExposeInternalErrors: cfg.ExposeInternalErrors,
	}
	if cfg.JWTSecret != "" {
		verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
		if err != nil {
			logger.Fatal("failed to configure jwt", zap.Error(err))
		}
		routeOpts.ResultAuth = verifier.Middleware()
	}
	handlers.RegisterRoutes(r, uc, logger, routeOpts)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           cors.AllowAll().Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if health != nil {
		health.SetServing(true)
	}
	logger.Info("face check API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("known_faces_dir", store.Root()),
		zap.Bool("audit_log", cfg.DatabaseDSN != ""),
		zap.Bool("result_cache", cfg.RedisAddr != ""),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger, func() {
		if health != nil {
			health.SetServing(false)
		}
	}); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	if cfg.GRPCHealthAddr == "" {
		logger.Error("healthcheck requires GRPC_HEALTH_ADDR")
		return 1
	}
	if err := grpcserver.Probe(context.Background(), cfg.GRPCHealthAddr); err != nil {
		logger.Error("healthcheck failed", zap.Error(err))
		return 1
	}
	return 0
}

func startHealthServer(addr string, logger *zap.Logger) *grpcserver.HealthServer {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC health", zap.String("addr", addr), zap.Error(err))
	}
	health := grpcserver.NewHealthServer(logger)
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	return health
}

// initDependencies connects the optional audit database and result cache.
// It runs after model loading and starts its own deadline, so a slow model
// load cannot eat into the connection budget.
func initDependencies(cfg *config.Config, logger *zap.Logger) ([]usecase.Option, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dependencyTimeout)
	defer cancel()

	var opts []usecase.Option
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		repo := repository.NewVerificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		opts = append(opts, usecase.WithRepository(repo))
	}
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache, err := initRedis(redisCtx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, usecase.WithCache(cache))
	}
	return opts, nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string) (*usecase.RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	cache := usecase.NewRedisCache(client, usecase.ResultKeyPrefix)
	if err := cache.Ping(ctx); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return cache, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, onShutdown func()) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil, onShutdown)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests for up to shutdownTimeout.
// onShutdown runs once the signal is received, before draining starts.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown func()) error {
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
		if onShutdown != nil {
			onShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
