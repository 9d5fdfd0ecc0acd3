package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/auth"
	"github.com/example/mri-check/internal/cache"
	"github.com/example/mri-check/internal/config"
	"github.com/example/mri-check/internal/gate"
	"github.com/example/mri-check/internal/grpcserver"
	"github.com/example/mri-check/internal/handlers"
	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/model"
	"github.com/example/mri-check/internal/usecase"
	"github.com/example/mri-check/internal/webui"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var fingerprints gate.FingerprintCache
	if cfg.Cache.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Cache.RedisAddr, logger)
		defer redisClient.Close()
		fingerprints = cache.NewRedisFingerprintCache(redisClient, cfg.Cache.TTL, logger)
	}

	loader := gate.NewLoader(cfg.Gate.ReferenceDir, fingerprints, logger)
	if _, err := loader.Load(ctx); err != nil {
		logger.Error("reference set unavailable at startup", zap.Error(err), zap.Bool("fail_closed", cfg.Gate.FailClosed))
	}
	mriGate := gate.New(loader, cfg.Gate.Threshold, logger)

	classifier, err := model.NewONNXClassifier(model.ONNXOptions{
		ModelPath:      cfg.Model.Path,
		RuntimeLibrary: cfg.Model.RuntimeLibrary,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
	}, logger)
	if err != nil {
		logger.Fatal("failed to load classifier", zap.Error(err))
	}
	defer classifier.Close()

	uc := usecase.NewClassificationUseCase(mriGate, classifier, cfg.Gate.FailClosed, logger).
		WithMaxImagePixels(cfg.Server.MaxImagePixels)

	router, err := newRouter(cfg, uc, logger)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	if cfg.Server.GRPCHealthAddr != "" {
		healthServer := grpcserver.NewHealthServer(logger)
		listener, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC health", zap.Error(err), zap.String("addr", cfg.Server.GRPCHealthAddr))
		}
		go func() {
			if err := healthServer.Serve(listener); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
		defer healthServer.Stop()

		trackCtx, stopTracking := context.WithCancel(context.Background())
		defer stopTracking()
		go healthServer.Track(trackCtx, readinessInterval, readinessCheck(uc))
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("MRI classifier listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("reference_dir", cfg.Gate.ReferenceDir),
		zap.Int("threshold", cfg.Gate.Threshold),
		zap.Bool("auth", cfg.Auth.JWTSecret != ""))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// readinessInterval is how often the gRPC health status re-checks the reference set.
const readinessInterval = 15 * time.Second

type readiness interface {
	Ready(ctx context.Context) (int, error)
}

// readinessCheck reports an error while the reference set cannot be loaded.
// The classifier is loaded before the check ever runs.
func readinessCheck(r readiness) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.Ready(ctx)
		return err
	}
}

// pipeline is what both front ends consume.
type pipeline interface {
	handlers.Pipeline
	webui.Classifier
}

func newRouter(cfg *config.Config, uc pipeline, logger *zap.Logger) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestContext(logger))
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	var guard gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		guard = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, logger)
	}
	handlers.RegisterRoutes(r, uc, handlers.Options{MaxUploadBytes: cfg.Server.MaxUploadBytes, Auth: guard})

	if err := webui.RegisterRoutes(r, uc, webui.Options{MaxUploadBytes: cfg.Server.MaxUploadBytes, Auth: guard}, logger); err != nil {
		return nil, err
	}
	return r, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", addr))
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
