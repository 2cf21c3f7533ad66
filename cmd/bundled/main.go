package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/access"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bates"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bundle"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/jobs"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/metrics"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/registry"
	repo "github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/server"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/storage"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open document store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close document store", "error", err)
		}
	}()

	locker, err := locking.Open(cfg.Lock, logger)
	if err != nil {
		logger.Error("failed to open lock backend", "backend", cfg.Lock.Backend, "error", err)
		os.Exit(1)
	}
	if rl, ok := locker.(*locking.RedisLocker); ok {
		defer rl.Close()
	}

	policy, err := access.LoadEngine(ctx, cfg.Access.PolicyFile, cfg.Access.DataFile, logger)
	if err != nil {
		logger.Error("failed to load access policy", "error", err)
		os.Exit(1)
	}
	validator, err := common.NewRequestValidator()
	if err != nil {
		logger.Error("failed to compile request schemas", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New("exhibit_bundler")
	}

	exhibitsRepo := repo.NewExhibitRepository(db, logger)
	jobsRepo := repo.NewBundleJobRepository(db, logger)

	registrySvc := registry.NewService(db, exhibitsRepo, jobsRepo, store, locker, logger,
		registry.WithLockWait(cfg.Lock.WaitTimeout),
		registry.WithMetrics(m),
	)
	orch := jobs.NewOrchestrator(db, exhibitsRepo, jobsRepo, store, locker,
		bates.NewStamper(logger, bates.WithMetrics(m)),
		bundle.NewAssembler(logger),
		jobs.ConfigFrom(cfg.Bundle, cfg.Lock),
		logger,
		jobs.WithMetrics(m),
	)
	queue := jobs.NewQueue(orch, logger,
		jobs.WithWorkers(cfg.Bundle.Workers),
		jobs.WithQueueSize(cfg.Bundle.QueueSize),
		jobs.WithProcessTimeout(cfg.Bundle.JobDeadline),
		jobs.WithQueueMetrics(m),
	)
	orch.SetQueue(queue)

	if n, err := orch.Recover(ctx); err != nil {
		logger.Error("failed to recover pending jobs", "error", err)
	} else if n > 0 {
		logger.Info("re-enqueued pending bundle jobs", "count", n)
	}
	go orch.RunReaper(ctx, cfg.Bundle.ReapInterval)

	gin.SetMode(gin.ReleaseMode)
	api := server.New(server.Deps{
		Registry:     registrySvc,
		Orchestrator: orch,
		Signed:       store,
		Authorizer:   policy,
		Plans:        policy,
		Validator:    validator,
		Metrics:      m,
		Health: func(ctx context.Context) error {
			if err := db.HealthCheck(ctx, 0); err != nil {
				return err
			}
			if rl, ok := locker.(*locking.RedisLocker); ok {
				return rl.Ping(ctx)
			}
			return nil
		},
		SignedURLTTL: cfg.Storage.SignedURLTTL,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC health endpoint for orchestrators that check over gRPC
	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC serve error", "error", err)
			}
		}()
		logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
	}

	go func() {
		logger.Info("exhibit bundler listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	if healthServer != nil {
		healthServer.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}
