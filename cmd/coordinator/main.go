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

	"github.com/devrev/pairfs/internal/api"
	"github.com/devrev/pairfs/internal/config"
	"github.com/devrev/pairfs/internal/dispatch"
	"github.com/devrev/pairfs/internal/editlog"
	"github.com/devrev/pairfs/internal/gossip"
	"github.com/devrev/pairfs/internal/handler"
	"github.com/devrev/pairfs/internal/health"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/middleware"
	"github.com/devrev/pairfs/internal/namesystem"
	"github.com/devrev/pairfs/internal/service"
	"github.com/devrev/pairfs/internal/store"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting PairFS Coordinator",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("edit_log_sink", cfg.EditLog.Sink))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Coordinator failed", zap.Error(err))
	}
	logger.Info("Coordinator stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openEditLog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (editlog.Sink, error) {
	switch cfg.EditLog.Sink {
	case "memory":
		logger.Warn("Edit log is in memory; the namespace will not survive a restart")
		return editlog.NewMemorySink(), nil
	case "file":
		return editlog.NewFileSink(editlog.FileSinkConfig{
			Dir:         cfg.EditLog.Dir,
			SegmentSize: cfg.EditLog.SegmentSize,
			SyncWrites:  cfg.EditLog.SyncWrites,
		}, logger)
	case "postgres":
		db := cfg.Database
		connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			db.User, db.Password, db.Host, db.Port, db.Database)
		poolCfg, err := pgxpool.ParseConfig(connString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database config: %w", err)
		}
		poolCfg.MaxConns = int32(db.MaxConnections)
		poolCfg.MinConns = int32(db.MinConnections)
		poolCfg.MaxConnLifetime = db.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		sink := editlog.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("unknown edit log sink %q", cfg.EditLog.Sink)
}

func openRetryStore(cfg *config.Config, logger *zap.Logger) (store.IdempotencyStore, error) {
	if !cfg.Redis.Enabled {
		return store.NewInMemoryIdempotencyStore(cfg.RetryCache.MaxSize, nil, logger), nil
	}
	return store.NewRedisIdempotencyStore(store.RedisOptions{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	sink, err := openEditLog(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open edit log: %w", err)
	}
	defer sink.Close()
	logger.Info("Edit log sink initialized", zap.String("sink", cfg.EditLog.Sink))

	retryStore, err := openRetryStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open retry cache store: %w", err)
	}
	defer retryStore.Close()
	retryCache := service.NewRetryCache(retryStore, cfg.RetryCache.TTL, logger)

	loadHosts := func() (*config.Hosts, error) { return config.LoadHosts(cfg.Hosts.File) }
	ns, err := namesystem.New(namesystem.ConfigFrom(cfg), sink, loadHosts, m, time.Now, logger)
	if err != nil {
		return fmt.Errorf("failed to create namesystem: %w", err)
	}
	if err := ns.Load(ctx); err != nil {
		return fmt.Errorf("failed to load namespace: %w", err)
	}
	logger.Info("Namespace loaded", zap.Int64("last_txid", ns.LastTxID()))

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Name:      "replication",
		Workers:   cfg.Replication.Workers,
		QueueSize: cfg.Replication.QueueSize,
		Logger:    logger,
	}, ns.DeliverReplication)
	defer dispatcher.Stop(cfg.Server.ShutdownTimeout)

	monitor := namesystem.NewMonitor(ns, dispatcher, namesystem.MonitorConfig{
		HeartbeatSweep:      cfg.Heartbeat.SweepInterval,
		ReplicationInterval: cfg.Replication.MonitorInterval,
		LeaseInterval:       cfg.Lease.MonitorInterval,
		WorkPerSweep:        cfg.Replication.WorkPerSweep,
	}, logger)

	if cfg.Gossip.Enabled {
		gs := gossip.NewService(&gossip.Config{
			Enabled:        true,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, gossip.MemberMeta{
			NodeID:  cfg.Server.NodeID,
			Role:    gossip.RoleCoordinator,
			Address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		}, ns.Tracker(), logger)
		if err := gs.Start(); err != nil {
			return fmt.Errorf("failed to start gossip: %w", err)
		}
		defer gs.Shutdown()
	}

	// gRPC server
	limiter := middleware.NewRateLimiter(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.Burst, logger)
	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRecovery(logger),
		middleware.UnaryRequestID(),
		middleware.UnaryLogging(logger),
	}
	if cfg.RateLimiter.Enabled {
		// Storage nodes must never be throttled into looking dead.
		interceptors = append(interceptors, middleware.UnaryRateLimit(limiter,
			api.FullMethod("Heartbeat"),
			api.FullMethod("BlockReport"),
			api.FullMethod("BlockReceivedAndDeleted"),
			api.FullMethod("CommitBlockSynchronization")))
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	api.RegisterCoordinatorServer(grpcServer, handler.NewCoordinatorHandler(ns, retryCache, m, logger))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Admin server
	router := mux.NewRouter()
	handler.NewAdminHandler(ns, logger).Routes(router)
	adminMiddleware := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Timeout(cfg.Admin.WriteTimeout),
	}
	if cfg.RateLimiter.Enabled {
		adminMiddleware = append(adminMiddleware, limiter.Limit)
	}
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler:      middleware.Chain(adminMiddleware...)(router),
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
	}

	healthServer := health.NewHealthServer(health.NewHealthChecker(sink, retryStore, ns, logger), 8080, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: metricsMux}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting gRPC server", zap.String("address", addr))
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		logger.Info("Starting admin server", zap.String("address", adminServer.Addr))
		return serveHTTP(adminServer)
	})
	g.Go(func() error { return serveHTTP(healthServer) })
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			return serveHTTP(metricsServer)
		})
	}
	g.Go(func() error { return monitor.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			logger.Info("gRPC server stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("gRPC server stop timeout, forcing shutdown")
			grpcServer.Stop()
		}

		for _, srv := range []*http.Server{adminServer, healthServer, metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
