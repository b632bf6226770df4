package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/forward"
	"github.com/FairForge/herald/internal/gateway"
	"github.com/FairForge/herald/internal/keystone"
	"github.com/FairForge/herald/internal/mirror"
	"github.com/FairForge/herald/internal/registry"
	"github.com/FairForge/herald/internal/s3api"
	"github.com/FairForge/herald/internal/sentry"
	"github.com/FairForge/herald/internal/swiftapi"
)

func main() {
	bootLogger, _ := zap.NewProduction()

	cfg, err := config.Load(config.Path("/etc/herald/config.yaml"))
	if err != nil {
		bootLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		bootLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	reporter, err := sentry.New(cfg.SentryDSN, logger)
	if err != nil {
		logger.Fatal("failed to initialize sentry", zap.Error(err))
	}

	reg, err := registry.Build(cfg)
	if err != nil {
		logger.Fatal("failed to build bucket registry", zap.Error(err))
	}

	queue, err := mirror.Open(cfg.QueueDir, logger)
	if err != nil {
		logger.Fatal("failed to open mirror queue", zap.Error(err))
	}
	defer func() { _ = queue.Close() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tokens := keystone.NewStore(logger)
	fwd := forward.New(logger)
	swiftClient := swiftapi.NewClient(tokens, logger)
	swiftResolver := swiftapi.NewResolver(swiftClient, logger)
	s3Resolver := s3api.NewResolver(fwd, logger)

	handler := gateway.NewHandler(cfg, reg, s3Resolver, swiftResolver, fwd, queue, reporter,
		gateway.NewMetrics(promReg), logger)
	server := gateway.NewServer(cfg, handler, promReg, logger)

	pool := mirror.NewPool(queue, fwd, swiftResolver, swiftClient, reg,
		mirror.NewMetrics(promReg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })

	if err := g.Wait(); err != nil {
		logger.Fatal("herald terminated", zap.Error(err))
	}
	logger.Info("herald stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
