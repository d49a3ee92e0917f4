package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gftdcojp/tiered-block-worker/internal/allocator"
	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/evictor"
	"github.com/gftdcojp/tiered-block-worker/internal/lifecycle"
	"github.com/gftdcojp/tiered-block-worker/internal/master"
	"github.com/gftdcojp/tiered-block-worker/internal/meta"
	"github.com/gftdcojp/tiered-block-worker/internal/metrics"
	"github.com/gftdcojp/tiered-block-worker/internal/serve"
	"github.com/gftdcojp/tiered-block-worker/internal/store"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/ufs"
	"github.com/gftdcojp/tiered-block-worker/internal/worker"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("block-worker %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Worker.Hostname == "" {
		cfg.Worker.Hostname, _ = os.Hostname()
	}

	// Initialize block journal
	if err := os.MkdirAll(filepath.Dir(cfg.Metadata.Path), 0755); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}
	journal, err := meta.NewBoltJournal(cfg.Metadata.Path, cfg.Metadata.NoSync, logger)
	if err != nil {
		return fmt.Errorf("opening block journal: %w", err)
	}
	defer journal.Close()
	if err := journal.Migrate(); err != nil {
		return fmt.Errorf("migrating block journal: %w", err)
	}

	// Build the tiered store
	topo, err := tier.NewTopology(cfg.TieredStore.Levels)
	if err != nil {
		return fmt.Errorf("building storage topology: %w", err)
	}
	alloc, err := allocator.New(cfg.TieredStore.Allocator, topo)
	if err != nil {
		return err
	}
	policy, err := evictor.NewPolicy(cfg.TieredStore.Evictor)
	if err != nil {
		return err
	}
	blockStore, err := store.New(ctx, store.Config{
		Topology:    topo,
		Allocator:   alloc,
		Evictor:     evictor.New(topo, policy, logger.Named("evictor")),
		Journal:     journal,
		LockTimeout: cfg.Worker.LockTimeout.Duration(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	if _, err := lifecycle.CollectOrphans(ctx, blockStore, logger.Named("gc")); err != nil {
		return fmt.Errorf("collecting orphaned block files: %w", err)
	}

	// Mount under file systems
	mounts := ufs.NewManager(logger.Named("ufs"))
	for _, mc := range cfg.UFS.Mounts {
		u, err := ufs.NewFromConfig(ctx, mc, logger.Named("ufs").With(zap.String("mount", mc.MountPoint)))
		if err != nil {
			return fmt.Errorf("mounting %s: %w", mc.MountPoint, err)
		}
		mounts.Mount(mc.MountPoint, u)
	}

	// Connect to NATS when the master or the responder needs it
	var nc *nats.Conn
	if cfg.Master.Enabled || cfg.API.NATSResponder.Enabled {
		nc, err = connectNATS(cfg.NATS, cfg.Worker.Hostname, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
	}

	wcfg := worker.Config{
		Store:    blockStore,
		UFS:      ufs.NewBlockStore(mounts, logger.Named("ufs")),
		Settings: cfg,
		Logger:   logger,
	}
	if cfg.Master.Enabled {
		client := master.NewNATSClient(nc, cfg.Master.SubjectPrefix, cfg.Master.RequestTimeout.Duration(), logger.Named("master"))
		wcfg.BlockMaster = client
		wcfg.FileSystemMaster = client
	}
	w := worker.New(wcfg)
	defer w.Close()

	if err := w.Register(ctx); err != nil {
		logger.Warn("initial registration failed, retrying on heartbeat", zap.Error(err))
	}
	if cfg.Master.Enabled {
		nc.SetReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected, re-registering with master", zap.String("url", c.ConnectedUrl()))
			w.Reregister()
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start heartbeat loop
	g.Go(func() error { return w.RunHeartbeat(gctx, cfg.Master.HeartbeatInterval.Duration()) })

	// Start space reserver
	reserver := lifecycle.NewSpaceReserver(blockStore, logger.Named("reserver"))
	g.Go(func() error { return reserver.Run(gctx, cfg.TieredStore.ReserverInterval.Duration()) })

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, w, logger.Named("api"))
		})
	}

	// Start NATS responder
	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, w, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, journal, mounts.Pingers())
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	sm := blockStore.StoreMeta()
	logger.Info("block-worker started",
		zap.String("version", version),
		zap.Int64("worker_id", w.GetWorkerID()),
		zap.Strings("tiers", sm.TierOrder),
		zap.Int("blocks", sm.NumberOfBlocks),
		zap.Strings("mounts", mounts.MountPoints()),
		zap.Bool("master", cfg.Master.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Graceful shutdown: let queued cache loads finish
	logger.Info("shutting down, waiting for cache loads...")
	if err := w.Close(); err != nil {
		logger.Error("error finishing cache loads", zap.Error(err))
	}

	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
