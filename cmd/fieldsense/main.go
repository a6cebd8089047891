package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldsense/internal/aggregate"
	"fieldsense/internal/analysis"
	"fieldsense/internal/api"
	"fieldsense/internal/config"
	"fieldsense/internal/engine"
	"fieldsense/internal/feed"
	"fieldsense/internal/ingest"
	"fieldsense/internal/logging"
	"fieldsense/internal/metrics"
	"fieldsense/internal/storage"
	"fieldsense/internal/timeseries"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("FIELDSENSE_CONFIG", "fieldsense.yaml"), "path to YAML or JSON config")
	watch := flag.Duration("watch", 3*time.Second, "config reload poll interval, 0 disables")
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintln(os.Stderr, "fieldsense:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(path string) (*config.Manager, error) {
	path = config.ResolvePath(path)
	mgr, err := config.NewManager(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return mgr, err
}

func run(configPath string, watchEvery time.Duration) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	if mgr.Path() == "" {
		logger.Warn("config file not found, using defaults", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var index engine.FingerprintIndex
	if cfg.Dedupe.Redis.Enabled {
		ri, err := engine.NewRedisFingerprintIndex(ctx, cfg.Dedupe.Redis, cfg.Dedupe.IndexTTL)
		if err != nil {
			return err
		}
		defer ri.Close()
		index = ri
	}

	reg := metrics.NewRegistry()
	state := aggregate.New(cfg.Liveness.Threshold, logging.Component(logger, "aggregate"))
	started := time.Now()
	n, err := state.Rebuild(ctx, store)
	if err != nil {
		return err
	}
	logger.Info("device state rebuilt", "events", n, "took", time.Since(started).String())

	eng := engine.NewEngine(cfg, logging.Component(logger, "engine"), store, index, state, reg)
	series := timeseries.New(store, state)
	dispatcher := analysis.NewDispatcher(series, cfg.Analysis, logging.Component(logger, "analysis"), reg)

	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(cfg.Feed.History, logging.Component(logger, "feed"))
		eng.Subscribe(hub)
	}

	g, ctx := errgroup.WithContext(ctx)
	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}
	sweeper := aggregate.NewSweeper(state, reg, cfg.Liveness.SweepInterval)
	g.Go(func() error { return sweeper.Run(ctx) })

	if cfg.Ingest.TCPStream.Enabled {
		tcp := ingest.NewTCPStream(cfg.Ingest.TCPStream.Addr, eng, reg, logging.Component(logger, "tcp_stream"))
		g.Go(func() error { return tcp.Run(ctx) })
	}
	if cfg.Ingest.Kafka.Enabled {
		consumer := ingest.NewKafkaConsumer(cfg.Ingest.Kafka, eng, reg, logging.Component(logger, "kafka"))
		g.Go(func() error { return consumer.Run(ctx) })
	}
	if cfg.API.Enabled {
		srv := api.New(api.Deps{
			Config:   mgr,
			Engine:   eng,
			Store:    store,
			State:    state,
			History:  series,
			Analysis: dispatcher,
			Feed:     hub,
			Metrics:  reg,
			Logger:   logging.Component(logger, "api"),
			Version:  version,
		})
		g.Go(func() error { return srv.Run(ctx, cfg.API.Addr) })
	}
	if watchEvery > 0 && mgr.Path() != "" {
		g.Go(func() error {
			mgr.Watch(ctx, watchEvery, func(next *config.Config) {
				applyReload(logger, next, eng, state, dispatcher)
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			})
			return nil
		})
	}

	logger.Info("fieldsense started", "version", version, "storage", cfg.Storage.Driver)
	err = g.Wait()
	logger.Info("fieldsense stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyReload pushes the hot-reloadable settings into running components.
// Listener addresses and the storage driver need a restart.
func applyReload(logger *slog.Logger, cfg *config.Config, eng *engine.Engine, state *aggregate.Aggregator, d *analysis.Dispatcher) {
	eng.UpdateConfig(cfg)
	state.SetThreshold(cfg.Liveness.Threshold)
	d.UpdateConfig(cfg.Analysis)
	logger.Info("config reloaded", "tolerance", cfg.Dedupe.Tolerance.String(), "liveness_threshold", cfg.Liveness.Threshold.String())
}
