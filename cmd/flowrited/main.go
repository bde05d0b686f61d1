// Package main is the entry point for the flowrite agent host daemon.
// It serves the HTTP gateway and supervises subprocess agent backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowrite/flowrite/internal/agent"
	"github.com/flowrite/flowrite/internal/agent/catalog"
	"github.com/flowrite/flowrite/internal/agent/supervisor"
	"github.com/flowrite/flowrite/internal/agent/wire"
	"github.com/flowrite/flowrite/internal/common/config"
	"github.com/flowrite/flowrite/internal/common/logger"
	"github.com/flowrite/flowrite/internal/eventlog"
	"github.com/flowrite/flowrite/internal/events/bus"
	"github.com/flowrite/flowrite/internal/gateway"
)

// wireLogSweepInterval is how often stale wire logs are cleaned up.
const wireLogSweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting flowrite agent host...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var eventBus bus.EventBus
	if cfg.Bus.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Bus.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.Bus, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	var journal *eventlog.Store
	if cfg.EventLog.Path != "" {
		journal, err = eventlog.New(cfg.EventLog.Path)
		if err != nil {
			log.Fatal("Failed to open event journal", zap.Error(err))
		}
		defer journal.Close()
		log.Info("Event journal opened", zap.String("path", cfg.EventLog.Path))
	}

	cat, err := catalog.Load(cfg.Agents.CatalogPath)
	if err != nil {
		log.Fatal("Failed to load agent catalog", zap.Error(err))
	}
	if names := cat.Names(); len(names) > 0 {
		log.Info("Agent catalog loaded", zap.Strings("agents", names))
	}

	launcher := supervisor.NewExecLauncher(log)
	manager := agent.NewManager(cfg.Agents, cat, eventBus, journal, launcher, log)
	defer manager.Close()

	server := gateway.NewServer(cfg.Server, manager, eventBus, journal, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		sweepWireLogs(gctx, cfg.Agents, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Shutdown with error", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// sweepWireLogs removes wire logs past retention, once at startup and
// then on an interval.
func sweepWireLogs(ctx context.Context, cfg config.AgentsConfig, log *logger.Logger) {
	if cfg.WireLogDir == "" || cfg.WireLogMaxAge <= 0 {
		return
	}
	wire.CleanupLogs(cfg.WireLogDir, cfg.WireLogMaxAgeDuration(), log)

	ticker := time.NewTicker(wireLogSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wire.CleanupLogs(cfg.WireLogDir, cfg.WireLogMaxAgeDuration(), log)
		}
	}
}
