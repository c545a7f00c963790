// Package main runs the acprelay broker: a WebSocket JSON-RPC endpoint that
// multiplexes clients onto stdio ACP agents, with git worktree handling for
// sessions that carry remote metadata.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acprelay/acprelay/internal/broker"
	"github.com/acprelay/acprelay/internal/common/config"
	"github.com/acprelay/acprelay/internal/common/logger"
	"github.com/acprelay/acprelay/internal/events/bus"
	"github.com/acprelay/acprelay/internal/gitws"
	"github.com/acprelay/acprelay/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.json")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
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

	log.Info("Starting acprelay broker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-memory event bus by default, NATS when configured; progress events
	// published on git.progress.<runId> become observable across processes.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	if _, err := eventBus.Subscribe("git.progress.>", func(ctx context.Context, e *bus.Event) error {
		log.Debug("git progress",
			zap.String("type", e.Type),
			zap.Any("data", e.Data))
		return nil
	}); err != nil {
		log.Warn("failed to subscribe to progress events", zap.Error(err))
	}

	agents, agentsErr := config.LoadAgentServers(cfg.Agents.File)
	if agentsErr != nil {
		log.Warn("agent servers unavailable",
			zap.String("file", cfg.Agents.File),
			zap.Error(agentsErr))
	} else {
		log.Info("agent servers loaded", zap.Strings("agents", agents.Names()))
	}

	gitMgr := gitws.NewManager(cfg.Git, eventBus, log)
	rpcLog := logger.NewRPCLog(log, cfg.RPCLog.PayloadLimit, cfg.RPCLog.CoalesceWindow())
	server := broker.NewServer(cfg, agents, agentsErr, gitMgr, rpcLog, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	rpcLog.Flush()
	if terr := tracing.Shutdown(context.Background()); terr != nil {
		log.Warn("tracing shutdown failed", zap.Error(terr))
	}
	if err != nil {
		log.Error("broker exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("broker stopped")
}
