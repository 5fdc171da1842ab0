package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/apiary/internal/config"
	"github.com/mtzanidakis/apiary/internal/natsbus"
	"github.com/mtzanidakis/apiary/internal/store"
	"github.com/mtzanidakis/apiary/internal/swarm"
	"github.com/mtzanidakis/apiary/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("apiary %s\n", version)
	case "coordinator":
		if err := runCoordinator(); err != nil {
			slog.Error("coordinator failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: apiary <command>\n\nCommands:\n  coordinator    Start the swarm coordination service\n  backup         Archive the data directory\n  restore        Restore a data directory archive\n  version        Print version\n")
}

func runCoordinator() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting apiary coordinator", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite history store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS event bus
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	// Coordination engine
	registry := swarm.NewRegistry()
	coord := swarm.NewCoordinator(cfg.Coordinator, registry, db, events)

	go coord.StartHeartbeatMonitor(ctx)
	if cfg.Analyzer.Sweep != "" {
		go coord.StartAnalysisSweep(ctx, cfg.Analyzer.Sweep)
	}

	// Web API + WebSocket
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, coord, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	coord.Shutdown()
	cancel()
	return nil
}
