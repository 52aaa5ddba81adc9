package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"panoforge/internal/cli"
	"panoforge/internal/config"
	"panoforge/internal/logging"
	"panoforge/internal/pipeline"
	"panoforge/internal/stitch"
	"panoforge/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := stitch.SelectEngine(cfg.Stitch.Engine, log)
	coordinator := stitch.NewCoordinator(cfg, engine, log)
	router := pipeline.NewRouter(coordinator, log)

	pipe := pipeline.New(ctx, cfg.Processing.Workers, cfg.Processing.QueueSize, log, store, router)
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, log, store)
	cmd := cli.NewRootCmd(root)
	return cmd.ExecuteContext(ctx)
}
