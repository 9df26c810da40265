package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"refframe/internal/cli"
	"refframe/internal/config"
	"refframe/internal/logging"
	"refframe/internal/pipeline"
	"refframe/internal/storage"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "refframe: %v\n", err)
		return err
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refframe: %v\n", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Warn("cannot create database directory", "path", cfg.Paths.DatabasePath, "error", err)
	} else if store, err = storage.New(cfg.Paths.DatabasePath); err != nil {
		logger.Warn("run database unavailable, continuing without it", "path", cfg.Paths.DatabasePath, "error", err)
	} else {
		defer store.Close()
	}

	pipe := pipeline.New(ctx, cfg, logger, store)
	defer pipe.Stop()

	// cobra already prints the error
	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
