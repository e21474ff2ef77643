// Package main provides the entry point for the workbench worker service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/worker"
)

var Version = "dev"

func main() {
	workspaceRoot := flag.String("workspace", "./workspace", "managed workspace root directory")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root, err := filepath.Abs(*workspaceRoot)
	if err != nil {
		log.Fatal().Err(err).Str("workspace", *workspaceRoot).Msg("Cannot resolve workspace root")
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		log.Fatal().Str("workspace", root).Msg("Workspace root is not a directory")
	}

	log.Info().
		Str("version", Version).
		Str("workspace", root).
		Msg("Starting buildcopy worker")

	svc, err := worker.NewService(root, Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create service")
	}

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start service")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	log.Info().Msg("Worker shutdown complete")
}
