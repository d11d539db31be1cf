package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/runner"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// SIGINT/SIGTERM cancels in-flight runs, their journal records can be resumed later
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := runner.NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create runner service: %v", err)
	}

	log.Printf("Starting the GIWA runner on port %s with %d chains and a %s journal", cfg.HTTPPort, len(cfg.Chains), cfg.Journal.Backend)
	service.Start(ctx)
}
