// Package main is the entry point for the atalaya session daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevir/atalaya/internal/config"
	"github.com/sevir/atalaya/internal/debuglog"
	"github.com/sevir/atalaya/internal/orchestrator"
	"github.com/sevir/atalaya/internal/server"
	"github.com/sevir/atalaya/internal/store"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		host        = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port        = flag.Int("port", 0, "Server port (default: 8765)")
		storePath   = flag.String("store", "", "Path to workspace store database")
		remoteURL   = flag.String("remote", "", "Default agent backend base URL")
		localBinary = flag.String("local-binary", "", "Local agent CLI binary")
		showVersion = flag.Bool("version", false, "Show version and exit")
		initConfig  = flag.Bool("init", false, "Initialize default config and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("atalaya %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *remoteURL != "" {
		cfg.Remote.BaseURL = *remoteURL
	}
	if *localBinary != "" {
		cfg.Local.Binary = *localBinary
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	// Keep recent log lines inspectable over the API.
	debugBuf := debuglog.NewBuffer(2000)
	restoreLog := debuglog.Capture(debugBuf)
	defer restoreLog()

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open workspace store: %v", err)
	}

	orch, err := orchestrator.New(cfg, st)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	srv := server.New(server.Config{
		Addr:         cfg.Address(),
		Orchestrator: orch,
		Debug:        debugBuf,
		Version:      version,
		Commit:       commit,
		AppConfig:    cfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		if err := orch.Shutdown(); err != nil {
			log.Printf("Orchestrator shutdown error: %v", err)
		}
	}()

	log.Printf("atalaya %s starting", version)
	log.Printf("API endpoint:    http://%s/api", cfg.Address())
	log.Printf("Events endpoint: http://%s/api/events", cfg.Address())
	log.Printf("Health check:    http://%s/health", cfg.Address())

	if err := srv.Start(); err != nil {
		select {
		case <-ctx.Done():
			// Expected shutdown
		default:
			log.Fatalf("Server error: %v", err)
		}
	}
}
