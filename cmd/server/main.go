// Package main is the entry point of the Kiro gateway: an Anthropic
// Messages compatible HTTP server relaying to the CodeWhisperer upstream
// through a managed pool of OAuth credentials.
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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ki2api/kiro-gateway/internal/admin"
	"github.com/ki2api/kiro-gateway/internal/api"
	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/config"
	"github.com/ki2api/kiro-gateway/internal/logging"
	"github.com/ki2api/kiro-gateway/internal/pool"
)

// Build metadata, injected via -ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	fmt.Printf("Kiro Gateway %s (%s, built %s)\n", Version, Commit, BuildDate)

	// A .env next to the binary is a convenience for local runs.
	_ = godotenv.Load()

	var (
		configPath      = flag.String("config", config.DefaultConfigPath, "path to the configuration file")
		credentialsPath = flag.String("credentials", config.DefaultCredentialsPath, "path to the credentials file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		log.Warnf("config file %s not found, using defaults", *configPath)
		cfg = config.Default()
	}

	logging.Setup(cfg.LoggingFile)

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", e)
		}
		os.Exit(1)
	}

	store, err := pool.NewStore(*credentialsPath)
	if err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}

	dataDir := filepath.Dir(*credentialsPath)
	refresher := kiroauth.NewRefresher(cfg)
	pools, err := pool.NewPoolManager(cfg, refresher, store, filepath.Join(dataDir, "pools.json"))
	if err != nil {
		log.Fatalf("failed to initialise credential pools: %v", err)
	}

	keys, err := admin.NewKeyStore(filepath.Join(dataDir, "apikeys.json"))
	if err != nil {
		log.Fatalf("failed to load api keys: %v", err)
	}

	total, available := pools.Totals()
	log.WithFields(log.Fields{
		"total":     total,
		"available": available,
		"pools":     len(pools.Pools()),
	}).Info("credential pools initialised")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg, pools, keys)
	srv.StartHealthLoop(ctx)

	watcher := config.NewWatcher(*configPath)
	watcher.OnReload(srv.ApplyConfig)
	if err = watcher.Start(ctx); err != nil {
		log.WithError(err).Warn("config hot reload unavailable")
	}

	if err = srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Info("shutdown complete")
}
