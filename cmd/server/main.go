// CampusWorks - Escrow payments for campus freelance work
package main

import (
	"context"
	"os"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/config"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/logging"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting campusworks",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"pending_escrow_ttl", cfg.PendingEscrowTTL.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
