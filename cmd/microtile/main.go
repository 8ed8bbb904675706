package main

import (
	"fmt"
	"os"

	"microtile/internal/cli"
	"microtile/internal/config"
	"microtile/internal/logging"
	"microtile/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("metadata store unavailable, continuing without it", "path", cfg.Paths.DatabasePath, "error", err)
		db = nil
	} else {
		defer db.Close()
	}

	if err := cli.Execute(cfg, logger, db); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
