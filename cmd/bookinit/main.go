// Command bookinit creates the storage schema ahead of a pipeline run:
// the database itself for Postgres, the table, and the secondary
// indexes. Running it is optional, the daemon does the same lazily,
// but CI and deploy scripts want the step to be explicit.
package main

import (
	"flag"
	"log/slog"
	"os"

	"bookpipe/internal/infra"
	"bookpipe/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/bookpipe.yaml", "path to the configuration file")
	dsn := flag.String("db", "", "database URL, overrides the config file")
	flag.Parse()

	url := *dsn
	if url == "" {
		cfg, err := infra.LoadConfig(*configPath)
		if err != nil {
			slog.Error("❌ Failed to load config", slog.Any("error", err))
			os.Exit(1)
		}
		url = cfg.Storage.DatabaseURL
	}

	backend, err := storage.Open(url, storage.Options{})
	if err != nil {
		slog.Error("❌ Failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	if err := backend.Close(); err != nil {
		slog.Error("❌ Failed to close storage", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("✅ Storage schema ready", slog.String("url", url))
}
