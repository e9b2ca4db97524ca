package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsetools/nsesync/internal/app"
	"github.com/nsetools/nsesync/internal/config"
)

func main() {
	importEnv := flag.Bool("import-env", false, "seal NSE_* environment credentials into the vault and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	config.SetupLogger(cfg)

	if *importEnv {
		if err := app.ImportEnvCredentials(cfg); err != nil {
			slog.Error("credential import failed", "error", err)
			os.Exit(1)
		}
		slog.Info("credentials imported")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
