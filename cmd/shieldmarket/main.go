// Command shieldmarket runs the settlement core. It loads configuration,
// validates it, sets up signal handling, and starts the application in the
// configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/shieldmarket/internal/app"
	"github.com/alanyoungcy/shieldmarket/internal/config"
	"github.com/alanyoungcy/shieldmarket/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	sealKey := flag.String("seal-key", "", "write signer.private_key, sealed with signer.key_password, to this path and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if *sealKey != "" {
		if err := writeSealedKey(*sealKey, cfg); err != nil {
			logger.Error("failed to seal key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("sealed key written", slog.String("path", *sealKey), slog.String("key_id", cfg.Settlement.KeyID))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration ok")
		return
	}

	logger.Info("shieldmarket starting",
		slog.String("mode", cfg.Mode),
		slog.String("network", cfg.Chain.Network),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}

	logger.Info("shieldmarket stopped")
}

func writeSealedKey(path string, cfg *config.Config) error {
	sealed, err := crypto.EncryptKey(cfg.Settlement.KeyID, cfg.Signer.PrivateKey, cfg.Signer.KeyPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
